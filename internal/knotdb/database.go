// Package knotdb persists solved-game data organized in layers of knots.
//
// Each layer has a stats record plus two fixed-width arrays: the packed
// short knot values (2 bits per knot) and the ply infos (uint16 per knot).
// Two interchangeable backends store them:
//
//   - flat: two uncompressed files with fixed offsets, fast random writes,
//     used while a database is being computed.
//   - compressed: one section container, used for long-term storage.
//
// A layer moves from empty to partial (single-knot writes) to stored (whole
// arrays written once). Stored layers are immutable. The database is
// completed once every layer is stored or has no knots.
//
// A DB is not safe for concurrent writers; callers serialize writes.
package knotdb

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/knotstore/internal/codec"
	"github.com/freeeve/knotstore/internal/residency"
	"github.com/freeeve/knotstore/internal/throughput"
)

// Kind selects a storage backend.
type Kind int

const (
	KindFlat Kind = iota
	KindCompressed
)

func (k Kind) String() string {
	switch k {
	case KindFlat:
		return "flat"
	case KindCompressed:
		return "compressed"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts "flat" and "compressed".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "flat", "uncompressed":
		return KindFlat, nil
	case "compressed":
		return KindCompressed, nil
	}
	return 0, fmt.Errorf("unknown database kind %q", s)
}

// Config configures a DB.
type Config struct {
	Logger   zerolog.Logger
	ReadOnly bool

	// Compressed backend.
	Codec     codec.Codec // default zstd
	BlockSize int         // default 10000
	Workers   int         // flush workers, default GOMAXPROCS

	// Flat backend: pause between retries of failed file I/O, default 1s.
	RetryBackoff time.Duration

	// MaxResidentBytes > 0 keeps whole arrays of stored layers in memory for
	// single-knot reads, evicting the oldest beyond the budget.
	MaxResidentBytes int64
	// Tracker observes resident arrays. Created internally when nil and
	// MaxResidentBytes > 0.
	Tracker *residency.Tracker

	// OnThroughput receives single-knot operations per second every
	// ThroughputEvery operations. Disabled when nil.
	OnThroughput    func(opsPerSec float64)
	ThroughputEvery int64 // default 1,000,000
}

// backend is the byte storage behind a DB.
type backend interface {
	// loadHeader returns false if no valid header exists yet.
	loadHeader() (DatabaseStats, bool, error)
	loadLayerStats(layer int) (LayerStats, error)
	createHeader(stats DatabaseStats, layers []LayerStats) error
	saveDatabaseStats(stats DatabaseStats) error
	saveLayerStats(layer int, stats *LayerStats) error

	readKnotValues(layer int, stats *LayerStats) ([]byte, error)
	readPlyInfos(layer int, stats *LayerStats) ([]PlyInfo, error)
	readKnotValue(layer int, stats *LayerStats, knot uint32) (ShortKnotValue, error)
	readPlyInfo(layer int, stats *LayerStats, knot uint32) (PlyInfo, error)

	writeKnotValues(layer int, stats *LayerStats, packed []byte) error
	writePlyInfos(layer int, stats *LayerStats, plies []PlyInfo) error
	writeKnotValue(layer int, stats *LayerStats, knot uint32, v ShortKnotValue) error
	writePlyInfo(layer int, stats *LayerStats, knot uint32, p PlyInfo) error

	compressedSize(layer int, typ residency.ArrayType) int64
	commit() error
	close() error
}

// DB is an open knot database.
type DB struct {
	kind     Kind
	b        backend
	log      zerolog.Logger
	readOnly bool

	stats  DatabaseStats
	layers []*LayerStats // lazily loaded, nil until first use

	cache *arrayCache
	meter *throughput.Meter
}

// Open opens the database at path, creating it from rules if it does not
// exist. For KindFlat path is a directory, for KindCompressed a file. rules
// may be nil when opening an existing database.
func Open(kind Kind, path string, rules Rules, cfg Config) (*DB, error) {
	log := cfg.Logger.With().Str("component", "knotdb").Str("kind", kind.String()).Logger()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = CompressedBlockSize
	}
	if cfg.ThroughputEvery == 0 {
		cfg.ThroughputEvery = 1_000_000
	}

	var b backend
	var err error
	switch kind {
	case KindFlat:
		b, err = openFlat(path, cfg, log)
	case KindCompressed:
		b, err = openCompressed(path, cfg, log)
	default:
		return nil, fmt.Errorf("unknown database kind %d", int(kind))
	}
	if err != nil {
		return nil, err
	}

	db := &DB{kind: kind, b: b, log: log, readOnly: cfg.ReadOnly}
	if err := db.init(rules); err != nil {
		b.close()
		return nil, err
	}

	if cfg.MaxResidentBytes > 0 {
		tracker := cfg.Tracker
		if tracker == nil {
			tracker = residency.New(db.stats.NumLayers, residency.Config{Logger: cfg.Logger})
		}
		db.cache = newArrayCache(cfg.MaxResidentBytes, tracker)
	}
	if cfg.OnThroughput != nil {
		db.meter = throughput.New(cfg.ThroughputEvery, cfg.OnThroughput)
	}

	log.Info().
		Str("path", path).
		Int("layers", db.stats.NumLayers).
		Bool("completed", db.stats.Completed).
		Bool("read_only", cfg.ReadOnly).
		Msg("opened database")
	return db, nil
}

func (db *DB) init(rules Rules) error {
	stats, ok, err := db.b.loadHeader()
	if err != nil {
		return err
	}
	if ok {
		if rules != nil && rules.NumLayers() != stats.NumLayers {
			db.log.Warn().Int("stored_layers", stats.NumLayers).Int("rules_layers", rules.NumLayers()).
				Msg("layer count differs from rules, using stored header")
		}
		db.stats = stats
		db.layers = make([]*LayerStats, stats.NumLayers)
		return nil
	}

	if db.readOnly {
		return fmt.Errorf("%w: no database header", ErrCorrupt)
	}
	if rules == nil {
		return ErrNoRules
	}

	n := rules.NumLayers()
	layers := make([]LayerStats, n)
	for l := range layers {
		layers[l] = LayerStats{
			NumKnots:        rules.NumKnotsInLayer(l),
			SuccessorLayers: append([]int(nil), rules.SuccessorLayers(l)...),
			PartnerLayers:   append([]int(nil), rules.PartnerLayers(l)...),
		}
	}
	db.stats = DatabaseStats{NumLayers: n, Completed: allStored(layers)}
	if err := db.b.createHeader(db.stats, layers); err != nil {
		return fmt.Errorf("create header: %w", err)
	}
	db.layers = make([]*LayerStats, n)
	for l := range layers {
		db.layers[l] = &layers[l]
	}
	db.log.Info().Int("layers", n).Msg("created empty database")
	return nil
}

func allStored(layers []LayerStats) bool {
	for _, l := range layers {
		if l.NumKnots > 0 && l.State != LayerStored {
			return false
		}
	}
	return true
}

// Kind returns the backend kind.
func (db *DB) Kind() Kind { return db.kind }

// Stats returns the global database stats.
func (db *DB) Stats() DatabaseStats { return db.stats }

// Tracker returns the residency tracker, nil if arrays are not kept resident.
func (db *DB) Tracker() *residency.Tracker {
	if db.cache == nil {
		return nil
	}
	return db.cache.tracker
}

// LayerStats returns a copy of the stats of layer.
func (db *DB) LayerStats(layer int) (LayerStats, error) {
	s, err := db.layer(layer)
	if err != nil {
		return LayerStats{}, err
	}
	out := *s
	out.SuccessorLayers = append([]int(nil), s.SuccessorLayers...)
	out.PartnerLayers = append([]int(nil), s.PartnerLayers...)
	return out, nil
}

func (db *DB) layer(layer int) (*LayerStats, error) {
	if db.b == nil {
		return nil, ErrNotOpen
	}
	if layer < 0 || layer >= db.stats.NumLayers {
		return nil, fmt.Errorf("%w: %d of %d", ErrLayerRange, layer, db.stats.NumLayers)
	}
	if db.layers[layer] == nil {
		s, err := db.b.loadLayerStats(layer)
		if err != nil {
			return nil, fmt.Errorf("load layer %d stats: %w", layer, err)
		}
		db.layers[layer] = &s
	}
	return db.layers[layer], nil
}

// storedLayer returns the stats of a readable layer.
func (db *DB) storedLayer(layer int) (*LayerStats, error) {
	s, err := db.layer(layer)
	if err != nil {
		return nil, err
	}
	if s.NumKnots == 0 {
		return nil, fmt.Errorf("%w: %d", ErrEmptyLayer, layer)
	}
	if s.State != LayerStored {
		return nil, fmt.Errorf("%w: %d is %s", ErrLayerNotStored, layer, s.State)
	}
	return s, nil
}

func (db *DB) knotInLayer(layer int, knot uint32) (*LayerStats, error) {
	s, err := db.layer(layer)
	if err != nil {
		return nil, err
	}
	if s.NumKnots == 0 {
		return nil, fmt.Errorf("%w: %d", ErrEmptyLayer, layer)
	}
	if knot >= s.NumKnots {
		return nil, fmt.Errorf("%w: knot %d of %d in layer %d", ErrKnotRange, knot, s.NumKnots, layer)
	}
	return s, nil
}

func (db *DB) writableLayer(layer int) (*LayerStats, error) {
	if db.readOnly {
		return nil, ErrReadOnly
	}
	s, err := db.layer(layer)
	if err != nil {
		return nil, err
	}
	if s.NumKnots == 0 {
		return nil, fmt.Errorf("%w: %d", ErrEmptyLayer, layer)
	}
	if s.State == LayerStored {
		return nil, fmt.Errorf("%w: %d", ErrLayerStored, layer)
	}
	return s, nil
}

func (db *DB) measure() {
	if db.meter != nil {
		db.meter.MeasureOp()
	}
}

// ReadKnotValues returns the packed short knot values of a stored layer.
// The slice may be shared with the resident cache and must not be modified.
func (db *DB) ReadKnotValues(layer int) ([]byte, error) {
	s, err := db.storedLayer(layer)
	if err != nil {
		return nil, err
	}
	if db.cache != nil {
		return db.residentKnotValues(layer, s)
	}
	return db.b.readKnotValues(layer, s)
}

// ReadPlyInfos returns the ply infos of a stored layer. The slice may be
// shared with the resident cache and must not be modified.
func (db *DB) ReadPlyInfos(layer int) ([]PlyInfo, error) {
	s, err := db.storedLayer(layer)
	if err != nil {
		return nil, err
	}
	if db.cache != nil {
		return db.residentPlyInfos(layer, s)
	}
	return db.b.readPlyInfos(layer, s)
}

// ReadKnotValue returns the value of one knot. Knots of layers that are not
// stored read as ShortKnotInvalid together with ErrLayerNotStored.
func (db *DB) ReadKnotValue(layer int, knot uint32) (ShortKnotValue, error) {
	s, err := db.knotInLayer(layer, knot)
	if err != nil {
		return ShortKnotInvalid, err
	}
	if s.State != LayerStored {
		return ShortKnotInvalid, fmt.Errorf("%w: %d", ErrLayerNotStored, layer)
	}
	db.measure()
	if db.cache != nil {
		packed, err := db.residentKnotValues(layer, s)
		if err != nil {
			return ShortKnotInvalid, err
		}
		return GetKnotValue(packed, knot), nil
	}
	return db.b.readKnotValue(layer, s, knot)
}

// ReadPlyInfo returns the ply info of one knot. Knots of layers that are not
// stored read as PlyInfoUncalculated together with ErrLayerNotStored.
func (db *DB) ReadPlyInfo(layer int, knot uint32) (PlyInfo, error) {
	s, err := db.knotInLayer(layer, knot)
	if err != nil {
		return PlyInfoUncalculated, err
	}
	if s.State != LayerStored {
		return PlyInfoUncalculated, fmt.Errorf("%w: %d", ErrLayerNotStored, layer)
	}
	db.measure()
	if db.cache != nil {
		plies, err := db.residentPlyInfos(layer, s)
		if err != nil {
			return PlyInfoUncalculated, err
		}
		return plies[knot], nil
	}
	return db.b.readPlyInfo(layer, s, knot)
}

// WriteLayer stores both arrays of a layer and marks it stored. Outcome
// counts are recomputed from knotValues. Fails if the layer is already stored.
func (db *DB) WriteLayer(layer int, knotValues []byte, plyInfos []PlyInfo) error {
	s, err := db.writableLayer(layer)
	if err != nil {
		return err
	}
	if int64(len(knotValues)) != KnotValuesSize(s.NumKnots) || len(plyInfos) != int(s.NumKnots) {
		return fmt.Errorf("%w: layer %d has %d knots, got %d value bytes and %d ply infos",
			ErrArrayLength, layer, s.NumKnots, len(knotValues), len(plyInfos))
	}

	if err := db.b.writeKnotValues(layer, s, knotValues); err != nil {
		return fmt.Errorf("write layer %d knot values: %w", layer, err)
	}
	if err := db.b.writePlyInfos(layer, s, plyInfos); err != nil {
		return fmt.Errorf("write layer %d ply infos: %w", layer, err)
	}
	next := *s
	countValues(knotValues, s.NumKnots, &next)
	return db.markStored(layer, s, next)
}

// CompleteLayer marks a partially written layer as stored.
func (db *DB) CompleteLayer(layer int) error {
	s, err := db.writableLayer(layer)
	if err != nil {
		return err
	}
	if s.State != LayerPartial {
		return fmt.Errorf("%w: layer %d has no data", ErrLayerNotStored, layer)
	}
	packed, err := db.b.readKnotValues(layer, s)
	if err != nil {
		return fmt.Errorf("read layer %d: %w", layer, err)
	}
	next := *s
	countValues(packed, s.NumKnots, &next)
	return db.markStored(layer, s, next)
}

// markStored saves next as the stats of a stored layer. s keeps its old
// value unless the save succeeds.
func (db *DB) markStored(layer int, s *LayerStats, next LayerStats) error {
	next.State = LayerStored
	if err := db.b.saveLayerStats(layer, &next); err != nil {
		return fmt.Errorf("save layer %d stats: %w", layer, err)
	}
	*s = next
	db.log.Debug().Int("layer", layer).Uint32("knots", s.NumKnots).
		Uint32("won", s.NumWon).Uint32("lost", s.NumLost).Uint32("drawn", s.NumDrawn).
		Msg("layer stored")
	return db.updateCompleted()
}

// updateCompleted sets the completed flag once no layer with knots is left
// unstored.
func (db *DB) updateCompleted() error {
	if db.stats.Completed {
		return nil
	}
	for l := 0; l < db.stats.NumLayers; l++ {
		s, err := db.layer(l)
		if err != nil {
			return err
		}
		if s.NumKnots > 0 && s.State != LayerStored {
			return nil
		}
	}
	db.stats.Completed = true
	if err := db.b.saveDatabaseStats(db.stats); err != nil {
		return fmt.Errorf("save database stats: %w", err)
	}
	db.log.Info().Int("layers", db.stats.NumLayers).Msg("database completed")
	return nil
}

// beginPartial initializes the arrays of an empty layer with invalid values
// and uncalculated ply infos.
func (db *DB) beginPartial(layer int, s *LayerStats) error {
	if s.State != LayerEmpty {
		return nil
	}
	plies := make([]PlyInfo, s.NumKnots)
	for i := range plies {
		plies[i] = PlyInfoUncalculated
	}
	if err := db.b.writeKnotValues(layer, s, make([]byte, KnotValuesSize(s.NumKnots))); err != nil {
		return err
	}
	if err := db.b.writePlyInfos(layer, s, plies); err != nil {
		return err
	}
	next := *s
	next.State = LayerPartial
	if err := db.b.saveLayerStats(layer, &next); err != nil {
		return err
	}
	*s = next
	return nil
}

// WriteKnotValue sets one knot of a layer that is not stored yet.
func (db *DB) WriteKnotValue(layer int, knot uint32, v ShortKnotValue) error {
	s, err := db.writableLayer(layer)
	if err != nil {
		return err
	}
	if knot >= s.NumKnots {
		return fmt.Errorf("%w: knot %d of %d in layer %d", ErrKnotRange, knot, s.NumKnots, layer)
	}
	if err := db.beginPartial(layer, s); err != nil {
		return fmt.Errorf("initialize layer %d: %w", layer, err)
	}
	db.measure()
	return db.b.writeKnotValue(layer, s, knot, v)
}

// WritePlyInfo sets the ply info of one knot of a layer that is not stored yet.
func (db *DB) WritePlyInfo(layer int, knot uint32, p PlyInfo) error {
	s, err := db.writableLayer(layer)
	if err != nil {
		return err
	}
	if knot >= s.NumKnots {
		return fmt.Errorf("%w: knot %d of %d in layer %d", ErrKnotRange, knot, s.NumKnots, layer)
	}
	if err := db.beginPartial(layer, s); err != nil {
		return fmt.Errorf("initialize layer %d: %w", layer, err)
	}
	db.measure()
	return db.b.writePlyInfo(layer, s, knot, p)
}

// Commit makes all writes durable.
func (db *DB) Commit() error {
	if db.b == nil {
		return ErrNotOpen
	}
	if db.readOnly {
		return ErrReadOnly
	}
	return db.b.commit()
}

// Close releases the database. Writes not yet committed to a compressed
// database are lost.
func (db *DB) Close() error {
	if db.b == nil {
		return ErrNotOpen
	}
	if db.cache != nil {
		db.cache.clear()
	}
	err := db.b.close()
	db.b = nil
	db.layers = nil
	return err
}
