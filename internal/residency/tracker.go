// Package residency keeps account of the large per-layer arrays that are
// currently held in memory. It never allocates or frees the arrays itself;
// owners report additions and removals and observers (progress displays,
// memory limits) read the running total and a FIFO of changes.
package residency

import (
	"errors"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
)

// ArrayType identifies which per-layer array an entry describes.
type ArrayType int

const (
	KnotAlreadyCalculated ArrayType = iota
	CountArray
	PlyInfos
	LayerStats
	KnotValues

	numArrayTypes
)

var arrayTypeNames = [...]string{
	KnotAlreadyCalculated: "knotAlreadyCalculated",
	CountArray:            "countArray",
	PlyInfos:              "plyInfos",
	LayerStats:            "layerStats",
	KnotValues:            "knotValues",
}

func (t ArrayType) String() string {
	if t < 0 || t >= numArrayTypes {
		return fmt.Sprintf("ArrayType(%d)", int(t))
	}
	return arrayTypeNames[t]
}

var (
	ErrInvalidSize   = errors.New("array size must be positive")
	ErrInvalidLayer  = errors.New("layer out of range")
	ErrInvalidType   = errors.New("invalid array type")
	ErrAlreadyExists = errors.New("array already registered")
	ErrNotFound      = errors.New("array not registered")
	ErrSizeMismatch  = errors.New("array size does not match registration")
)

// ArrayInfo describes one registered array.
type ArrayInfo struct {
	Layer          int
	Type           ArrayType
	Size           int64
	CompressedSize int64
}

// Change is one queued notification. Info is nil when the array at Index
// was removed.
type Change struct {
	Index int
	Info  *ArrayInfo
}

// Config configures a Tracker.
type Config struct {
	Logger zerolog.Logger
	// MetricsPrefix names the exported gauges, default "knotdb_residency".
	MetricsPrefix string
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	log        zerolog.Logger
	numLayers  int
	arrays     map[int]*ArrayInfo // by Index(layer, type)
	changes    []Change
	memoryUsed int64

	metrics *metrics.Set
}

// New creates a tracker for numLayers layers.
func New(numLayers int, cfg Config) *Tracker {
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "knotdb_residency"
	}
	t := &Tracker{
		log:     cfg.Logger.With().Str("component", "residency").Logger(),
		metrics: metrics.NewSet(),
	}
	t.metrics.NewGauge(cfg.MetricsPrefix+"_memory_bytes", func() float64 {
		return float64(t.MemoryUsed())
	})
	t.metrics.NewGauge(cfg.MetricsPrefix+"_arrays", func() float64 {
		return float64(t.Len())
	})
	t.Init(numLayers)
	return t
}

// Init resizes the tracker for numLayers layers and forgets all arrays and
// pending changes.
func (t *Tracker) Init(numLayers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.numLayers = numLayers
	t.arrays = make(map[int]*ArrayInfo)
	t.changes = nil
	t.memoryUsed = 0
}

// Index returns the notification index of (layer, type).
func Index(layer int, typ ArrayType) int {
	return layer*int(numArrayTypes) + int(typ)
}

func (t *Tracker) check(layer int, typ ArrayType) error {
	if layer < 0 || layer >= t.numLayers {
		return fmt.Errorf("%w: %d of %d", ErrInvalidLayer, layer, t.numLayers)
	}
	if typ < 0 || typ >= numArrayTypes {
		return fmt.Errorf("%w: %d", ErrInvalidType, int(typ))
	}
	return nil
}

// AddArray registers an array of size bytes.
func (t *Tracker) AddArray(layer int, typ ArrayType, size, compressedSize int64) error {
	if size <= 0 {
		return ErrInvalidSize
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(layer, typ); err != nil {
		return err
	}
	idx := Index(layer, typ)
	if _, ok := t.arrays[idx]; ok {
		return fmt.Errorf("%w: layer %d %s", ErrAlreadyExists, layer, typ)
	}

	info := &ArrayInfo{Layer: layer, Type: typ, Size: size, CompressedSize: compressedSize}
	t.arrays[idx] = info
	t.memoryUsed += size
	t.changes = append(t.changes, Change{Index: idx, Info: info})

	t.log.Debug().Int("layer", layer).Stringer("type", typ).Int64("size", size).
		Int64("memory_used", t.memoryUsed).Msg("array added")
	return nil
}

// RemoveArray deregisters an array. size and compressedSize must equal the
// values given to AddArray; a mismatch leaves the tracker unchanged.
func (t *Tracker) RemoveArray(layer int, typ ArrayType, size, compressedSize int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(layer, typ); err != nil {
		return err
	}
	idx := Index(layer, typ)
	info, ok := t.arrays[idx]
	if !ok {
		return fmt.Errorf("%w: layer %d %s", ErrNotFound, layer, typ)
	}
	if info.Size != size || info.CompressedSize != compressedSize {
		t.log.Warn().Int("layer", layer).Stringer("type", typ).
			Int64("size", size).Int64("registered_size", info.Size).
			Int64("compressed_size", compressedSize).Int64("registered_compressed_size", info.CompressedSize).
			Msg("stale array removal rejected")
		return fmt.Errorf("%w: layer %d %s", ErrSizeMismatch, layer, typ)
	}

	delete(t.arrays, idx)
	t.memoryUsed -= size
	t.changes = append(t.changes, Change{Index: idx})

	t.log.Debug().Int("layer", layer).Stringer("type", typ).Int64("size", size).
		Int64("memory_used", t.memoryUsed).Msg("array removed")
	return nil
}

// AnyChangeToReport reports whether NextChange has something to return.
func (t *Tracker) AnyChangeToReport() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes) > 0
}

// NextChange pops the oldest change. ok is false when the queue is empty.
func (t *Tracker) NextChange() (c Change, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.changes) == 0 {
		return Change{}, false
	}
	c = t.changes[0]
	t.changes[0] = Change{}
	t.changes = t.changes[1:]
	if c.Info != nil {
		info := *c.Info
		c.Info = &info
	}
	return c, true
}

// Array returns a copy of the registration of (layer, type).
func (t *Tracker) Array(layer int, typ ArrayType) (ArrayInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.arrays[Index(layer, typ)]
	if !ok {
		return ArrayInfo{}, false
	}
	return *info, true
}

// Len returns the number of registered arrays.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.arrays)
}

// MemoryUsed returns the sum of the sizes of all registered arrays.
func (t *Tracker) MemoryUsed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memoryUsed
}

// Metrics exposes the tracker gauges for registration with a metrics
// endpoint (metrics.RegisterSet) or direct WritePrometheus calls.
func (t *Tracker) Metrics() *metrics.Set {
	return t.metrics
}
