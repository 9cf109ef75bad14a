package knotdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/knotstore/internal/residency"
)

// flatBackend stores the arrays uncompressed at fixed offsets in two files,
// so single knots are read and written in place.
type flatBackend struct {
	dir     string
	skv     *os.File
	ply     *os.File
	backoff time.Duration
	log     zerolog.Logger

	records    []byte  // layer records as on disk
	skvOffsets []int64 // per layer
	plyOffsets []int64
}

func openFlat(dir string, cfg Config, log zerolog.Logger) (*flatBackend, error) {
	flag := os.O_RDWR | os.O_CREATE
	if cfg.ReadOnly {
		flag = os.O_RDONLY
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	skv, err := os.OpenFile(filepath.Join(dir, knotValuesFile), flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("open knot values: %w", err)
	}
	ply, err := os.OpenFile(filepath.Join(dir, plyInfosFile), flag, 0644)
	if err != nil {
		skv.Close()
		return nil, fmt.Errorf("open ply infos: %w", err)
	}
	return &flatBackend{
		dir:     dir,
		skv:     skv,
		ply:     ply,
		backoff: cfg.RetryBackoff,
		log:     log,
	}, nil
}

// permanentIOError reports errors a retry cannot fix.
func permanentIOError(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EBADF)
}

// retry runs fn until it succeeds or fails permanently, sleeping backoff
// between attempts.
func (b *flatBackend) retry(op, file string, off int64, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || permanentIOError(err) {
			return err
		}
		b.log.Warn().Err(err).
			Str("op", op).
			Str("file", file).
			Int64("offset", off).
			Int("attempt", attempt).
			Dur("backoff", b.backoff).
			Msg("file I/O failed, retrying")
		time.Sleep(b.backoff)
	}
}

func (b *flatBackend) readAt(f *os.File, buf []byte, off int64) error {
	return b.retry("read", filepath.Base(f.Name()), off, func() error {
		_, err := f.ReadAt(buf, off)
		return err
	})
}

func (b *flatBackend) writeAt(f *os.File, buf []byte, off int64) error {
	return b.retry("write", filepath.Base(f.Name()), off, func() error {
		_, err := f.WriteAt(buf, off)
		return err
	})
}

// writeBoth writes the same bytes to both files, as for the header block.
func (b *flatBackend) writeBoth(buf []byte, off int64) error {
	if err := b.writeAt(b.skv, buf, off); err != nil {
		return err
	}
	return b.writeAt(b.ply, buf, off)
}

func (b *flatBackend) readHeader(f *os.File) (flatHeader, bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return flatHeader{}, false, err
	}
	if fi.Size() < flatHeaderSize {
		return flatHeader{}, false, nil
	}
	buf := make([]byte, flatHeaderSize)
	if err := b.readAt(f, buf, 0); err != nil {
		return flatHeader{}, false, err
	}
	h, ok := decodeFlatHeader(buf)
	if !ok || fi.Size() < h.headerAndStatsSize {
		return flatHeader{}, false, nil
	}
	return h, true, nil
}

func (b *flatBackend) loadHeader() (DatabaseStats, bool, error) {
	h, ok, err := b.readHeader(b.skv)
	if err != nil || !ok {
		return DatabaseStats{}, false, err
	}
	hp, ok, err := b.readHeader(b.ply)
	if err != nil || !ok {
		return DatabaseStats{}, false, err
	}
	if hp != h {
		b.log.Warn().Msg("knot value and ply info headers differ")
		return DatabaseStats{}, false, nil
	}

	records := make([]byte, h.headerAndStatsSize-flatHeaderSize)
	if len(records) > 0 {
		if err := b.readAt(b.skv, records, flatHeaderSize); err != nil {
			return DatabaseStats{}, false, fmt.Errorf("read layer records: %w", err)
		}
	}
	layers := make([]LayerStats, h.numLayers)
	for l := range layers {
		s, err := decodeFlatLayer(records[l*flatLayerRecordSize:])
		if err != nil {
			return DatabaseStats{}, false, fmt.Errorf("layer %d: %w", l, err)
		}
		layers[l] = s
	}
	b.records = records
	b.layout(layers)
	return DatabaseStats{Completed: h.completed, NumLayers: int(h.numLayers)}, true, nil
}

// layout computes the array offsets of every layer as prefix sums behind
// the header block.
func (b *flatBackend) layout(layers []LayerStats) {
	start := flatHeaderAndStatsSize(len(layers))
	b.skvOffsets = make([]int64, len(layers)+1)
	b.plyOffsets = make([]int64, len(layers)+1)
	b.skvOffsets[0], b.plyOffsets[0] = start, start
	for l, s := range layers {
		b.skvOffsets[l+1] = b.skvOffsets[l] + KnotValuesSize(s.NumKnots)
		b.plyOffsets[l+1] = b.plyOffsets[l] + PlyInfosSize(s.NumKnots)
	}
}

func (b *flatBackend) loadLayerStats(layer int) (LayerStats, error) {
	return decodeFlatLayer(b.records[layer*flatLayerRecordSize:])
}

func (b *flatBackend) createHeader(stats DatabaseStats, layers []LayerStats) error {
	h := flatHeader{
		completed:          stats.Completed,
		numLayers:          uint32(stats.NumLayers),
		headerAndStatsSize: flatHeaderAndStatsSize(stats.NumLayers),
	}
	buf := encodeFlatHeader(&h)
	for l := range layers {
		rec, err := encodeFlatLayer(&layers[l])
		if err != nil {
			return fmt.Errorf("layer %d: %w", l, err)
		}
		buf = append(buf, rec...)
	}
	b.layout(layers)

	// Sized up front so every array reads back as zeros until written.
	if err := b.skv.Truncate(b.skvOffsets[len(layers)]); err != nil {
		return err
	}
	if err := b.ply.Truncate(b.plyOffsets[len(layers)]); err != nil {
		return err
	}
	if err := b.writeBoth(buf, 0); err != nil {
		return err
	}
	b.records = buf[flatHeaderSize:]
	return nil
}

func (b *flatBackend) saveDatabaseStats(stats DatabaseStats) error {
	h := flatHeader{
		completed:          stats.Completed,
		numLayers:          uint32(stats.NumLayers),
		headerAndStatsSize: flatHeaderAndStatsSize(stats.NumLayers),
	}
	return b.writeBoth(encodeFlatHeader(&h), 0)
}

func (b *flatBackend) saveLayerStats(layer int, stats *LayerStats) error {
	rec, err := encodeFlatLayer(stats)
	if err != nil {
		return err
	}
	off := int64(flatHeaderSize + layer*flatLayerRecordSize)
	if err := b.writeBoth(rec, off); err != nil {
		return err
	}
	copy(b.records[layer*flatLayerRecordSize:], rec)
	return nil
}

func (b *flatBackend) readKnotValues(layer int, stats *LayerStats) ([]byte, error) {
	buf := make([]byte, KnotValuesSize(stats.NumKnots))
	if err := b.readAt(b.skv, buf, b.skvOffsets[layer]); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *flatBackend) readPlyInfos(layer int, stats *LayerStats) ([]PlyInfo, error) {
	buf := make([]byte, PlyInfosSize(stats.NumKnots))
	if err := b.readAt(b.ply, buf, b.plyOffsets[layer]); err != nil {
		return nil, err
	}
	return decodePlyInfos(buf), nil
}

func (b *flatBackend) readKnotValue(layer int, stats *LayerStats, knot uint32) (ShortKnotValue, error) {
	var buf [1]byte
	if err := b.readAt(b.skv, buf[:], b.skvOffsets[layer]+int64(knot/4)); err != nil {
		return ShortKnotInvalid, err
	}
	return GetKnotValue(buf[:], knot%4), nil
}

func (b *flatBackend) readPlyInfo(layer int, stats *LayerStats, knot uint32) (PlyInfo, error) {
	var buf [PlyInfoSize]byte
	if err := b.readAt(b.ply, buf[:], b.plyOffsets[layer]+int64(knot)*PlyInfoSize); err != nil {
		return PlyInfoUncalculated, err
	}
	return PlyInfo(binary.LittleEndian.Uint16(buf[:])), nil
}

func (b *flatBackend) writeKnotValues(layer int, stats *LayerStats, packed []byte) error {
	return b.writeAt(b.skv, packed, b.skvOffsets[layer])
}

func (b *flatBackend) writePlyInfos(layer int, stats *LayerStats, plies []PlyInfo) error {
	return b.writeAt(b.ply, encodePlyInfos(plies), b.plyOffsets[layer])
}

// writeKnotValue rewrites the byte holding knot, keeping its three
// neighbours.
func (b *flatBackend) writeKnotValue(layer int, stats *LayerStats, knot uint32, v ShortKnotValue) error {
	off := b.skvOffsets[layer] + int64(knot/4)
	var buf [1]byte
	if err := b.readAt(b.skv, buf[:], off); err != nil {
		return err
	}
	SetKnotValue(buf[:], knot%4, v)
	return b.writeAt(b.skv, buf[:], off)
}

func (b *flatBackend) writePlyInfo(layer int, stats *LayerStats, knot uint32, p PlyInfo) error {
	var buf [PlyInfoSize]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(p))
	return b.writeAt(b.ply, buf[:], b.plyOffsets[layer]+int64(knot)*PlyInfoSize)
}

// compressedSize is the on-disk size, which for flat files is the array size.
func (b *flatBackend) compressedSize(layer int, typ residency.ArrayType) int64 {
	switch typ {
	case residency.KnotValues:
		return b.skvOffsets[layer+1] - b.skvOffsets[layer]
	case residency.PlyInfos:
		return b.plyOffsets[layer+1] - b.plyOffsets[layer]
	}
	return 0
}

func (b *flatBackend) commit() error {
	if err := b.skv.Sync(); err != nil {
		return fmt.Errorf("sync knot values: %w", err)
	}
	if err := b.ply.Sync(); err != nil {
		return fmt.Errorf("sync ply infos: %w", err)
	}
	return nil
}

func (b *flatBackend) close() error {
	return errors.Join(b.skv.Close(), b.ply.Close())
}
