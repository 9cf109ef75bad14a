package knotdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/freeeve/knotstore/internal/residency"
	"github.com/freeeve/knotstore/internal/sectionfile"
)

// CompressedBlockSize is the section block size of compressed databases.
const CompressedBlockSize = 10000

// Section names of the compressed format.
const (
	dbStatsKey         = "dbStats"
	layerStatsPrefix   = "layerStats"
	succLayersSuffix   = ".succLayers"
	partnerLayerSuffix = ".partnerLayers"
	knotValuesPrefix   = "skv"
	plyInfosPrefix     = "plyInfo"

	dbStatsSize    = 8
	layerStatsSize = 32
)

func layerStatsKey(layer int) string { return layerStatsPrefix + strconv.Itoa(layer) }
func succLayersKey(layer int) string { return layerStatsKey(layer) + succLayersSuffix }
func partnerLayersKey(layer int) string { return layerStatsKey(layer) + partnerLayerSuffix }
func knotValuesKey(layer int) string { return knotValuesPrefix + strconv.Itoa(layer) }
func plyInfosKey(layer int) string { return plyInfosPrefix + strconv.Itoa(layer) }

// compressedBackend keeps every record and array as a section of one
// container. Writes are staged until commit.
type compressedBackend struct {
	store *sectionfile.Store
	log   zerolog.Logger
}

func openCompressed(path string, cfg Config, log zerolog.Logger) (*compressedBackend, error) {
	store, err := sectionfile.New(sectionfile.Config{
		Codec:     cfg.Codec,
		BlockSize: cfg.BlockSize,
		Workers:   cfg.Workers,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Open(path, cfg.ReadOnly); err != nil {
		store.Release()
		return nil, err
	}
	return &compressedBackend{store: store, log: log}, nil
}

func (b *compressedBackend) read(key string, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if err := b.store.Read(key, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *compressedBackend) loadHeader() (DatabaseStats, bool, error) {
	if !b.store.KeyExists(dbStatsKey) {
		return DatabaseStats{}, false, nil
	}
	buf, err := b.read(dbStatsKey, dbStatsSize)
	if err != nil {
		return DatabaseStats{}, false, fmt.Errorf("read %s: %w", dbStatsKey, err)
	}
	return DatabaseStats{
		Completed: binary.LittleEndian.Uint32(buf[0:4]) != 0,
		NumLayers: int(binary.LittleEndian.Uint32(buf[4:8])),
	}, true, nil
}

func (b *compressedBackend) saveDatabaseStats(stats DatabaseStats) error {
	buf := make([]byte, dbStatsSize)
	if stats.Completed {
		binary.LittleEndian.PutUint32(buf[0:4], 1)
	}
	binary.LittleEndian.PutUint32(buf[4:8], uint32(stats.NumLayers))
	return b.store.Write(dbStatsKey, 0, buf)
}

// Layer stats record, 32 bytes:
//
//	completed u32, partnerLayer i32, numKnots u32, won u32, lost u32,
//	drawn u32, invalid u32, numSucc u32
//
// partnerLayer is the first partner or -1. Readers written before the
// partner list existed only know the scalar, so it is still filled in.
func encodeLayerStats(s *LayerStats) []byte {
	buf := make([]byte, layerStatsSize)
	if s.State == LayerStored {
		binary.LittleEndian.PutUint32(buf[0:4], 1)
	}
	partner := int32(-1)
	if len(s.PartnerLayers) > 0 {
		partner = int32(s.PartnerLayers[0])
	}
	binary.LittleEndian.PutUint32(buf[4:8], uint32(partner))
	binary.LittleEndian.PutUint32(buf[8:12], s.NumKnots)
	binary.LittleEndian.PutUint32(buf[12:16], s.NumWon)
	binary.LittleEndian.PutUint32(buf[16:20], s.NumLost)
	binary.LittleEndian.PutUint32(buf[20:24], s.NumDrawn)
	binary.LittleEndian.PutUint32(buf[24:28], s.NumInvalid)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(s.SuccessorLayers)))
	return buf
}

// encodeLayerIDs writes a count-prefixed i32 list, so even an empty list
// has a non-empty section.
func encodeLayerIDs(ids []int) []byte {
	buf := make([]byte, 4+4*len(ids))
	binary.LittleEndian.PutUint32(buf, uint32(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(buf[4+4*i:], uint32(int32(id)))
	}
	return buf
}

func decodeLayerIDs(buf []byte) ([]int, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: layer id list of %d bytes", ErrCorrupt, len(buf))
	}
	n := int(binary.LittleEndian.Uint32(buf))
	if len(buf) != 4+4*n {
		return nil, fmt.Errorf("%w: layer id list of %d bytes holds %d ids", ErrCorrupt, len(buf), n)
	}
	ids := make([]int, n)
	for i := range ids {
		ids[i] = int(int32(binary.LittleEndian.Uint32(buf[4+4*i:])))
	}
	return ids, nil
}

func (b *compressedBackend) readLayerIDs(key string) ([]int, error) {
	buf, err := b.read(key, b.store.UncompressedSize(key))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return decodeLayerIDs(buf)
}

func (b *compressedBackend) loadLayerStats(layer int) (LayerStats, error) {
	key := layerStatsKey(layer)
	buf, err := b.read(key, layerStatsSize)
	if err != nil {
		return LayerStats{}, fmt.Errorf("read %s: %w", key, err)
	}
	s := LayerStats{
		NumKnots:   binary.LittleEndian.Uint32(buf[8:12]),
		NumWon:     binary.LittleEndian.Uint32(buf[12:16]),
		NumLost:    binary.LittleEndian.Uint32(buf[16:20]),
		NumDrawn:   binary.LittleEndian.Uint32(buf[20:24]),
		NumInvalid: binary.LittleEndian.Uint32(buf[24:28]),
	}
	switch {
	case binary.LittleEndian.Uint32(buf[0:4]) != 0:
		s.State = LayerStored
	case b.store.KeyExists(knotValuesKey(layer)):
		s.State = LayerPartial
	}

	numSucc := int(binary.LittleEndian.Uint32(buf[28:32]))
	s.SuccessorLayers = []int{}
	if numSucc > 0 || b.store.KeyExists(succLayersKey(layer)) {
		if s.SuccessorLayers, err = b.readLayerIDs(succLayersKey(layer)); err != nil {
			return LayerStats{}, err
		}
		if len(s.SuccessorLayers) != numSucc {
			return LayerStats{}, fmt.Errorf("%w: layer %d lists %d successors, record says %d",
				ErrCorrupt, layer, len(s.SuccessorLayers), numSucc)
		}
	}

	if b.store.KeyExists(partnerLayersKey(layer)) {
		if s.PartnerLayers, err = b.readLayerIDs(partnerLayersKey(layer)); err != nil {
			return LayerStats{}, err
		}
	} else {
		partner := int(int32(binary.LittleEndian.Uint32(buf[4:8])))
		s.PartnerLayers = []int{partner}
		b.log.Debug().Int("layer", layer).Int("partner", partner).Msg("legacy layer stats, single partner")
	}
	return s, nil
}

func (b *compressedBackend) saveLayerStats(layer int, stats *LayerStats) error {
	if err := b.store.Write(layerStatsKey(layer), 0, encodeLayerStats(stats)); err != nil {
		return err
	}
	if err := b.store.Write(succLayersKey(layer), 0, encodeLayerIDs(stats.SuccessorLayers)); err != nil {
		return err
	}
	return b.store.Write(partnerLayersKey(layer), 0, encodeLayerIDs(stats.PartnerLayers))
}

func (b *compressedBackend) createHeader(stats DatabaseStats, layers []LayerStats) error {
	if err := b.saveDatabaseStats(stats); err != nil {
		return err
	}
	for l := range layers {
		if err := b.saveLayerStats(l, &layers[l]); err != nil {
			return fmt.Errorf("layer %d: %w", l, err)
		}
	}
	return b.store.Flush()
}

func (b *compressedBackend) readKnotValues(layer int, stats *LayerStats) ([]byte, error) {
	return b.read(knotValuesKey(layer), KnotValuesSize(stats.NumKnots))
}

func (b *compressedBackend) readPlyInfos(layer int, stats *LayerStats) ([]PlyInfo, error) {
	buf, err := b.read(plyInfosKey(layer), PlyInfosSize(stats.NumKnots))
	if err != nil {
		return nil, err
	}
	return decodePlyInfos(buf), nil
}

func (b *compressedBackend) readKnotValue(layer int, stats *LayerStats, knot uint32) (ShortKnotValue, error) {
	var buf [1]byte
	if err := b.store.Read(knotValuesKey(layer), int64(knot/4), buf[:]); err != nil {
		return ShortKnotInvalid, err
	}
	return GetKnotValue(buf[:], knot%4), nil
}

func (b *compressedBackend) readPlyInfo(layer int, stats *LayerStats, knot uint32) (PlyInfo, error) {
	var buf [PlyInfoSize]byte
	if err := b.store.Read(plyInfosKey(layer), int64(knot)*PlyInfoSize, buf[:]); err != nil {
		return PlyInfoUncalculated, err
	}
	return PlyInfo(binary.LittleEndian.Uint16(buf[:])), nil
}

func (b *compressedBackend) writeKnotValues(layer int, stats *LayerStats, packed []byte) error {
	return b.store.Write(knotValuesKey(layer), 0, packed)
}

func (b *compressedBackend) writePlyInfos(layer int, stats *LayerStats, plies []PlyInfo) error {
	return b.store.Write(plyInfosKey(layer), 0, encodePlyInfos(plies))
}

func (b *compressedBackend) writeKnotValue(layer int, stats *LayerStats, knot uint32, v ShortKnotValue) error {
	key := knotValuesKey(layer)
	var buf [1]byte
	if err := b.store.Read(key, int64(knot/4), buf[:]); err != nil {
		return err
	}
	SetKnotValue(buf[:], knot%4, v)
	return b.store.Write(key, int64(knot/4), buf[:])
}

func (b *compressedBackend) writePlyInfo(layer int, stats *LayerStats, knot uint32, p PlyInfo) error {
	var buf [PlyInfoSize]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(p))
	return b.store.Write(plyInfosKey(layer), int64(knot)*PlyInfoSize, buf[:])
}

func (b *compressedBackend) compressedSize(layer int, typ residency.ArrayType) int64 {
	switch typ {
	case residency.KnotValues:
		return b.store.CompressedSize(knotValuesKey(layer))
	case residency.PlyInfos:
		return b.store.CompressedSize(plyInfosKey(layer))
	}
	return 0
}

func (b *compressedBackend) commit() error {
	err := b.store.Flush()
	if errors.Is(err, sectionfile.ErrNothingStaged) {
		return nil
	}
	return err
}

func (b *compressedBackend) close() error {
	err := b.store.Close()
	b.store.Release()
	return err
}
