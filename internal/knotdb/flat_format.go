package knotdb

import (
	"encoding/binary"
	"fmt"
)

// Flat file layout, little-endian. Both files carry the same header block:
//
//	header (24 bytes)
//	  magic [4]byte "KNDB"
//	  version u16
//	  flags u16            bit 0: completed
//	  numLayers u32
//	  reserved u32
//	  headerAndStatsSize i64
//	layer records, numLayers x 56 bytes
//	  state u8, numSucc u8, numPartners u8, reserved u8
//	  numKnots, won, lost, drawn, invalid u32
//	  succ [4]i32, partners [4]i32
//	layer arrays at prefix-sum offsets
const (
	flatHeaderSize      = 24
	flatLayerRecordSize = 56
	flatVersion         = 1
	flatFlagCompleted   = 1

	// MaxLayerIDs bounds the successor and partner lists of the flat format.
	MaxLayerIDs = 4

	knotValuesFile = "shortKnotValue.dat"
	plyInfosFile   = "plyInfo.dat"
)

var flatMagic = [4]byte{'K', 'N', 'D', 'B'}

type flatHeader struct {
	completed          bool
	numLayers          uint32
	headerAndStatsSize int64
}

func flatHeaderAndStatsSize(numLayers int) int64 {
	return flatHeaderSize + int64(numLayers)*flatLayerRecordSize
}

func encodeFlatHeader(h *flatHeader) []byte {
	buf := make([]byte, flatHeaderSize)
	copy(buf[0:4], flatMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], flatVersion)
	var flags uint16
	if h.completed {
		flags |= flatFlagCompleted
	}
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.numLayers)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.headerAndStatsSize))
	return buf
}

// decodeFlatHeader returns false for a buffer that does not hold a header
// of this format.
func decodeFlatHeader(buf []byte) (flatHeader, bool) {
	if len(buf) < flatHeaderSize || [4]byte(buf[0:4]) != flatMagic {
		return flatHeader{}, false
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != flatVersion {
		return flatHeader{}, false
	}
	h := flatHeader{
		completed:          binary.LittleEndian.Uint16(buf[6:8])&flatFlagCompleted != 0,
		numLayers:          binary.LittleEndian.Uint32(buf[8:12]),
		headerAndStatsSize: int64(binary.LittleEndian.Uint64(buf[16:24])),
	}
	if h.headerAndStatsSize != flatHeaderAndStatsSize(int(h.numLayers)) {
		return flatHeader{}, false
	}
	return h, true
}

func encodeFlatLayer(s *LayerStats) ([]byte, error) {
	if len(s.SuccessorLayers) > MaxLayerIDs || len(s.PartnerLayers) > MaxLayerIDs {
		return nil, fmt.Errorf("%w: %d successors, %d partners, max %d",
			ErrTooManyLayerIDs, len(s.SuccessorLayers), len(s.PartnerLayers), MaxLayerIDs)
	}
	buf := make([]byte, flatLayerRecordSize)
	buf[0] = byte(s.State)
	buf[1] = byte(len(s.SuccessorLayers))
	buf[2] = byte(len(s.PartnerLayers))
	binary.LittleEndian.PutUint32(buf[4:8], s.NumKnots)
	binary.LittleEndian.PutUint32(buf[8:12], s.NumWon)
	binary.LittleEndian.PutUint32(buf[12:16], s.NumLost)
	binary.LittleEndian.PutUint32(buf[16:20], s.NumDrawn)
	binary.LittleEndian.PutUint32(buf[20:24], s.NumInvalid)
	for i, id := range s.SuccessorLayers {
		binary.LittleEndian.PutUint32(buf[24+4*i:], uint32(int32(id)))
	}
	for i, id := range s.PartnerLayers {
		binary.LittleEndian.PutUint32(buf[40+4*i:], uint32(int32(id)))
	}
	return buf, nil
}

func decodeFlatLayer(buf []byte) (LayerStats, error) {
	if len(buf) < flatLayerRecordSize {
		return LayerStats{}, fmt.Errorf("%w: layer record is %d bytes", ErrCorrupt, len(buf))
	}
	state := LayerState(buf[0])
	nSucc, nPartners := int(buf[1]), int(buf[2])
	if state > LayerStored || nSucc > MaxLayerIDs || nPartners > MaxLayerIDs {
		return LayerStats{}, fmt.Errorf("%w: bad layer record", ErrCorrupt)
	}
	s := LayerStats{
		State:           state,
		NumKnots:        binary.LittleEndian.Uint32(buf[4:8]),
		NumWon:          binary.LittleEndian.Uint32(buf[8:12]),
		NumLost:         binary.LittleEndian.Uint32(buf[12:16]),
		NumDrawn:        binary.LittleEndian.Uint32(buf[16:20]),
		NumInvalid:      binary.LittleEndian.Uint32(buf[20:24]),
		SuccessorLayers: make([]int, nSucc),
		PartnerLayers:   make([]int, nPartners),
	}
	for i := range s.SuccessorLayers {
		s.SuccessorLayers[i] = int(int32(binary.LittleEndian.Uint32(buf[24+4*i:])))
	}
	for i := range s.PartnerLayers {
		s.PartnerLayers[i] = int(int32(binary.LittleEndian.Uint32(buf[40+4*i:])))
	}
	return s, nil
}
