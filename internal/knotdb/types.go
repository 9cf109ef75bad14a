package knotdb

import (
	"errors"
	"fmt"
)

// ShortKnotValue is the 2-bit outcome of a knot. Four values are packed per
// byte, knot k occupying bits 2*(k%4) of byte k/4.
type ShortKnotValue uint8

const (
	ShortKnotInvalid ShortKnotValue = 0
	ShortKnotLost    ShortKnotValue = 1
	ShortKnotDrawn   ShortKnotValue = 2
	ShortKnotWon     ShortKnotValue = 3
)

func (v ShortKnotValue) String() string {
	switch v {
	case ShortKnotInvalid:
		return "invalid"
	case ShortKnotLost:
		return "lost"
	case ShortKnotDrawn:
		return "drawn"
	case ShortKnotWon:
		return "won"
	}
	return fmt.Sprintf("ShortKnotValue(%d)", uint8(v))
}

// KnotValuesSize returns the packed byte length for numKnots knots.
func KnotValuesSize(numKnots uint32) int64 {
	return (int64(numKnots) + 3) / 4
}

// GetKnotValue extracts knot from a packed array.
func GetKnotValue(packed []byte, knot uint32) ShortKnotValue {
	return ShortKnotValue(packed[knot/4]>>(2*(knot%4))) & 3
}

// SetKnotValue stores v for knot in a packed array.
func SetKnotValue(packed []byte, knot uint32, v ShortKnotValue) {
	shift := 2 * (knot % 4)
	packed[knot/4] = packed[knot/4]&^(3<<shift) | byte(v&3)<<shift
}

// PlyInfo is the distance to the end of the game in plies, or one of the
// sentinel values.
type PlyInfo uint16

// PlyInfoSize is the on-disk width of a PlyInfo.
const PlyInfoSize = 2

const (
	PlyInfoDrawn        PlyInfo = 65001
	PlyInfoUncalculated PlyInfo = 65002
	PlyInfoInvalid      PlyInfo = 65003
)

// PlyInfosSize returns the byte length of numKnots ply infos.
func PlyInfosSize(numKnots uint32) int64 {
	return int64(numKnots) * PlyInfoSize
}

// LayerState tracks how far a layer's arrays have been written.
type LayerState uint8

const (
	// LayerEmpty has no array data.
	LayerEmpty LayerState = iota
	// LayerPartial has single-knot writes but is not complete.
	LayerPartial
	// LayerStored is complete and immutable.
	LayerStored
)

func (s LayerState) String() string {
	switch s {
	case LayerEmpty:
		return "empty"
	case LayerPartial:
		return "partial"
	case LayerStored:
		return "stored"
	}
	return fmt.Sprintf("LayerState(%d)", uint8(s))
}

// DatabaseStats is the global database header.
type DatabaseStats struct {
	Completed bool
	NumLayers int
}

// LayerStats describes one layer.
type LayerStats struct {
	State           LayerState
	NumKnots        uint32
	NumWon          uint32
	NumLost         uint32
	NumDrawn        uint32
	NumInvalid      uint32
	SuccessorLayers []int
	PartnerLayers   []int
}

// CompletedAndStored reports whether the layer is immutable.
func (s LayerStats) CompletedAndStored() bool {
	return s.State == LayerStored
}

// countValues tallies the outcomes of the first numKnots knots of packed.
func countValues(packed []byte, numKnots uint32, stats *LayerStats) {
	var counts [4]uint32
	for k := uint32(0); k < numKnots; k++ {
		counts[GetKnotValue(packed, k)]++
	}
	stats.NumInvalid = counts[ShortKnotInvalid]
	stats.NumLost = counts[ShortKnotLost]
	stats.NumDrawn = counts[ShortKnotDrawn]
	stats.NumWon = counts[ShortKnotWon]
}

// Rules supplies the layer geometry of the game.
type Rules interface {
	NumLayers() int
	NumKnotsInLayer(layer int) uint32
	SuccessorLayers(layer int) []int
	PartnerLayers(layer int) []int
}

var (
	ErrNotOpen         = errors.New("database not open")
	ErrReadOnly        = errors.New("database is read-only")
	ErrNoRules         = errors.New("no rules to create database")
	ErrLayerRange      = errors.New("layer out of range")
	ErrKnotRange       = errors.New("knot out of range")
	ErrEmptyLayer      = errors.New("layer has no knots")
	ErrLayerNotStored  = errors.New("layer not stored")
	ErrLayerStored     = errors.New("layer already stored")
	ErrArrayLength     = errors.New("array length does not match layer")
	ErrCorrupt         = errors.New("corrupt database")
	ErrTooManyLayerIDs = errors.New("too many layer ids")
)
