// Package codec provides the block compression capability used by the
// section container and the compressed knot database.
//
// Every codec has a stable numeric id that is written into container
// footers, so a file can only be reopened with the codec it was written with.
package codec

import (
	"errors"
	"fmt"
)

// Codec ids stored on disk. Never renumber.
const (
	PassthroughID uint32 = 0
	ZstdID        uint32 = 1
	S2ID          uint32 = 2
	XZID          uint32 = 3
)

// ErrUnknownCodec is returned when a codec id or name has no implementation.
var ErrUnknownCodec = errors.New("unknown codec")

// ErrSizeMismatch is returned when a block decompresses to an unexpected length.
var ErrSizeMismatch = errors.New("decompressed size mismatch")

// Codec compresses independent blocks. Implementations must be safe for
// concurrent use, blocks are compressed in parallel during a flush.
type Codec interface {
	ID() uint32
	Name() string
	Compress(src []byte) ([]byte, error)
	// Decompress expands src, which must decode to exactly uncompressedSize bytes.
	Decompress(src []byte, uncompressedSize int) ([]byte, error)
	MaxCompressedSize(n int) int
}

// ByID returns a new instance of the built-in codec with the given id.
func ByID(id uint32) (Codec, error) {
	switch id {
	case PassthroughID:
		return Passthrough{}, nil
	case ZstdID:
		return NewZstd(ZstdConfig{})
	case S2ID:
		return S2{}, nil
	case XZID:
		return XZ{}, nil
	}
	return nil, fmt.Errorf("%w: id %d", ErrUnknownCodec, id)
}

// ByName resolves the codec names accepted on the command line.
func ByName(name string) (Codec, error) {
	switch name {
	case "none", "passthrough":
		return Passthrough{}, nil
	case "zstd", "":
		return NewZstd(ZstdConfig{})
	case "s2":
		return S2{}, nil
	case "xz":
		return XZ{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// Close releases codec resources if the codec holds any.
func Close(c Codec) {
	if cl, ok := c.(interface{ Close() }); ok {
		cl.Close()
	}
}

func checkSize(out []byte, want int) ([]byte, error) {
	if len(out) != want {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(out), want)
	}
	return out, nil
}

// Passthrough stores blocks verbatim. Used by tests and for data that does
// not compress.
type Passthrough struct{}

func (Passthrough) ID() uint32   { return PassthroughID }
func (Passthrough) Name() string { return "none" }

func (Passthrough) Compress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (Passthrough) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return checkSize(out, uncompressedSize)
}

func (Passthrough) MaxCompressedSize(n int) int { return n }
