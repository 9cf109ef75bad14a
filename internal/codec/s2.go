package codec

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// S2 trades ratio for speed. Useful while a database is still being filled.
type S2 struct{}

func (S2) ID() uint32   { return S2ID }
func (S2) Name() string { return "s2" }

func (S2) Compress(src []byte) ([]byte, error) {
	return s2.EncodeBetter(nil, src), nil
}

func (S2) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("s2 decoded length: %w", err)
	}
	if n != uncompressedSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, n, uncompressedSize)
	}
	out, err := s2.Decode(make([]byte, n), src)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress: %w", err)
	}
	return out, nil
}

func (S2) MaxCompressedSize(n int) int { return s2.MaxEncodedLen(n) }
