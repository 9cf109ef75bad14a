package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// XZ gives the best ratio of the built-in codecs at a large CPU cost.
// Intended for archives that are written once and rarely read.
type XZ struct{}

func (XZ) ID() uint32   { return XZID }
func (XZ) Name() string { return "xz" }

func (XZ) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("xz writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("xz compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("xz close: %w", err)
	}
	return buf.Bytes(), nil
}

func (XZ) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("xz reader: %w", err)
	}
	out := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("xz decompress: %w", err)
	}
	// Trailing data means the block was larger than recorded.
	if n, _ := r.Read(make([]byte, 1)); n != 0 {
		return nil, fmt.Errorf("%w: block longer than %d", ErrSizeMismatch, uncompressedSize)
	}
	return out, nil
}

// MaxCompressedSize is a loose bound; xz adds stream and block headers of
// roughly 60 bytes and LZMA2 stores incompressible chunks with 3 bytes of
// overhead per 64KiB.
func (XZ) MaxCompressedSize(n int) int { return n + n/(64<<10)*3 + 128 }
