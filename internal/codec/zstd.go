package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdConfig configures the zstd codec.
type ZstdConfig struct {
	Level zstd.EncoderLevel // default SpeedBestCompression (blocks are written once)
}

// Zstd compresses blocks with klauspost zstd. EncodeAll and DecodeAll are
// safe for concurrent use, so one instance serves all flush workers.
type Zstd struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd creates a zstd codec.
func NewZstd(cfg ZstdConfig) (*Zstd, error) {
	if cfg.Level == 0 {
		cfg.Level = zstd.SpeedBestCompression
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(cfg.Level), zstd.WithEncoderCRC(false), zstd.WithZeroFrames(true))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	return &Zstd{encoder: encoder, decoder: decoder}, nil
}

func (z *Zstd) ID() uint32   { return ZstdID }
func (z *Zstd) Name() string { return "zstd" }

func (z *Zstd) Compress(src []byte) ([]byte, error) {
	return z.encoder.EncodeAll(src, make([]byte, 0, z.MaxCompressedSize(len(src)))), nil
}

func (z *Zstd) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	out, err := z.decoder.DecodeAll(src, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return checkSize(out, uncompressedSize)
}

// MaxCompressedSize mirrors ZSTD_COMPRESSBOUND.
func (z *Zstd) MaxCompressedSize(n int) int {
	bound := n + n>>8
	if n < 128<<10 {
		bound += (128<<10 - n) >> 11
	}
	return bound
}

// Close releases the encoder and decoder.
func (z *Zstd) Close() {
	z.encoder.Close()
	z.decoder.Close()
}
