package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"

	"github.com/freeeve/knotstore/internal/sectionfile"
)

const digestChunk = 1 << 20

var digestCmd = &cobra.Command{
	Use:   "digest <file> [key...]",
	Short: "Print the BLAKE3 digest of section contents",
	Long: `digest hashes the uncompressed content of each section, all sections when
no key is given. Equal digests mean equal content regardless of codec or
block size, so two databases can be compared section by section.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, done, err := openContainer(args[0])
		if err != nil {
			return err
		}
		defer done()

		keys := args[1:]
		if len(keys) == 0 {
			keys = s.Keys()
		}
		for _, key := range keys {
			sum, err := sectionDigest(s, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", hex.EncodeToString(sum), key)
		}
		return nil
	},
}

// sectionDigest streams key through a BLAKE3 hasher.
func sectionDigest(s *sectionfile.Store, key string) ([]byte, error) {
	if !s.KeyExists(key) {
		return nil, fmt.Errorf("%w: %q", sectionfile.ErrKeyNotFound, key)
	}
	h := blake3.New()
	size := s.UncompressedSize(key)
	buf := make([]byte, min(size, digestChunk))
	for off := int64(0); off < size; off += int64(len(buf)) {
		chunk := buf[:min(int64(len(buf)), size-off)]
		if err := s.Read(key, off, chunk); err != nil {
			return nil, fmt.Errorf("read %q: %w", key, err)
		}
		h.Write(chunk)
	}
	return h.Sum(nil), nil
}
