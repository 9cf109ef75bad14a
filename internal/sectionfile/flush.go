package sectionfile

import (
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// blocksPerWorkerBatch bounds the uncompressed bytes held in memory while a
// section is compressed: workers * blocksPerWorkerBatch * blockSize.
const blocksPerWorkerBatch = 16

// Flush commits every staged key. Each section is compressed block by block
// and appended behind the current footer, followed by its block index; then
// the whole descriptor table and a new footer are written at the new end.
// The committed container is never overwritten, so until the new footer is
// synced the file still opens as before. On error the file is cut back to
// its committed length and staging is kept.
func (s *Store) Flush() (err error) {
	if s.file == nil {
		return ErrNotOpen
	}
	if s.readOnly {
		return ErrReadOnly
	}
	if len(s.staging) == 0 {
		return ErrNothingStaged
	}

	start := time.Now()
	var committed int64
	if len(s.order) > 0 {
		committed = s.footer.footerOffset + FooterSize
	}
	pos := committed
	defer func() {
		if err == nil {
			return
		}
		if terr := s.file.Truncate(committed); terr != nil {
			s.log.Error().Err(terr).Str("path", s.path).Msg("cut back failed flush")
		}
	}()

	// Existing keys keep their id; new keys are numbered in key order so the
	// output does not depend on map iteration.
	keys := make([]string, 0, len(s.staging))
	for k := range s.staging {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aok := s.sections[keys[i]]
		b, bok := s.sections[keys[j]]
		switch {
		case aok && bok:
			return a.id < b.id
		case aok != bok:
			return aok
		}
		return keys[i] < keys[j]
	})

	order := make([]*section, len(s.order))
	copy(order, s.order)

	var uncompressed, compressed int64
	for _, key := range keys {
		st := s.staging[key]
		sec, err := s.writeSection(st, pos)
		if err != nil {
			return fmt.Errorf("flush %q: %w", key, err)
		}
		if old, ok := s.sections[key]; ok {
			sec.id = old.id
			order[old.id] = sec
		} else {
			sec.id = uint32(len(order))
			order = append(order, sec)
		}
		pos = sec.indexOffset() + int64(sec.numBlocks)*BlockEntrySize
		uncompressed += sec.size
		compressed += sec.compressedSize
	}

	table := make([]byte, 0, len(order)*(DescriptorBaseSize+16))
	for _, sec := range order {
		table = appendDescriptor(table, sec)
	}
	if _, err := s.file.WriteAt(table, pos); err != nil {
		return fmt.Errorf("write descriptors: %w", err)
	}

	ft := footer{
		typeTag:        TypeTag,
		versionID:      VersionID,
		numSections:    uint32(len(order)),
		blockSize:      uint32(s.blockSize),
		sectionsOffset: 0,
		fileInfoOffset: pos,
		footerOffset:   pos + int64(len(table)),
		codecID:        s.codec.ID(),
	}
	if _, err := s.file.WriteAt(encodeFooter(&ft), ft.footerOffset); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	s.footer = ft
	s.order = order
	for _, sec := range order {
		s.sections[sec.key] = sec
	}
	for _, st := range s.staging {
		st.discard()
	}
	s.staging = make(map[string]*stagingEntry)

	ratio := 0.0
	if compressed > 0 {
		ratio = float64(uncompressed) / float64(compressed)
	}
	s.log.Info().
		Str("path", s.path).
		Int("sections", len(keys)).
		Int64("uncompressed", uncompressed).
		Int64("compressed", compressed).
		Str("ratio", fmt.Sprintf("%.1fx", ratio)).
		Dur("elapsed", time.Since(start)).
		Msg("flushed container")
	return nil
}

// writeSection compresses st into blocks written at pos and returns the new
// descriptor with its block index loaded. Blocks are compressed in parallel
// batches but always written in block order; each block's offset is the sum
// of the compressed sizes before it, so the output is identical for any
// worker count.
func (s *Store) writeSection(st *stagingEntry, pos int64) (*section, error) {
	n := numBlocks(st.size, s.blockSize)
	blocks := make([]blockEntry, n)
	batch := s.workers * blocksPerWorkerBatch

	var written int64
	raw := make([]byte, batch*s.blockSize)
	results := make([][]byte, batch)

	for first := 0; first < int(n); first += batch {
		count := min(batch, int(n)-first)

		// Read the batch's uncompressed bytes in one call.
		from := int64(first) * int64(s.blockSize)
		to := min(st.size, int64(first+count)*int64(s.blockSize))
		chunk := raw[:to-from]
		if len(chunk) > 0 {
			if err := st.readAt(chunk, from); err != nil {
				return nil, err
			}
		}

		var g errgroup.Group
		g.SetLimit(s.workers)
		for j := 0; j < count; j++ {
			lo := j * s.blockSize
			hi := min(lo+s.blockSize, len(chunk))
			lo = min(lo, hi)
			g.Go(func() error {
				out, err := s.codec.Compress(chunk[lo:hi])
				if err != nil {
					return err
				}
				results[j] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}

		for j := 0; j < count; j++ {
			out := results[j]
			if written+int64(len(out)) > math.MaxUint32 {
				return nil, fmt.Errorf("section %q exceeds 4GiB compressed", st.key)
			}
			if _, err := s.file.WriteAt(out, pos+written); err != nil {
				return nil, fmt.Errorf("write block %d: %w", first+j, err)
			}
			blocks[first+j] = blockEntry{offset: uint32(written), size: uint32(len(out))}
			written += int64(len(out))
			results[j] = nil
		}
	}

	if _, err := s.file.WriteAt(encodeBlockIndex(blocks), pos+written); err != nil {
		return nil, fmt.Errorf("write block index: %w", err)
	}

	return &section{
		key:            st.key,
		offset:         pos,
		size:           st.size,
		compressedSize: written,
		numBlocks:      n,
		blocks:         blocks,
	}, nil
}
