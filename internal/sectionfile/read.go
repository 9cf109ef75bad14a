package sectionfile

import (
	"fmt"
)

// Read fills buf with the bytes of key starting at offset. Staged content is
// served verbatim; committed content is served by decompressing only the
// blocks that overlap the range.
func (s *Store) Read(key string, offset int64, buf []byte) error {
	if len(buf) == 0 {
		return ErrInvalidLength
	}
	if s.file == nil {
		return ErrNotOpen
	}

	if st, ok := s.staging[key]; ok {
		if err := checkRange(key, offset, len(buf), st.size); err != nil {
			return err
		}
		return st.readAt(buf, offset)
	}

	sec, ok := s.sections[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	if err := checkRange(key, offset, len(buf), sec.size); err != nil {
		return err
	}
	if err := s.loadBlockIndex(sec); err != nil {
		return err
	}

	bs := int64(s.blockSize)
	end := offset + int64(len(buf))
	first := int(offset / bs)
	last := int((end - 1) / bs)

	for i := first; i <= last; i++ {
		data, err := s.readBlock(sec, i)
		if err != nil {
			return err
		}
		blockStart := int64(i) * bs
		from := max(offset, blockStart)
		to := min(end, blockStart+int64(len(data)))
		copy(buf[from-offset:to-offset], data[from-blockStart:to-blockStart])
	}
	return nil
}

func checkRange(key string, offset int64, n int, size int64) error {
	if offset < 0 || offset >= size || offset+int64(n) > size {
		return fmt.Errorf("%w: %q [%d,%d) of %d bytes", ErrOutOfRange, key, offset, offset+int64(n), size)
	}
	return nil
}

// loadBlockIndex reads the block index of sec on first use.
func (s *Store) loadBlockIndex(sec *section) error {
	if sec.blocks != nil {
		return nil
	}
	want := numBlocks(sec.size, s.blockSize)
	if sec.numBlocks != want {
		return fmt.Errorf("%w: section %q has %d blocks, size implies %d", ErrCorrupt, sec.key, sec.numBlocks, want)
	}

	buf := make([]byte, int(sec.numBlocks)*BlockEntrySize)
	if err := s.readFull(buf, sec.indexOffset()); err != nil {
		return fmt.Errorf("read block index of %q: %w", sec.key, err)
	}
	blocks, err := decodeBlockIndex(buf, int(sec.numBlocks))
	if err != nil {
		return err
	}
	for i, b := range blocks {
		if int64(b.offset)+int64(b.size) > sec.compressedSize {
			return fmt.Errorf("%w: block %d of %q exceeds section", ErrCorrupt, i, sec.key)
		}
	}
	sec.blocks = blocks
	return nil
}

// readBlock returns the decompressed content of block i.
func (s *Store) readBlock(sec *section, i int) ([]byte, error) {
	b := sec.blocks[i]
	compressed := make([]byte, b.size)
	if err := s.readFull(compressed, sec.offset+int64(b.offset)); err != nil {
		return nil, fmt.Errorf("read block %d of %q: %w", i, sec.key, err)
	}
	data, err := s.codec.Decompress(compressed, blockLen(sec.size, s.blockSize, i))
	if err != nil {
		return nil, fmt.Errorf("block %d of %q: %w", i, sec.key, err)
	}
	s.blocksDecompressed++
	return data, nil
}
