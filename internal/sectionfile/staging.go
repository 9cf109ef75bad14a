package sectionfile

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// stagingEntry holds the uncompressed content of one key between its first
// write and the next Flush. The scratch file is owned by the entry and
// removed by discard.
type stagingEntry struct {
	key  string
	path string
	file *os.File
	size int64
}

func newStagingEntry(containerPath, key string) (*stagingEntry, error) {
	path := fmt.Sprintf("%s.%s.stage", containerPath, uuid.NewString())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &stagingEntry{key: key, path: path, file: f}, nil
}

// writeAt grows the entry as needed. Gaps read back as zeros.
func (e *stagingEntry) writeAt(data []byte, off int64) error {
	if _, err := e.file.WriteAt(data, off); err != nil {
		return fmt.Errorf("write staging %q: %w", e.key, err)
	}
	if end := off + int64(len(data)); end > e.size {
		e.size = end
	}
	return nil
}

func (e *stagingEntry) readAt(buf []byte, off int64) error {
	n, err := e.file.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	// Sparse tail past the last physical write.
	if off+int64(len(buf)) <= e.size {
		clear(buf[n:])
		return nil
	}
	return fmt.Errorf("read staging %q: %w", e.key, err)
}

func (e *stagingEntry) discard() {
	e.file.Close()
	os.Remove(e.path)
}

// Write stores data at offset within key. The first write to a committed key
// copies its full content into staging so later Flushes never lose the
// bytes around the write.
func (s *Store) Write(key string, offset int64, data []byte) error {
	if s.file == nil {
		return ErrNotOpen
	}
	if s.readOnly {
		return ErrReadOnly
	}
	if len(data) == 0 {
		return ErrInvalidLength
	}
	if err := validKey(key); err != nil {
		return err
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrOutOfRange, offset)
	}

	st, err := s.stagingFor(key)
	if err != nil {
		return err
	}
	return st.writeAt(data, offset)
}

func (s *Store) stagingFor(key string) (*stagingEntry, error) {
	if st, ok := s.staging[key]; ok {
		return st, nil
	}

	st, err := newStagingEntry(s.path, key)
	if err != nil {
		return nil, err
	}
	if sec, ok := s.sections[key]; ok {
		if err := s.copyToStaging(sec, st); err != nil {
			st.discard()
			return nil, fmt.Errorf("stage committed %q: %w", key, err)
		}
	}
	s.staging[key] = st
	return st, nil
}

// copyToStaging decompresses a committed section block by block into st.
func (s *Store) copyToStaging(sec *section, st *stagingEntry) error {
	if err := s.loadBlockIndex(sec); err != nil {
		return err
	}
	for i := range sec.blocks {
		n := blockLen(sec.size, s.blockSize, i)
		if n == 0 {
			continue
		}
		data, err := s.readBlock(sec, i)
		if err != nil {
			return err
		}
		if err := st.writeAt(data, int64(i)*int64(s.blockSize)); err != nil {
			return err
		}
	}
	st.size = sec.size
	return nil
}
