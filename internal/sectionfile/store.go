// Package sectionfile implements a keyed container of compressed sections
// with block-level random access and staged writes.
//
// Writes never touch committed data. They accumulate in per-key staging
// files and become visible on disk only when Flush appends the compressed
// sections and writes a new descriptor table and footer. Space used by
// overwritten sections is not reclaimed.
//
// A Store is not safe for concurrent use. Callers serialize all calls on one
// instance, including reads, since the block index cache is unguarded.
package sectionfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"

	"github.com/rs/zerolog"

	"github.com/freeeve/knotstore/internal/codec"
)

var (
	ErrAlreadyOpen      = errors.New("store already open")
	ErrNotOpen          = errors.New("store not open")
	ErrReadOnly         = errors.New("store is read-only")
	ErrKeyNotFound      = errors.New("key not found")
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidLength    = errors.New("invalid length")
	ErrOutOfRange       = errors.New("offset out of range")
	ErrNothingStaged    = errors.New("nothing staged")
	ErrSectionsExist    = errors.New("sections already exist")
	ErrInvalidBlockSize = errors.New("invalid block size")
	ErrCodecMismatch    = errors.New("codec mismatch")
	ErrCorrupt          = errors.New("corrupt container")
)

// Config configures a Store.
type Config struct {
	Codec     codec.Codec    // default zstd
	BlockSize int            // uncompressed block size for new containers, default 1000
	Workers   int            // parallel block compressors during Flush, default GOMAXPROCS
	Logger    zerolog.Logger // default disabled
}

// Store is one open container file.
type Store struct {
	codec     codec.Codec
	ownsCodec bool
	workers   int
	blockSize int
	newSize   int // block size for containers created by this store
	log       zerolog.Logger

	path     string
	file     *os.File
	readOnly bool

	footer   footer
	sections map[string]*section
	order    []*section // by id
	staging  map[string]*stagingEntry

	blocksDecompressed int64
}

// New creates a closed Store.
func New(cfg Config) (*Store, error) {
	if cfg.BlockSize < 0 {
		return nil, ErrInvalidBlockSize
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	s := &Store{
		codec:     cfg.Codec,
		workers:   cfg.Workers,
		blockSize: cfg.BlockSize,
		newSize:   cfg.BlockSize,
		log:       cfg.Logger.With().Str("component", "sectionfile").Logger(),
	}
	if s.codec == nil {
		z, err := codec.NewZstd(codec.ZstdConfig{})
		if err != nil {
			return nil, err
		}
		s.codec = z
		s.ownsCodec = true
	}
	return s, nil
}

// Open binds the store to path. A missing file is created unless readOnly.
// An existing non-empty file must end in a valid footer written with the
// store's codec.
func (s *Store) Open(path string, readOnly bool) error {
	if s.file != nil {
		return ErrAlreadyOpen
	}

	flag := os.O_RDONLY
	if !readOnly {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", path, err)
	}

	s.path = path
	s.file = f
	s.readOnly = readOnly
	s.sections = make(map[string]*section)
	s.order = nil
	s.staging = make(map[string]*stagingEntry)
	s.footer = footer{typeTag: TypeTag, versionID: VersionID, codecID: s.codec.ID()}

	if info.Size() > 0 {
		if err := s.load(info.Size()); err != nil {
			s.reset()
			return fmt.Errorf("load %s: %w", path, err)
		}
	}

	s.log.Debug().
		Str("path", path).
		Bool("read_only", readOnly).
		Int("sections", len(s.order)).
		Int("block_size", s.blockSize).
		Msg("opened container")
	return nil
}

// load reads the footer and descriptor table of an existing file.
func (s *Store) load(fileSize int64) error {
	if fileSize < FooterSize {
		return fmt.Errorf("%w: file too small for footer (%d bytes)", ErrCorrupt, fileSize)
	}

	ft, err := findFooter(s.file, fileSize)
	if err != nil {
		return err
	}
	if ft.codecID != s.codec.ID() {
		return fmt.Errorf("%w: file uses codec %d, store configured with %d (%s)",
			ErrCodecMismatch, ft.codecID, s.codec.ID(), s.codec.Name())
	}
	if ft.numSections == 0 {
		return fmt.Errorf("%w: footer lists no sections", ErrCorrupt)
	}
	if ft.fileInfoOffset > ft.footerOffset || ft.fileInfoOffset < ft.sectionsOffset {
		return fmt.Errorf("%w: inconsistent footer offsets", ErrCorrupt)
	}

	table := make([]byte, ft.footerOffset-ft.fileInfoOffset)
	if err := s.readFull(table, ft.fileInfoOffset); err != nil {
		return fmt.Errorf("read descriptors: %w", err)
	}

	order := make([]*section, 0, ft.numSections)
	pos := 0
	for i := uint32(0); i < ft.numSections; i++ {
		sec, n, err := decodeDescriptor(table[pos:])
		if err != nil {
			return fmt.Errorf("descriptor %d: %w", i, err)
		}
		pos += n
		if sec.id != i {
			return fmt.Errorf("%w: descriptor %d has id %d", ErrCorrupt, i, sec.id)
		}
		if _, dup := s.sections[sec.key]; dup {
			return fmt.Errorf("%w: duplicate key %q", ErrCorrupt, sec.key)
		}
		if sec.indexOffset()+int64(sec.numBlocks)*BlockEntrySize > ft.fileInfoOffset {
			return fmt.Errorf("%w: section %q extends past data region", ErrCorrupt, sec.key)
		}
		s.sections[sec.key] = sec
		order = append(order, sec)
	}

	if end := ft.footerOffset + FooterSize; end != fileSize {
		s.log.Warn().
			Str("path", s.path).
			Int64("footer_end", end).
			Int64("file_size", fileSize).
			Msg("ignoring bytes of an unfinished flush")
		if !s.readOnly {
			if err := s.file.Truncate(end); err != nil {
				return fmt.Errorf("drop unfinished flush: %w", err)
			}
		}
	}

	s.footer = *ft
	s.order = order
	s.blockSize = int(ft.blockSize)
	return nil
}

// findFooter returns the footer of the container in r. A flush that stopped
// before its footer was written leaves bytes behind the previous footer;
// those are skipped by scanning back for the last footer that records its
// own position.
func findFooter(r io.ReaderAt, size int64) (*footer, error) {
	if size < FooterSize {
		return nil, fmt.Errorf("%w: file too small for footer (%d bytes)", ErrCorrupt, size)
	}
	buf := make([]byte, FooterSize)
	if err := readFull(r, buf, size-FooterSize); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	ft, err := decodeFooter(buf)
	if err == nil {
		if ft.footerOffset == size-FooterSize {
			return ft, nil
		}
		err = fmt.Errorf("%w: inconsistent footer offsets", ErrCorrupt)
	}
	if prev, ok := scanFooter(r, size-FooterSize); ok {
		return prev, nil
	}
	return nil, err
}

const footerScanChunk = 1 << 20

// scanFooter looks for a footer starting before limit, nearest first.
func scanFooter(r io.ReaderAt, limit int64) (*footer, bool) {
	buf := make([]byte, footerScanChunk+FooterSize)
	tag := [2]byte{byte(TypeTag & 0xff), byte(TypeTag >> 8)}
	for hi := limit; hi > 0; {
		lo := max(0, hi-footerScanChunk)
		window := buf[:hi-lo+FooterSize-1]
		if err := readFull(r, window, lo); err != nil {
			return nil, false
		}
		for p := hi - 1; p >= lo; p-- {
			i := p - lo
			if window[i] != tag[0] || window[i+1] != tag[1] {
				continue
			}
			ft, err := decodeFooter(window[i : i+FooterSize])
			if err == nil && ft.footerOffset == p && ft.numSections > 0 && ft.fileInfoOffset <= p {
				return ft, true
			}
		}
		hi = lo
	}
	return nil, false
}

// Close discards anything still staged and releases the file. Staged writes
// must be flushed first to survive.
func (s *Store) Close() error {
	if s.file == nil {
		return ErrNotOpen
	}
	if n := len(s.staging); n > 0 {
		s.log.Warn().Str("path", s.path).Int("keys", n).Msg("closing with unflushed writes, discarding")
	}
	f := s.file
	s.file = nil
	s.reset()
	return f.Close()
}

func (s *Store) reset() {
	for _, st := range s.staging {
		st.discard()
	}
	if s.file != nil {
		s.file.Close()
	}
	s.file = nil
	s.staging = nil
	s.sections = nil
	s.order = nil
	s.readOnly = false
	s.blockSize = s.newSize
}

// Release frees a codec created by New. The store must be closed.
func (s *Store) Release() {
	if s.ownsCodec {
		codec.Close(s.codec)
		s.ownsCodec = false
	}
}

// SetBlockSize changes the block size. Only allowed while no section exists.
func (s *Store) SetBlockSize(n int) error {
	if n <= 0 {
		return ErrInvalidBlockSize
	}
	if len(s.sections) > 0 || len(s.staging) > 0 {
		return ErrSectionsExist
	}
	s.blockSize = n
	s.newSize = n
	return nil
}

// BlockSize returns the uncompressed block size.
func (s *Store) BlockSize() int { return s.blockSize }

// Codec returns the codec blocks are compressed with.
func (s *Store) Codec() codec.Codec { return s.codec }

// Path returns the path of the open file.
func (s *Store) Path() string { return s.path }

// IsOpen reports whether a file is bound.
func (s *Store) IsOpen() bool { return s.file != nil }

// ReadOnly reports whether the store was opened read-only.
func (s *Store) ReadOnly() bool { return s.readOnly }

// NumSections returns the number of committed sections.
func (s *Store) NumSections() int { return len(s.order) }

// KeyExists reports whether key is staged or committed.
func (s *Store) KeyExists(key string) bool {
	if _, ok := s.staging[key]; ok {
		return true
	}
	_, ok := s.sections[key]
	return ok
}

// UncompressedSize returns the current size of key, staged content taking
// precedence. Unknown keys report 0.
func (s *Store) UncompressedSize(key string) int64 {
	if st, ok := s.staging[key]; ok {
		return st.size
	}
	if sec, ok := s.sections[key]; ok {
		return sec.size
	}
	return 0
}

// CompressedSize returns the committed compressed block bytes of key, 0 if
// the key has never been flushed.
func (s *Store) CompressedSize(key string) int64 {
	if sec, ok := s.sections[key]; ok {
		return sec.compressedSize
	}
	return 0
}

// Keys returns all staged and committed keys, sorted.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.sections)+len(s.staging))
	for k := range s.sections {
		keys = append(keys, k)
	}
	for k := range s.staging {
		if _, ok := s.sections[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// SectionInfo describes a committed section.
type SectionInfo struct {
	ID               uint32
	Key              string
	Offset           int64
	UncompressedSize int64
	CompressedSize   int64
	NumBlocks        uint32
	Staged           bool
}

// SectionInfo returns the descriptor of a committed key.
func (s *Store) SectionInfo(key string) (SectionInfo, bool) {
	sec, ok := s.sections[key]
	if !ok {
		return SectionInfo{}, false
	}
	_, staged := s.staging[key]
	return SectionInfo{
		ID:               sec.id,
		Key:              sec.key,
		Offset:           sec.offset,
		UncompressedSize: sec.size,
		CompressedSize:   sec.compressedSize,
		NumBlocks:        sec.numBlocks,
		Staged:           staged,
	}, true
}

// Sections returns descriptors of all committed sections in id order.
func (s *Store) Sections() []SectionInfo {
	out := make([]SectionInfo, 0, len(s.order))
	for _, sec := range s.order {
		_, staged := s.staging[sec.key]
		out = append(out, SectionInfo{
			ID:               sec.id,
			Key:              sec.key,
			Offset:           sec.offset,
			UncompressedSize: sec.size,
			CompressedSize:   sec.compressedSize,
			NumBlocks:        sec.numBlocks,
			Staged:           staged,
		})
	}
	return out
}

func validKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	return nil
}

// readFull reads exactly len(buf) bytes at off, reporting short reads as
// corruption.
func (s *Store) readFull(buf []byte, off int64) error {
	return readFull(s.file, buf, off)
}

func readFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: short read at %d (%d of %d bytes)", ErrCorrupt, off, n, len(buf))
	}
	return err
}

// ProbeCodec returns the codec id recorded in the footer of the container at
// path, so a Store can be configured to match before Open.
func ProbeCodec(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	ft, err := findFooter(f, info.Size())
	if err != nil {
		return 0, err
	}
	return ft.codecID, nil
}
