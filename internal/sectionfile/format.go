package sectionfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Container format
//
// A container is a sequence of independently compressed sections followed by
// a descriptor table and a fixed-size footer. All integers are little-endian.
//
//   [section 0 blocks]       compressed blocks, in block order
//   [section 0 block index]  numBlocks x {offsetInSection u32, compressedSize u32}
//   [section 1 blocks] [section 1 block index]
//   ...
//   [descriptors]            one per section, in section id order
//   [footer]                 40 bytes
//
// Descriptor (44 bytes + key):
//   offsetInFile i64, uncompressedSize i64, compressedSize i64,
//   numBlocks u32, pad u32, sectionID u32, pad u32,
//   keyLength u32, key [keyLength]byte
//
// Footer (40 bytes):
//   typeTag i16 (0x7d67), versionID i16 (1), numSections u32,
//   blockSize u32, sectionsOffset i64, footerOffset i64,
//   fileInfoOffset i64, codecID u32
//
// compressedSize counts the block bytes only; a section's block index starts
// at offsetInFile + compressedSize.

const (
	TypeTag   int16 = 0x7d67
	VersionID int16 = 1

	FooterSize         = 40
	DescriptorBaseSize = 44
	BlockEntrySize     = 8

	// MaxKeyLength is the longest key accepted, in bytes.
	MaxKeyLength = 240

	// DefaultBlockSize is the uncompressed block size of new containers.
	DefaultBlockSize = 1000
)

var errShortBuffer = errors.New("buffer too small")

type footer struct {
	typeTag        int16
	versionID      int16
	numSections    uint32
	blockSize      uint32
	sectionsOffset int64
	footerOffset   int64
	fileInfoOffset int64
	codecID        uint32
}

func encodeFooter(f *footer) []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(f.typeTag))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(f.versionID))
	binary.LittleEndian.PutUint32(buf[4:8], f.numSections)
	binary.LittleEndian.PutUint32(buf[8:12], f.blockSize)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(f.sectionsOffset))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(f.footerOffset))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(f.fileInfoOffset))
	binary.LittleEndian.PutUint32(buf[36:40], f.codecID)
	return buf
}

func decodeFooter(buf []byte) (*footer, error) {
	if len(buf) < FooterSize {
		return nil, errShortBuffer
	}
	f := &footer{
		typeTag:        int16(binary.LittleEndian.Uint16(buf[0:2])),
		versionID:      int16(binary.LittleEndian.Uint16(buf[2:4])),
		numSections:    binary.LittleEndian.Uint32(buf[4:8]),
		blockSize:      binary.LittleEndian.Uint32(buf[8:12]),
		sectionsOffset: int64(binary.LittleEndian.Uint64(buf[12:20])),
		footerOffset:   int64(binary.LittleEndian.Uint64(buf[20:28])),
		fileInfoOffset: int64(binary.LittleEndian.Uint64(buf[28:36])),
		codecID:        binary.LittleEndian.Uint32(buf[36:40]),
	}
	if f.typeTag != TypeTag {
		return nil, fmt.Errorf("%w: invalid type tag %#x", ErrCorrupt, uint16(f.typeTag))
	}
	if f.versionID != VersionID {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, f.versionID)
	}
	if f.blockSize == 0 {
		return nil, fmt.Errorf("%w: zero block size", ErrCorrupt)
	}
	return f, nil
}

// section is the in-memory form of a descriptor. blocks stays nil until the
// block index is needed.
type section struct {
	id             uint32
	key            string
	offset         int64
	size           int64
	compressedSize int64
	numBlocks      uint32
	blocks         []blockEntry
}

type blockEntry struct {
	offset uint32 // relative to section.offset
	size   uint32
}

func (s *section) descriptorSize() int {
	return DescriptorBaseSize + len(s.key)
}

func (s *section) indexOffset() int64 {
	return s.offset + s.compressedSize
}

func appendDescriptor(buf []byte, s *section) []byte {
	var d [DescriptorBaseSize]byte
	binary.LittleEndian.PutUint64(d[0:8], uint64(s.offset))
	binary.LittleEndian.PutUint64(d[8:16], uint64(s.size))
	binary.LittleEndian.PutUint64(d[16:24], uint64(s.compressedSize))
	binary.LittleEndian.PutUint32(d[24:28], s.numBlocks)
	binary.LittleEndian.PutUint32(d[32:36], s.id)
	binary.LittleEndian.PutUint32(d[40:44], uint32(len(s.key)))
	buf = append(buf, d[:]...)
	return append(buf, s.key...)
}

// decodeDescriptor parses one descriptor and returns the bytes consumed.
func decodeDescriptor(buf []byte) (*section, int, error) {
	if len(buf) < DescriptorBaseSize {
		return nil, 0, fmt.Errorf("%w: truncated descriptor", ErrCorrupt)
	}
	keyLen := int(binary.LittleEndian.Uint32(buf[40:44]))
	if keyLen == 0 || keyLen > MaxKeyLength {
		return nil, 0, fmt.Errorf("%w: key length %d", ErrCorrupt, keyLen)
	}
	if len(buf) < DescriptorBaseSize+keyLen {
		return nil, 0, fmt.Errorf("%w: truncated key", ErrCorrupt)
	}
	s := &section{
		offset:         int64(binary.LittleEndian.Uint64(buf[0:8])),
		size:           int64(binary.LittleEndian.Uint64(buf[8:16])),
		compressedSize: int64(binary.LittleEndian.Uint64(buf[16:24])),
		numBlocks:      binary.LittleEndian.Uint32(buf[24:28]),
		id:             binary.LittleEndian.Uint32(buf[32:36]),
		key:            string(buf[DescriptorBaseSize : DescriptorBaseSize+keyLen]),
	}
	if s.offset < 0 || s.size < 0 || s.compressedSize < 0 || s.numBlocks == 0 {
		return nil, 0, fmt.Errorf("%w: section %q has invalid geometry", ErrCorrupt, s.key)
	}
	return s, DescriptorBaseSize + keyLen, nil
}

func encodeBlockIndex(blocks []blockEntry) []byte {
	buf := make([]byte, len(blocks)*BlockEntrySize)
	for i, b := range blocks {
		binary.LittleEndian.PutUint32(buf[i*BlockEntrySize:], b.offset)
		binary.LittleEndian.PutUint32(buf[i*BlockEntrySize+4:], b.size)
	}
	return buf
}

func decodeBlockIndex(buf []byte, n int) ([]blockEntry, error) {
	if len(buf) < n*BlockEntrySize {
		return nil, errShortBuffer
	}
	blocks := make([]blockEntry, n)
	for i := range blocks {
		blocks[i].offset = binary.LittleEndian.Uint32(buf[i*BlockEntrySize:])
		blocks[i].size = binary.LittleEndian.Uint32(buf[i*BlockEntrySize+4:])
	}
	return blocks, nil
}

// numBlocks returns ceil(size/blockSize), at least 1.
func numBlocks(size int64, blockSize int) uint32 {
	n := (size + int64(blockSize) - 1) / int64(blockSize)
	if n < 1 {
		n = 1
	}
	return uint32(n)
}

// blockLen is the uncompressed length of block i of a section.
func blockLen(size int64, blockSize int, i int) int {
	start := int64(i) * int64(blockSize)
	if rem := size - start; rem < int64(blockSize) {
		if rem < 0 {
			return 0
		}
		return int(rem)
	}
	return blockSize
}
