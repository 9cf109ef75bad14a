package knotdb

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/freeeve/knotstore/internal/residency"
)

// arrayCache keeps whole arrays of stored layers in memory within a byte
// budget. Eviction is FIFO. Every resident array is registered with the
// residency tracker for as long as it is held.
type arrayCache struct {
	maxBytes int64
	used     int64
	tracker  *residency.Tracker
	entries  map[int]*residentArray // by residency.Index
	order    []int                  // FIFO order for eviction
	hits     uint64
	misses   uint64
}

type residentArray struct {
	layer          int
	typ            residency.ArrayType
	size           int64
	compressedSize int64
	knotValues     []byte
	plyInfos       []PlyInfo
}

func newArrayCache(maxBytes int64, tracker *residency.Tracker) *arrayCache {
	return &arrayCache{
		maxBytes: maxBytes,
		tracker:  tracker,
		entries:  make(map[int]*residentArray),
	}
}

func (c *arrayCache) get(layer int, typ residency.ArrayType) *residentArray {
	e, ok := c.entries[residency.Index(layer, typ)]
	if ok {
		atomic.AddUint64(&c.hits, 1)
		return e
	}
	atomic.AddUint64(&c.misses, 1)
	return nil
}

// put registers e, evicting older arrays until it fits. An array larger
// than the whole budget is still admitted once everything else is evicted.
func (c *arrayCache) put(e *residentArray) error {
	for c.used+e.size > c.maxBytes && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if err := c.evict(oldest); err != nil {
			return err
		}
	}
	if err := c.tracker.AddArray(e.layer, e.typ, e.size, e.compressedSize); err != nil {
		return err
	}
	idx := residency.Index(e.layer, e.typ)
	c.entries[idx] = e
	c.order = append(c.order, idx)
	c.used += e.size
	return nil
}

func (c *arrayCache) evict(idx int) error {
	e, ok := c.entries[idx]
	if !ok {
		return nil
	}
	if err := c.tracker.RemoveArray(e.layer, e.typ, e.size, e.compressedSize); err != nil {
		return err
	}
	delete(c.entries, idx)
	c.used -= e.size
	return nil
}

func (c *arrayCache) clear() {
	for _, idx := range c.order {
		_ = c.evict(idx)
	}
	c.order = nil
}

// stats returns hit and miss counts and resident bytes.
func (c *arrayCache) stats() (hits, misses uint64, used int64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), c.used
}

func (db *DB) residentKnotValues(layer int, s *LayerStats) ([]byte, error) {
	if e := db.cache.get(layer, residency.KnotValues); e != nil {
		return e.knotValues, nil
	}
	packed, err := db.b.readKnotValues(layer, s)
	if err != nil {
		return nil, err
	}
	err = db.cache.put(&residentArray{
		layer:          layer,
		typ:            residency.KnotValues,
		size:           int64(len(packed)),
		compressedSize: db.b.compressedSize(layer, residency.KnotValues),
		knotValues:     packed,
	})
	return packed, err
}

func (db *DB) residentPlyInfos(layer int, s *LayerStats) ([]PlyInfo, error) {
	if e := db.cache.get(layer, residency.PlyInfos); e != nil {
		return e.plyInfos, nil
	}
	plies, err := db.b.readPlyInfos(layer, s)
	if err != nil {
		return nil, err
	}
	err = db.cache.put(&residentArray{
		layer:          layer,
		typ:            residency.PlyInfos,
		size:           PlyInfosSize(uint32(len(plies))),
		compressedSize: db.b.compressedSize(layer, residency.PlyInfos),
		plyInfos:       plies,
	})
	return plies, err
}

// CacheStats reports resident array cache hits, misses and bytes held.
func (db *DB) CacheStats() (hits, misses uint64, residentBytes int64) {
	if db.cache == nil {
		return 0, 0, 0
	}
	return db.cache.stats()
}

func encodePlyInfos(plies []PlyInfo) []byte {
	buf := make([]byte, len(plies)*PlyInfoSize)
	for i, p := range plies {
		binary.LittleEndian.PutUint16(buf[i*PlyInfoSize:], uint16(p))
	}
	return buf
}

func decodePlyInfos(buf []byte) []PlyInfo {
	plies := make([]PlyInfo, len(buf)/PlyInfoSize)
	for i := range plies {
		plies[i] = PlyInfo(binary.LittleEndian.Uint16(buf[i*PlyInfoSize:]))
	}
	return plies
}
