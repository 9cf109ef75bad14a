package knotdb_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/knotstore/internal/codec"
	"github.com/freeeve/knotstore/internal/knotdb"
	"github.com/freeeve/knotstore/internal/residency"
	"github.com/freeeve/knotstore/internal/sectionfile"
)

type testLayer struct {
	knots    uint32
	succ     []int
	partners []int
}

type testRules []testLayer

func (r testRules) NumLayers() int { return len(r) }
func (r testRules) NumKnotsInLayer(l int) uint32 { return r[l].knots }
func (r testRules) SuccessorLayers(l int) []int { return r[l].succ }
func (r testRules) PartnerLayers(l int) []int { return r[l].partners }

// Layer 1 is unreachable and has no knots. Layer 3 spans several blocks of
// a compressed database.
var rules = testRules{
	{knots: 10, succ: []int{1}, partners: []int{0}},
	{knots: 0, succ: []int{}, partners: []int{1}},
	{knots: 7, succ: []int{0, 1}, partners: []int{2}},
	{knots: 25000, succ: []int{}, partners: []int{3}},
}

var kinds = []knotdb.Kind{knotdb.KindFlat, knotdb.KindCompressed}

func dbPath(t *testing.T, kind knotdb.Kind) string {
	t.Helper()
	if kind == knotdb.KindFlat {
		return filepath.Join(t.TempDir(), "db")
	}
	return filepath.Join(t.TempDir(), "db.knots")
}

func openDB(t *testing.T, kind knotdb.Kind, path string, r knotdb.Rules, cfg knotdb.Config) *knotdb.DB {
	t.Helper()
	db, err := knotdb.Open(kind, path, r, cfg)
	require.NoError(t, err)
	return db
}

// layerArrays returns arrays where knot k has value k%4 and ply k%300.
func layerArrays(knots uint32) ([]byte, []knotdb.PlyInfo) {
	packed := make([]byte, knotdb.KnotValuesSize(knots))
	plies := make([]knotdb.PlyInfo, knots)
	for k := uint32(0); k < knots; k++ {
		knotdb.SetKnotValue(packed, k, knotdb.ShortKnotValue(k%4))
		plies[k] = knotdb.PlyInfo(k % 300)
	}
	return packed, plies
}

func writeAllLayers(t *testing.T, db *knotdb.DB) {
	t.Helper()
	for l, layer := range rules {
		if layer.knots == 0 {
			continue
		}
		packed, plies := layerArrays(layer.knots)
		require.NoError(t, db.WriteLayer(l, packed, plies))
	}
}

func TestUnstoredLayerReadsSentinels(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			db := openDB(t, kind, dbPath(t, kind), rules, knotdb.Config{})
			defer db.Close()

			v, err := db.ReadKnotValue(0, 3)
			assert.ErrorIs(t, err, knotdb.ErrLayerNotStored)
			assert.Equal(t, knotdb.ShortKnotInvalid, v)

			p, err := db.ReadPlyInfo(0, 3)
			assert.ErrorIs(t, err, knotdb.ErrLayerNotStored)
			assert.Equal(t, knotdb.PlyInfoUncalculated, p)

			_, err = db.ReadKnotValues(2)
			assert.ErrorIs(t, err, knotdb.ErrLayerNotStored)

			s, err := db.LayerStats(2)
			require.NoError(t, err)
			assert.Equal(t, knotdb.LayerEmpty, s.State)
			assert.Equal(t, uint32(7), s.NumKnots)
			assert.Equal(t, []int{0, 1}, s.SuccessorLayers)
			assert.Equal(t, []int{2}, s.PartnerLayers)
			assert.False(t, db.Stats().Completed)
			assert.Equal(t, 4, db.Stats().NumLayers)
		})
	}
}

func TestWriteLayerCommitReopen(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			path := dbPath(t, kind)
			db := openDB(t, kind, path, rules, knotdb.Config{})
			writeAllLayers(t, db)
			assert.True(t, db.Stats().Completed)
			require.NoError(t, db.Commit())
			require.NoError(t, db.Close())

			db = openDB(t, kind, path, nil, knotdb.Config{ReadOnly: true})
			assert.True(t, db.Stats().Completed)
			for l, layer := range rules {
				if layer.knots == 0 {
					_, err := db.ReadKnotValues(l)
					assert.ErrorIs(t, err, knotdb.ErrEmptyLayer)
					continue
				}
				wantPacked, wantPlies := layerArrays(layer.knots)

				s, err := db.LayerStats(l)
				require.NoError(t, err)
				assert.True(t, s.CompletedAndStored())
				assert.Equal(t, layer.knots, s.NumWon+s.NumLost+s.NumDrawn+s.NumInvalid)

				packed, err := db.ReadKnotValues(l)
				require.NoError(t, err)
				assert.Equal(t, wantPacked, packed)
				plies, err := db.ReadPlyInfos(l)
				require.NoError(t, err)
				assert.Equal(t, wantPlies, plies)

				for _, k := range []uint32{0, 1, layer.knots / 2, layer.knots - 1} {
					v, err := db.ReadKnotValue(l, k)
					require.NoError(t, err)
					assert.Equal(t, knotdb.ShortKnotValue(k%4), v, "layer %d knot %d", l, k)
					p, err := db.ReadPlyInfo(l, k)
					require.NoError(t, err)
					assert.Equal(t, knotdb.PlyInfo(k%300), p)
				}
			}

			s, err := db.LayerStats(3)
			require.NoError(t, err)
			assert.Equal(t, uint32(6250), s.NumWon)
			assert.Equal(t, uint32(6250), s.NumInvalid)

			packed, plies := layerArrays(10)
			assert.ErrorIs(t, db.WriteLayer(0, packed, plies), knotdb.ErrReadOnly)
			assert.ErrorIs(t, db.WriteKnotValue(0, 1, knotdb.ShortKnotWon), knotdb.ErrReadOnly)
			assert.ErrorIs(t, db.Commit(), knotdb.ErrReadOnly)
			require.NoError(t, db.Close())

			db = openDB(t, kind, path, rules, knotdb.Config{})
			defer db.Close()
			assert.ErrorIs(t, db.WriteLayer(0, packed, plies), knotdb.ErrLayerStored)
			assert.ErrorIs(t, db.WriteKnotValue(0, 1, knotdb.ShortKnotWon), knotdb.ErrLayerStored)
			assert.ErrorIs(t, db.WritePlyInfo(0, 1, 4), knotdb.ErrLayerStored)
		})
	}
}

func TestPartialWritesThenCompleteLayer(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			path := dbPath(t, kind)
			db := openDB(t, kind, path, rules, knotdb.Config{})
			require.NoError(t, db.WriteKnotValue(2, 5, knotdb.ShortKnotWon))
			require.NoError(t, db.WriteKnotValue(2, 4, knotdb.ShortKnotDrawn))
			require.NoError(t, db.WritePlyInfo(2, 5, 12))

			s, err := db.LayerStats(2)
			require.NoError(t, err)
			assert.Equal(t, knotdb.LayerPartial, s.State)

			_, err = db.ReadKnotValue(2, 5)
			assert.ErrorIs(t, err, knotdb.ErrLayerNotStored)
			assert.ErrorIs(t, db.CompleteLayer(0), knotdb.ErrLayerNotStored)

			require.NoError(t, db.Commit())
			require.NoError(t, db.Close())

			db = openDB(t, kind, path, rules, knotdb.Config{})
			defer db.Close()
			s, err = db.LayerStats(2)
			require.NoError(t, err)
			assert.Equal(t, knotdb.LayerPartial, s.State)

			require.NoError(t, db.CompleteLayer(2))
			s, err = db.LayerStats(2)
			require.NoError(t, err)
			assert.Equal(t, knotdb.LayerStored, s.State)
			assert.Equal(t, uint32(1), s.NumWon)
			assert.Equal(t, uint32(1), s.NumDrawn)
			assert.Equal(t, uint32(5), s.NumInvalid)

			for k := uint32(0); k < 7; k++ {
				v, err := db.ReadKnotValue(2, k)
				require.NoError(t, err)
				p, err := db.ReadPlyInfo(2, k)
				require.NoError(t, err)
				switch k {
				case 5:
					assert.Equal(t, knotdb.ShortKnotWon, v)
					assert.Equal(t, knotdb.PlyInfo(12), p)
				case 4:
					assert.Equal(t, knotdb.ShortKnotDrawn, v)
					assert.Equal(t, knotdb.PlyInfoUncalculated, p)
				default:
					assert.Equal(t, knotdb.ShortKnotInvalid, v)
					assert.Equal(t, knotdb.PlyInfoUncalculated, p)
				}
			}
			assert.ErrorIs(t, db.CompleteLayer(2), knotdb.ErrLayerStored)
		})
	}
}

func TestCompletedOnceEveryLayerWithKnotsIsStored(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			path := dbPath(t, kind)
			db := openDB(t, kind, path, rules, knotdb.Config{})

			for _, l := range []int{3, 0} {
				packed, plies := layerArrays(rules[l].knots)
				require.NoError(t, db.WriteLayer(l, packed, plies))
				assert.False(t, db.Stats().Completed)
			}
			packed, plies := layerArrays(rules[2].knots)
			require.NoError(t, db.WriteLayer(2, packed, plies))
			assert.True(t, db.Stats().Completed, "layer 1 has no knots and does not block completion")

			require.NoError(t, db.Commit())
			require.NoError(t, db.Close())

			db = openDB(t, kind, path, nil, knotdb.Config{ReadOnly: true})
			defer db.Close()
			assert.True(t, db.Stats().Completed)
		})
	}
}

func TestEmptyRulesCreateCompletedDatabase(t *testing.T) {
	empty := testRules{{knots: 0, succ: []int{}, partners: []int{}}}
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			db := openDB(t, kind, dbPath(t, kind), empty, knotdb.Config{})
			defer db.Close()
			assert.True(t, db.Stats().Completed)
		})
	}
}

func TestInvalidArguments(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			db := openDB(t, kind, dbPath(t, kind), rules, knotdb.Config{})

			_, err := db.LayerStats(-1)
			assert.ErrorIs(t, err, knotdb.ErrLayerRange)
			_, err = db.ReadKnotValue(4, 0)
			assert.ErrorIs(t, err, knotdb.ErrLayerRange)
			_, err = db.ReadKnotValue(0, 10)
			assert.ErrorIs(t, err, knotdb.ErrKnotRange)
			assert.ErrorIs(t, db.WriteKnotValue(0, 10, knotdb.ShortKnotWon), knotdb.ErrKnotRange)
			assert.ErrorIs(t, db.WritePlyInfo(1, 0, 3), knotdb.ErrEmptyLayer)

			packed, plies := layerArrays(10)
			assert.ErrorIs(t, db.WriteLayer(0, packed[:2], plies), knotdb.ErrArrayLength)
			assert.ErrorIs(t, db.WriteLayer(0, packed, plies[:9]), knotdb.ErrArrayLength)
			assert.ErrorIs(t, db.WriteLayer(2, packed, plies), knotdb.ErrArrayLength)

			s, err := db.LayerStats(0)
			require.NoError(t, err)
			assert.Equal(t, knotdb.LayerEmpty, s.State)

			require.NoError(t, db.Close())
			assert.ErrorIs(t, db.Close(), knotdb.ErrNotOpen)
			_, err = db.ReadKnotValue(0, 0)
			assert.ErrorIs(t, err, knotdb.ErrNotOpen)
			assert.ErrorIs(t, db.Commit(), knotdb.ErrNotOpen)
		})
	}
}

func TestOpenWithoutRules(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			_, err := knotdb.Open(kind, dbPath(t, kind), nil, knotdb.Config{})
			assert.ErrorIs(t, err, knotdb.ErrNoRules)
		})
	}
}

func TestCompressedCloseWithoutCommitDropsWrites(t *testing.T) {
	path := dbPath(t, knotdb.KindCompressed)
	db := openDB(t, knotdb.KindCompressed, path, rules, knotdb.Config{})
	packed, plies := layerArrays(10)
	require.NoError(t, db.WriteLayer(0, packed, plies))
	require.NoError(t, db.Close())

	db = openDB(t, knotdb.KindCompressed, path, rules, knotdb.Config{})
	defer db.Close()
	s, err := db.LayerStats(0)
	require.NoError(t, err)
	assert.Equal(t, knotdb.LayerEmpty, s.State)
}

func TestCompressedSectionNames(t *testing.T) {
	path := dbPath(t, knotdb.KindCompressed)
	db := openDB(t, knotdb.KindCompressed, path, rules, knotdb.Config{Codec: codec.S2{}})
	packed, plies := layerArrays(rules[3].knots)
	require.NoError(t, db.WriteLayer(3, packed, plies))
	require.NoError(t, db.Commit())
	require.NoError(t, db.Close())

	store, err := sectionfile.New(sectionfile.Config{Codec: codec.S2{}})
	require.NoError(t, err)
	require.NoError(t, store.Open(path, true))
	defer store.Close()

	assert.Equal(t, knotdb.CompressedBlockSize, store.BlockSize())
	for _, key := range []string{
		"dbStats",
		"layerStats0", "layerStats0.succLayers", "layerStats0.partnerLayers",
		"layerStats3", "skv3", "plyInfo3",
	} {
		assert.True(t, store.KeyExists(key), key)
	}
	assert.False(t, store.KeyExists("skv0"))
	assert.Equal(t, int64(6250), store.UncompressedSize("skv3"))
	assert.Equal(t, int64(50000), store.UncompressedSize("plyInfo3"))
}

func TestCompressedLegacyPartnerLayer(t *testing.T) {
	path := dbPath(t, knotdb.KindCompressed)
	store, err := sectionfile.New(sectionfile.Config{BlockSize: knotdb.CompressedBlockSize})
	require.NoError(t, err)
	require.NoError(t, store.Open(path, false))

	dbStats := make([]byte, 8)
	binary.LittleEndian.PutUint32(dbStats[4:], 1)
	require.NoError(t, store.Write("dbStats", 0, dbStats))

	rec := make([]byte, 32)
	binary.LittleEndian.PutUint32(rec[4:], 5) // partner layer
	binary.LittleEndian.PutUint32(rec[8:], 4) // knots
	require.NoError(t, store.Write("layerStats0", 0, rec))
	require.NoError(t, store.Flush())
	require.NoError(t, store.Close())
	store.Release()

	db := openDB(t, knotdb.KindCompressed, path, nil, knotdb.Config{ReadOnly: true})
	defer db.Close()
	s, err := db.LayerStats(0)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, s.PartnerLayers)
	assert.Empty(t, s.SuccessorLayers)
	assert.Equal(t, uint32(4), s.NumKnots)
	assert.Equal(t, knotdb.LayerEmpty, s.State)
}

func TestFlatRecreatesGarbageHeader(t *testing.T) {
	path := dbPath(t, knotdb.KindFlat)
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "shortKnotValue.dat"), []byte("not a database header at all"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "plyInfo.dat"), []byte{1, 2}, 0644))

	db := openDB(t, knotdb.KindFlat, path, rules, knotdb.Config{})
	defer db.Close()
	assert.Equal(t, 4, db.Stats().NumLayers)
	s, err := db.LayerStats(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(25000), s.NumKnots)

	info, err := os.Stat(filepath.Join(path, "plyInfo.dat"))
	require.NoError(t, err)
	assert.Equal(t, int64(24+4*56+2*(10+7+25000)), info.Size())
}

func TestFlatReadOnlyGarbageFails(t *testing.T) {
	path := dbPath(t, knotdb.KindFlat)
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "shortKnotValue.dat"), []byte("xx"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "plyInfo.dat"), []byte("xx"), 0644))

	_, err := knotdb.Open(knotdb.KindFlat, path, rules, knotdb.Config{ReadOnly: true})
	assert.ErrorIs(t, err, knotdb.ErrCorrupt)
}

func TestFlatTooManyLayerIDs(t *testing.T) {
	wide := testRules{{knots: 4, succ: []int{0, 1, 2, 3, 4}, partners: []int{0}}}
	_, err := knotdb.Open(knotdb.KindFlat, dbPath(t, knotdb.KindFlat), wide, knotdb.Config{})
	assert.ErrorIs(t, err, knotdb.ErrTooManyLayerIDs)
}

func TestResidentArraysAreTracked(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			path := dbPath(t, kind)
			db := openDB(t, kind, path, rules, knotdb.Config{})
			writeAllLayers(t, db)
			require.NoError(t, db.Commit())
			require.NoError(t, db.Close())

			tracker := residency.New(len(rules), residency.Config{})
			db = openDB(t, kind, path, nil, knotdb.Config{
				ReadOnly:         true,
				MaxResidentBytes: 50000,
				Tracker:          tracker,
			})
			assert.Same(t, tracker, db.Tracker())

			for k := uint32(0); k < 10; k++ {
				v, err := db.ReadKnotValue(0, k)
				require.NoError(t, err)
				assert.Equal(t, knotdb.ShortKnotValue(k%4), v)
			}
			hits, misses, resident := db.CacheStats()
			assert.Equal(t, uint64(9), hits)
			assert.Equal(t, uint64(1), misses)
			assert.Equal(t, int64(3), resident)
			assert.Equal(t, int64(3), tracker.MemoryUsed())

			// 50000 bytes of ply infos fill the budget and evict layer 0.
			p, err := db.ReadPlyInfo(3, 24999)
			require.NoError(t, err)
			assert.Equal(t, knotdb.PlyInfo(24999%300), p)
			_, ok := tracker.Array(0, residency.KnotValues)
			assert.False(t, ok)
			info, ok := tracker.Array(3, residency.PlyInfos)
			require.True(t, ok)
			assert.Equal(t, int64(50000), info.Size)
			assert.Equal(t, int64(50000), tracker.MemoryUsed())

			require.NoError(t, db.Close())
			assert.Equal(t, int64(0), tracker.MemoryUsed())
			assert.Equal(t, 0, tracker.Len())
		})
	}
}

func TestThroughputReported(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			var reports []float64
			db := openDB(t, kind, dbPath(t, kind), rules, knotdb.Config{
				ThroughputEvery: 5,
				OnThroughput:    func(opsPerSec float64) { reports = append(reports, opsPerSec) },
			})
			defer db.Close()

			for k := uint32(0); k < 10; k++ {
				require.NoError(t, db.WriteKnotValue(0, k, knotdb.ShortKnotLost))
			}
			require.Len(t, reports, 2)
			for _, r := range reports {
				assert.Greater(t, r, 0.0)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := knotdb.ParseKind("compressed")
	require.NoError(t, err)
	assert.Equal(t, knotdb.KindCompressed, k)
	k, err = knotdb.ParseKind("uncompressed")
	require.NoError(t, err)
	assert.Equal(t, knotdb.KindFlat, k)
	_, err = knotdb.ParseKind("zip")
	assert.Error(t, err)
}

func TestFailedStatsSaveKeepsLayerState(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			db := openDB(t, kind, dbPath(t, kind), rules, knotdb.Config{})
			defer db.Close()

			boom := errors.New("boom")
			db.FailLayerStatsSaves(boom)

			packed, plies := layerArrays(rules[0].knots)
			assert.ErrorIs(t, db.WriteLayer(0, packed, plies), boom)
			s, err := db.LayerStats(0)
			require.NoError(t, err)
			assert.Equal(t, knotdb.LayerEmpty, s.State)
			assert.Zero(t, s.NumWon)
			assert.Zero(t, s.NumDrawn)

			assert.ErrorIs(t, db.WriteKnotValue(2, 0, knotdb.ShortKnotWon), boom)
			s, err = db.LayerStats(2)
			require.NoError(t, err)
			assert.Equal(t, knotdb.LayerEmpty, s.State)

			_, err = db.ReadKnotValues(0)
			assert.ErrorIs(t, err, knotdb.ErrLayerNotStored)
			assert.False(t, db.Stats().Completed)
		})
	}
}
