package residency

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRemove(t *testing.T) {
	tr := New(4, Config{})

	require.NoError(t, tr.AddArray(0, KnotValues, 100, 10))
	require.NoError(t, tr.AddArray(0, PlyInfos, 200, 0))
	require.NoError(t, tr.AddArray(3, KnotValues, 50, 5))
	assert.EqualValues(t, 350, tr.MemoryUsed())
	assert.Equal(t, 3, tr.Len())

	assert.ErrorIs(t, tr.AddArray(0, KnotValues, 1, 1), ErrAlreadyExists)
	assert.ErrorIs(t, tr.AddArray(0, CountArray, 0, 0), ErrInvalidSize)
	assert.ErrorIs(t, tr.AddArray(4, CountArray, 1, 0), ErrInvalidLayer)
	assert.ErrorIs(t, tr.AddArray(-1, CountArray, 1, 0), ErrInvalidLayer)
	assert.ErrorIs(t, tr.AddArray(1, ArrayType(99), 1, 0), ErrInvalidType)
	assert.EqualValues(t, 350, tr.MemoryUsed())

	// Stale callers are rejected and nothing changes.
	assert.ErrorIs(t, tr.RemoveArray(0, KnotValues, 99, 10), ErrSizeMismatch)
	assert.ErrorIs(t, tr.RemoveArray(0, KnotValues, 100, 11), ErrSizeMismatch)
	assert.ErrorIs(t, tr.RemoveArray(1, KnotValues, 100, 10), ErrNotFound)
	assert.EqualValues(t, 350, tr.MemoryUsed())

	require.NoError(t, tr.RemoveArray(0, KnotValues, 100, 10))
	assert.EqualValues(t, 250, tr.MemoryUsed())
	_, ok := tr.Array(0, KnotValues)
	assert.False(t, ok)

	// Re-adding after a matching removal succeeds.
	require.NoError(t, tr.AddArray(0, KnotValues, 100, 10))
	info, ok := tr.Array(0, KnotValues)
	require.True(t, ok)
	assert.Equal(t, ArrayInfo{Layer: 0, Type: KnotValues, Size: 100, CompressedSize: 10}, info)
	assert.EqualValues(t, 350, tr.MemoryUsed())
}

func TestChangeQueueOrder(t *testing.T) {
	tr := New(2, Config{})
	assert.False(t, tr.AnyChangeToReport())
	_, ok := tr.NextChange()
	assert.False(t, ok)

	require.NoError(t, tr.AddArray(1, PlyInfos, 8, 0))
	require.NoError(t, tr.AddArray(0, LayerStats, 4, 0))
	require.NoError(t, tr.RemoveArray(1, PlyInfos, 8, 0))
	assert.Error(t, tr.RemoveArray(1, PlyInfos, 8, 0))

	var got []Change
	for tr.AnyChangeToReport() {
		c, ok := tr.NextChange()
		require.True(t, ok)
		got = append(got, c)
	}
	require.Len(t, got, 3)
	assert.Equal(t, Index(1, PlyInfos), got[0].Index)
	require.NotNil(t, got[0].Info)
	assert.EqualValues(t, 8, got[0].Info.Size)
	assert.Equal(t, Index(0, LayerStats), got[1].Index)
	assert.Equal(t, Index(1, PlyInfos), got[2].Index)
	assert.Nil(t, got[2].Info)
}

func TestInitClears(t *testing.T) {
	tr := New(2, Config{})
	require.NoError(t, tr.AddArray(1, CountArray, 8, 0))
	tr.Init(10)
	assert.EqualValues(t, 0, tr.MemoryUsed())
	assert.False(t, tr.AnyChangeToReport())
	require.NoError(t, tr.AddArray(9, CountArray, 8, 0))
}

func TestConcurrentBalancedUse(t *testing.T) {
	const workers = 16
	const rounds = 500
	tr := New(workers, Config{})

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(layer int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				typ := ArrayType(i % int(numArrayTypes))
				size := int64(layer*1000 + i + 1)
				if err := tr.AddArray(layer, typ, size, size/2); err != nil {
					t.Error(err)
					return
				}
				if err := tr.RemoveArray(layer, typ, size, size/2); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.EqualValues(t, 0, tr.MemoryUsed())
	assert.Equal(t, 0, tr.Len())

	n := 0
	for tr.AnyChangeToReport() {
		_, ok := tr.NextChange()
		require.True(t, ok)
		n++
	}
	assert.Equal(t, workers*rounds*2, n)
}

func TestMetrics(t *testing.T) {
	tr := New(1, Config{MetricsPrefix: "test_residency"})
	require.NoError(t, tr.AddArray(0, KnotValues, 123, 0))

	var buf bytes.Buffer
	tr.Metrics().WritePrometheus(&buf)
	out := buf.String()
	assert.True(t, strings.Contains(out, "test_residency_memory_bytes 123"), out)
	assert.True(t, strings.Contains(out, "test_residency_arrays 1"), out)
}

func TestArrayTypeString(t *testing.T) {
	assert.Equal(t, "plyInfos", PlyInfos.String())
	assert.Equal(t, "ArrayType(42)", ArrayType(42).String())
}
