package sizeclass

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() TableConfig {
	return TableConfig{
		MinSize:           8,
		SegregatedMaxSize: 2048,
		CoalesceMaxSize:   65536,
		LargeFSATiers:     []uint32{131072, 262144, 524288, 1048576, 2097152},
		ChunkBudget:       1 << 20,
	}
}

func TestLookupSizeNeverShrinksRequest(t *testing.T) {
	table := Build(testConfig())
	for _, size := range []uint32{0, 1, 4, 7, 8, 9, 63, 64, 65, 1000, 2048, 2049, 70000, 2097152} {
		bin, ok := table.Lookup(size)
		if size > table.MaxSize() {
			require.False(t, ok, "size %d should be out of range", size)
			continue
		}
		require.True(t, ok, "size %d should have resolved to a bin", size)
		require.GreaterOrEqual(t, bin.Size, size, "bin must be large enough to serve the request")
	}
}

func TestLookupMonotonic(t *testing.T) {
	table := Build(testConfig())
	prev, ok := table.Lookup(8)
	require.True(t, ok)
	for size := uint32(9); size <= 4096; size++ {
		bin, ok := table.Lookup(size)
		require.True(t, ok)
		require.GreaterOrEqual(t, bin.Size, prev.Size)
		prev = bin
	}
}

func TestZoneAssignment(t *testing.T) {
	table := Build(testConfig())

	small, ok := table.Lookup(64)
	require.True(t, ok)
	require.Equal(t, Segregated, small.Allocator)
	require.True(t, small.UseBinmap)
	require.Greater(t, small.AllocCount, uint16(0))

	mid, ok := table.Lookup(16000)
	require.True(t, ok)
	require.Equal(t, Coalesce, mid.Allocator)
	require.False(t, mid.UseBinmap)

	large, ok := table.Lookup(100 * 1024)
	require.True(t, ok)
	require.Equal(t, LargeFSA, large.Allocator)
	require.Equal(t, uint32(131072), large.Size)

	oversize, ok := table.Lookup(3 * 1024 * 1024)
	require.False(t, ok)
	_ = oversize
}

func TestAllocCountNeverExceedsBinmapCapacity(t *testing.T) {
	table := Build(testConfig())
	for _, bin := range table.Bins() {
		if bin.Allocator == Segregated {
			require.LessOrEqual(t, int(bin.AllocCount), maxBinmapSlots)
			require.Greater(t, bin.AllocCount, uint16(0))
		}
	}
}

func TestRouterDispatchCoverage(t *testing.T) {
	// spec §8 scenario 6: every bin in the table must route a request of
	// its own exact size back to itself.
	table := Build(testConfig())
	for _, bin := range table.Bins() {
		got, ok := table.Lookup(bin.Size)
		require.True(t, ok)
		require.Equal(t, bin.Size, got.Size)
		require.Equal(t, bin.Allocator, got.Allocator)
	}
}
