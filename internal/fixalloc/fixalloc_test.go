package fixalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type node struct {
	val int
}

func TestAllocGrowsAndReuses(t *testing.T) {
	a := New[node](4)
	var indices []uint32
	for i := 0; i < 10; i++ {
		idx, p := a.Alloc()
		p.val = i
		indices = append(indices, idx)
	}
	require.Equal(t, 10, a.Len())

	for i, idx := range indices {
		require.Equal(t, i, a.At(idx).val)
	}

	a.Free(indices[3])
	require.Equal(t, 9, a.Len())
	idx, p := a.Alloc()
	require.Equal(t, indices[3], idx)
	require.Equal(t, 0, p.val, "reused slot must be zeroed")
	require.Equal(t, 10, a.Len())
}

func TestPointersStableAcrossGrowth(t *testing.T) {
	a := New[node](2)
	idx0, p0 := a.Alloc()
	p0.val = 42
	for i := 0; i < 50; i++ {
		a.Alloc()
	}
	require.Equal(t, 42, a.At(idx0).val)
	require.Equal(t, p0, a.At(idx0), "pointer for idx0 must remain stable")
}
