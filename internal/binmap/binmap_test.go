package binmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFindAndSetSequence mirrors spec §8 scenario 5: a count=8192 binmap,
// repeated find-and-set must return 0,1,2,...,8191 in order; clearing a bit
// makes the very next find-and-set return exactly that bit.
func TestFindAndSetSequence(t *testing.T) {
	m := New(MaxSlots)
	for i := 0; i < MaxSlots; i++ {
		require.Equal(t, i, m.FindAndSet())
	}
	require.True(t, m.Full())

	m.Clear(100)
	require.Equal(t, 100, m.FindAndSet())

	m.Clear(4096)
	require.Equal(t, 4096, m.FindAndSet())

	require.True(t, m.Full())
}

func TestSmallCounts(t *testing.T) {
	for _, count := range []int{1, 2, 17, 31, 32, 33, 255, 256, 257, 4095} {
		m := New(count)
		for i := 0; i < count; i++ {
			require.Equal(t, i, m.FindAndSet(), "count=%d i=%d", count, i)
		}
		require.True(t, m.Full())
	}
}

func TestClearReopensExactSlot(t *testing.T) {
	m := New(200)
	for i := 0; i < 200; i++ {
		m.FindAndSet()
	}
	require.True(t, m.Full())
	for _, k := range []int{0, 50, 199, 16, 17} {
		m.Clear(k)
		require.False(t, m.Test(k))
		require.Equal(t, k, m.FindAndSet())
	}
}

func TestSetThenClearOnRoot(t *testing.T) {
	m := New(8)
	m.Set(3)
	require.True(t, m.Test(3))
	m.Clear(3)
	require.False(t, m.Test(3))
}

func TestOutOfRangePanics(t *testing.T) {
	m := New(10)
	require.Panics(t, func() { m.Set(10) })
	require.Panics(t, func() { m.Set(-1) })
}

func TestFindAndSetPanicsWhenFull(t *testing.T) {
	m := New(4)
	for i := 0; i < 4; i++ {
		m.FindAndSet()
	}
	require.Panics(t, func() { m.FindAndSet() })
}

func TestResetReinitializesForReuse(t *testing.T) {
	m := New(100)
	for i := 0; i < 100; i++ {
		m.FindAndSet()
	}
	require.True(t, m.Full())

	m.Reset(50)
	require.False(t, m.Full())
	for i := 0; i < 50; i++ {
		require.Equal(t, i, m.FindAndSet())
	}
	require.True(t, m.Full())

	// Shrinking then growing again must not leave stale bits set beyond
	// the smaller count.
	m.Reset(100)
	require.False(t, m.Full())
	for i := 0; i < 100; i++ {
		require.Equal(t, i, m.FindAndSet())
	}
	require.True(t, m.Full())
}
