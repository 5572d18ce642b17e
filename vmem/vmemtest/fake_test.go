package vmemtest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveCommitDecommitRoundTrip(t *testing.T) {
	f := New(4096)
	base, err := f.Reserve(4096 * 4)
	require.NoError(t, err)
	require.NotZero(t, base)

	require.False(t, f.IsCommitted(base))
	require.NoError(t, f.Commit(base, 2))
	require.True(t, f.IsCommitted(base))
	require.True(t, f.IsCommitted(base+4095))
	require.False(t, f.IsCommitted(base+8192))

	require.NoError(t, f.Decommit(base, 2))
	require.False(t, f.IsCommitted(base))
}

func TestCommitFailureInjection(t *testing.T) {
	f := New(4096)
	base, err := f.Reserve(4096)
	require.NoError(t, err)
	f.FailCommitAt[base] = true
	err = f.Commit(base, 1)
	require.Error(t, err)
	require.False(t, f.IsCommitted(base))
}

func TestDecommitZeroesMemory(t *testing.T) {
	f := New(4096)
	base, err := f.Reserve(4096)
	require.NoError(t, err)
	require.NoError(t, f.Commit(base, 1))
	buf := f.reservation[base]
	buf[0] = 0xff
	require.NoError(t, f.Decommit(base, 1))
	require.Equal(t, byte(0), buf[0])
}

func TestReleaseForgetsReservation(t *testing.T) {
	f := New(4096)
	base, err := f.Reserve(4096)
	require.NoError(t, err)
	require.NoError(t, f.Release(base, 4096))
	err = f.Commit(base, 1)
	require.Error(t, err)
}
