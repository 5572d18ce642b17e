package segregated

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudfly/vmalloc/sizeclass"
	"github.com/cloudfly/vmalloc/vmem/vmemtest"
)

func newTestEngine(t *testing.T, bin sizeclass.Bin, addressRange uint64) (*Engine, *vmemtest.Fake, uintptr) {
	t.Helper()
	vm := vmemtest.New(4096)
	base, err := vm.Reserve(addressRange)
	require.NoError(t, err)
	regionSize := uint64(1 << 16)
	if addressRange < regionSize {
		regionSize = addressRange
	}
	e := New(vm, Config{
		Base:          base,
		AddressRange:  addressRange,
		Bins:          []sizeclass.Bin{bin},
		RegionSize:    regionSize,
		MaxCacheCount: 4,
	})
	return e, vm, base
}

// spec §8 scenario 1 (segregated fill/drain): a 64-byte bin with an
// 8192-slot chunk, allocate every slot then free every slot, checking
// that every address is distinct, that the exhausted range reports
// ErrOutOfChunks, that each free reports 64 bytes, and that the emptied
// chunk is reused.
func TestFillAndDrainOneChunk(t *testing.T) {
	bin := sizeclass.Bin{Size: 64, Allocator: sizeclass.Segregated, UseBinmap: true, AllocCount: 8192}
	e, vm, _ := newTestEngine(t, bin, uint64(bin.Size)*uint64(bin.AllocCount))

	seen := make(map[uintptr]bool)
	var ptrs []uintptr
	for i := 0; i < int(bin.AllocCount); i++ {
		ptr, err := e.Allocate(bin)
		require.NoError(t, err)
		require.False(t, seen[ptr], "address reused while still live")
		seen[ptr] = true
		ptrs = append(ptrs, ptr)
	}

	_, err := e.Allocate(bin)
	require.ErrorIs(t, err, ErrOutOfChunks, "chunk is full and no second chunk fits this address range")

	for _, ptr := range ptrs {
		n := e.Deallocate(ptr, bin)
		require.Equal(t, uint32(64), n)
	}

	// The chunk must be reusable after emptying.
	ptr, err := e.Allocate(bin)
	require.NoError(t, err)
	require.True(t, seen[ptr])
	require.Equal(t, 4, vm.DecommitCalls, "8 regions emptied with MaxCacheCount 4: the 4 oldest are decommitted, the rest stay cached")
}

func TestPartialFullTransitions(t *testing.T) {
	bin := sizeclass.Bin{Size: 32, Allocator: sizeclass.Segregated, UseBinmap: true, AllocCount: 4}
	e, _, _ := newTestEngine(t, bin, uint64(bin.Size)*uint64(bin.AllocCount)*2)

	var ptrs []uintptr
	for i := 0; i < 4; i++ {
		ptr, err := e.Allocate(bin)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	b := e.bins[bin.Size]
	require.True(t, b.partial.Empty(), "chunk became full, must have left the partial list")
	require.Equal(t, 1, b.full.Len())

	e.Deallocate(ptrs[0], bin)
	require.Equal(t, 1, b.partial.Len(), "freeing one slot returns the chunk to partial")
	require.True(t, b.full.Empty())

	for _, ptr := range ptrs[1:] {
		e.Deallocate(ptr, bin)
	}
	require.True(t, b.partial.Empty(), "emptied chunk leaves partial for cachedEmpty")
	require.Equal(t, 1, b.cachedEmpty.Len())
}

// A bin with AllocCount==1 (sizeclass.Build picks this for the largest
// segregated sizes under the default chunk budget) goes full and empty
// in the same Deallocate call: wasFull and used==0 are both true, so
// both transitions must apply, not just the first one matched.
func TestSingleSlotChunkGoesFullToEmptyInOneFree(t *testing.T) {
	bin := sizeclass.Bin{Size: 8192, Allocator: sizeclass.Segregated, UseBinmap: true, AllocCount: 1}
	e, _, _ := newTestEngine(t, bin, uint64(bin.Size)*uint64(bin.AllocCount)*2)

	ptr, err := e.Allocate(bin)
	require.NoError(t, err)

	b := e.bins[bin.Size]
	require.True(t, b.partial.Empty(), "single-slot chunk became full on its only allocation")
	require.Equal(t, 1, b.full.Len())

	n := e.Deallocate(ptr, bin)
	require.Equal(t, uint32(8192), n)
	require.True(t, b.full.Empty(), "must have left full")
	require.True(t, b.partial.Empty(), "must not land on partial, it's already empty")
	require.Equal(t, 1, b.cachedEmpty.Len(), "must land directly on cachedEmpty")

	// The chunk must still be reusable afterward.
	ptr2, err := e.Allocate(bin)
	require.NoError(t, err)
	require.Equal(t, ptr, ptr2)
}

func TestSecondChunkChecksOutFromCursorWhenFirstIsFull(t *testing.T) {
	bin := sizeclass.Bin{Size: 16, Allocator: sizeclass.Segregated, UseBinmap: true, AllocCount: 2}
	e, _, base := newTestEngine(t, bin, uint64(bin.Size)*uint64(bin.AllocCount)*4)

	var ptrs []uintptr
	for i := 0; i < 4; i++ {
		ptr, err := e.Allocate(bin)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	b := e.bins[bin.Size]
	require.Equal(t, uint32(2), b.cursor, "two chunks of AllocCount=2 checked out to serve four allocations")
	require.True(t, ptrs[2] >= base+uintptr(b.chunkBytes), "third allocation must land in the second chunk")
}
