package largefsa

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudfly/vmalloc/sizeclass"
	"github.com/cloudfly/vmalloc/vmem/vmemtest"
)

func newTestEngine(t *testing.T, tiers []uint32, addressRange uint64, slotsPerBlock uint32) (*Engine, *vmemtest.Fake, uintptr) {
	t.Helper()
	vm := vmemtest.New(4096)
	base, err := vm.Reserve(addressRange)
	require.NoError(t, err)
	e := New(vm, Config{
		Base:          base,
		AddressRange:  addressRange,
		Tiers:         tiers,
		RegionSize:    1 << 16,
		MaxCacheCount: 4,
		SlotsPerBlock: slotsPerBlock,
	})
	return e, vm, base
}

// spec §8's large-engine packing scenario, specialised to a single tier:
// slotsPerBlock (16) exact-tier-size allocations filling one block,
// checking each address lands exactly base+i*tierSize apart within it.
func TestExactTierSizeAllocationsPackContiguously(t *testing.T) {
	const tier = 64 << 10
	const slotsPerBlock = 16
	bin := sizeclass.Bin{Size: tier, Allocator: sizeclass.LargeFSA}
	e, _, base := newTestEngine(t, []uint32{tier}, uint64(tier)*slotsPerBlock, slotsPerBlock)

	var ptrs []uintptr
	for i := 0; i < slotsPerBlock; i++ {
		ptr, err := e.Allocate(bin, tier)
		require.NoError(t, err)
		require.Equal(t, base+uintptr(i)*uintptr(tier), ptr)
		ptrs = append(ptrs, ptr)
	}

	_, err := e.Allocate(bin, tier)
	require.ErrorIs(t, err, ErrOutOfBlocks, "single block exhausted, no second block fits this range")

	for _, ptr := range ptrs {
		freed := e.Deallocate(ptr, bin)
		require.Equal(t, uint32(tier), freed)
	}

	ptr, err := e.Allocate(bin, tier)
	require.NoError(t, err)
	require.Equal(t, base, ptr, "emptied block recycled from the front of cachedEmpty")
}

// A request smaller than its tier's slot size still occupies a full
// slot's address span, but Deallocate must report only the bytes
// actually requested (the per-slot payload), not the slot's full size.
func TestPartialRequestReportsExactBytesFreed(t *testing.T) {
	const tier = 128 << 10
	bin := sizeclass.Bin{Size: tier, Allocator: sizeclass.LargeFSA}
	e, _, _ := newTestEngine(t, []uint32{tier}, uint64(tier)*8, 8)

	ptr, err := e.Allocate(bin, 70<<10)
	require.NoError(t, err)
	freed := e.Deallocate(ptr, bin)
	require.Equal(t, uint32(70<<10), freed)
}

func TestPartialFullCachedEmptyTransitions(t *testing.T) {
	const tier = 64 << 10
	bin := sizeclass.Bin{Size: tier, Allocator: sizeclass.LargeFSA}
	e, _, _ := newTestEngine(t, []uint32{tier}, uint64(tier)*4, 4)

	var ptrs []uintptr
	for i := 0; i < 4; i++ {
		ptr, err := e.Allocate(bin, tier)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	tr := e.tiers[tier]
	require.True(t, tr.partial.Empty(), "block became full, must have left partial")
	require.Equal(t, 1, tr.full.Len())

	e.Deallocate(ptrs[0], bin)
	require.Equal(t, 1, tr.partial.Len())
	require.True(t, tr.full.Empty())

	for _, ptr := range ptrs[1:] {
		e.Deallocate(ptr, bin)
	}
	require.True(t, tr.partial.Empty())
	require.Equal(t, 1, tr.cachedEmpty.Len())
}

// A block with SlotsPerBlock==1 (a user-configurable Config field) goes
// full and empty in the same Deallocate call: wasFull and used==0 are
// both true, so both transitions must apply, not just the first matched.
func TestSingleSlotBlockGoesFullToEmptyInOneFree(t *testing.T) {
	const tier = 64 << 10
	bin := sizeclass.Bin{Size: tier, Allocator: sizeclass.LargeFSA}
	e, _, _ := newTestEngine(t, []uint32{tier}, uint64(tier)*4, 1)

	ptr, err := e.Allocate(bin, tier)
	require.NoError(t, err)

	tr := e.tiers[tier]
	require.True(t, tr.partial.Empty(), "single-slot block became full on its only allocation")
	require.Equal(t, 1, tr.full.Len())

	freed := e.Deallocate(ptr, bin)
	require.Equal(t, uint32(tier), freed)
	require.True(t, tr.full.Empty(), "must have left full")
	require.True(t, tr.partial.Empty(), "must not land on partial, it's already empty")
	require.Equal(t, 1, tr.cachedEmpty.Len(), "must land directly on cachedEmpty")

	ptr2, err := e.Allocate(bin, tier)
	require.NoError(t, err)
	require.Equal(t, ptr, ptr2)
}

func TestMultipleTiersAreIndependent(t *testing.T) {
	small := sizeclass.Bin{Size: 8 << 10, Allocator: sizeclass.LargeFSA, Tier: 0}
	large := sizeclass.Bin{Size: 64 << 10, Allocator: sizeclass.LargeFSA, Tier: 1}
	e, _, _ := newTestEngine(t, []uint32{small.Size, large.Size}, uint64(small.Size)*8+uint64(large.Size)*8, 8)

	p1, err := e.Allocate(small, small.Size)
	require.NoError(t, err)
	p2, err := e.Allocate(large, large.Size)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)

	require.Equal(t, uint32(small.Size), e.Deallocate(p1, small))
	require.Equal(t, uint32(large.Size), e.Deallocate(p2, large))
}
