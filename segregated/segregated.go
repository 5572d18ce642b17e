// Package segregated implements the segregated chunk engine of spec
// §4.2: each configured Segregated bin owns a disjoint address sub-range
// ("superchunk") sliced into fixed-size chunks, each chunk packing
// bin.AllocCount same-size slots tracked by a binmap.Map.
//
// Grounded on original_source's x_strategy_fsa_small.cpp: xpages_t's
// alloc_page (free-page list, else bump cursor) is the superchunk's chunk
// checkout; its xpage_t free-list/cursor pair inside one page is the slot
// checkout this package replaces with binmap.Map per spec's explicit
// two-level-bitmap requirement (§2 item 4, §4.2's "Key algorithms"). The
// file's three-tier checkout language ("cached-empty, then free-list of
// returned slots, then cursor") collapses to the two tiers
// x_strategy_fsa_small.cpp actually implements — a list of returned
// chunks and a high-water cursor — the same simplification sizeclass
// already made for an ambiguous piece of spec prose.
package segregated

import (
	"errors"

	"github.com/cloudfly/vmalloc/internal/binmap"
	"github.com/cloudfly/vmalloc/internal/fixalloc"
	"github.com/cloudfly/vmalloc/internal/list"
	"github.com/cloudfly/vmalloc/pagecommit"
	"github.com/cloudfly/vmalloc/sizeclass"
	"github.com/cloudfly/vmalloc/vmem"
)

// ErrOutOfChunks is returned when a bin's superchunk sub-range has no
// chunk left to check out (every chunk is active-full and the cursor has
// reached the sub-range's end).
var ErrOutOfChunks = errors.New("segregated: out of chunks")

// Config configures one Engine instance (spec §6's per-sub-allocator
// address range and commit-proxy region size, specialised to this
// engine).
type Config struct {
	Base          uintptr
	AddressRange  uint64
	Bins          []sizeclass.Bin // must all have Allocator == sizeclass.Segregated
	RegionSize    uint64
	MaxCacheCount int
	// MapArenaChunk sizes internal/fixalloc's chunk growth for pooled
	// binmap.Map values; 0 picks the arena's own default.
	MapArenaChunk int
}

// chunk is one fixed-size slice of a bin's superchunk sub-range. node is
// shared by the partial/full/cachedEmpty lists — safe because a chunk is
// a member of at most one of them at any time (the state machine never
// puts a chunk in two lists simultaneously).
type chunk struct {
	node   list.Node
	base   uintptr
	slots  *binmap.Map
	mapIdx uint32
	used   uint16
}

// binState is the per-bin superchunk: its chunk array (index == chunk's
// position in the sub-range, so pointer arithmetic on an allocated
// address recovers the chunk index directly) plus the three chunk lists
// spec §4.2's state machine moves chunks between.
type binState struct {
	bin         sizeclass.Bin
	base        uintptr
	rangeSize   uint64 // full sub-range allotted to this bin, for BinFor
	chunkBytes  uint64
	numChunks   uint32
	chunks      []chunk
	partial     list.List
	full        list.List
	cachedEmpty list.List
	cursor      uint32
}

func (b *binState) Node(i uint32) *list.Node { return &b.chunks[i].node }

// Engine is the segregated chunk engine: one binState per configured
// Segregated bin, sharing one commit proxy across the whole address
// range (spec §4.5 wraps "any content engine" the same way regardless of
// how many bins it serves).
type Engine struct {
	commit *pagecommit.Proxy
	maps   *fixalloc.Arena[binmap.Map]
	base   uintptr
	bins   map[uint32]*binState // keyed by bin.Size
}

// New partitions cfg.AddressRange evenly across cfg.Bins and wraps the
// whole range in one pagecommit.Proxy.
func New(vm vmem.Reserver, cfg Config) *Engine {
	if len(cfg.Bins) == 0 {
		panic("segregated: no bins configured")
	}
	perBin := cfg.AddressRange / uint64(len(cfg.Bins))
	perBin -= perBin % cfg.RegionSize

	e := &Engine{
		base: cfg.Base,
		bins: make(map[uint32]*binState, len(cfg.Bins)),
		maps: fixalloc.New[binmap.Map](cfg.MapArenaChunk),
	}
	e.commit = pagecommit.New(vm, pagecommit.Config{
		Base:          cfg.Base,
		AddressRange:  perBin * uint64(len(cfg.Bins)),
		RegionSize:    cfg.RegionSize,
		MaxCacheCount: cfg.MaxCacheCount,
	})

	addr := cfg.Base
	for _, bin := range cfg.Bins {
		if bin.Allocator != sizeclass.Segregated {
			panic("segregated: non-Segregated bin in Config.Bins")
		}
		chunkBytes := uint64(bin.Size) * uint64(bin.AllocCount)
		if chunkBytes == 0 {
			panic("segregated: bin has zero chunk size")
		}
		numChunks := uint32(perBin / chunkBytes)
		if numChunks == 0 {
			numChunks = 1
			chunkBytes = perBin
		}
		b := &binState{
			bin:         bin,
			base:        addr,
			rangeSize:   perBin,
			chunkBytes:  chunkBytes,
			numChunks:   numChunks,
			chunks:      make([]chunk, numChunks),
			partial:     list.NewEmpty(),
			full:        list.NewEmpty(),
			cachedEmpty: list.NewEmpty(),
		}
		for i := range b.chunks {
			b.chunks[i].base = addr + uintptr(uint64(i)*chunkBytes)
		}
		e.bins[bin.Size] = b
		addr += uintptr(perBin)
	}
	return e
}

// checkout finds (or creates) a chunk with at least one free slot,
// linked into b.partial, per spec §4.2's superchunk checkout algorithm.
func (e *Engine) checkout(b *binState) (uint32, error) {
	if h := b.partial.Head(); h != list.Nil {
		return h, nil
	}

	var idx uint32
	if i := b.cachedEmpty.PopFront(b); i != list.Nil {
		idx = i
	} else if b.cursor < b.numChunks {
		idx = b.cursor
		b.cursor++
	} else {
		return 0, ErrOutOfChunks
	}

	c := &b.chunks[idx]
	mapIdx, m := e.maps.Alloc()
	m.Reset(int(b.bin.AllocCount))
	c.mapIdx = mapIdx
	c.slots = m
	c.used = 0
	b.partial.PushFront(b, idx)
	return idx, nil
}

// Allocate serves one slot of the given bin size, committing its backing
// page(s) through the shared commit proxy. bin must be the exact Bin
// sizeclass.Table routed the request to.
func (e *Engine) Allocate(bin sizeclass.Bin) (uintptr, error) {
	b, ok := e.bins[bin.Size]
	if !ok {
		panic("segregated: bin not configured on this engine")
	}

	idx, err := e.checkout(b)
	if err != nil {
		return 0, err
	}
	c := &b.chunks[idx]

	slot := c.slots.FindAndSet()
	c.used++
	ptr := c.base + uintptr(slot)*uintptr(b.bin.Size)

	becameFull := c.used == b.bin.AllocCount
	if becameFull {
		b.partial.Remove(b, idx)
		b.full.PushFront(b, idx)
	}

	if err := e.commit.Track(ptr, b.bin.Size); err != nil {
		// Roll back the slot claim; the caller sees out-of-memory, not a
		// leaked binmap bit.
		c.slots.Clear(slot)
		c.used--
		if becameFull {
			b.full.Remove(b, idx)
			b.partial.PushFront(b, idx)
		}
		return 0, err
	}
	return ptr, nil
}

// Deallocate returns ptr (previously returned by Allocate for this exact
// bin size) to its chunk, moving the chunk between the full/partial/
// cached-empty lists per spec §4.2's state machine.
func (e *Engine) Deallocate(ptr uintptr, bin sizeclass.Bin) uint32 {
	b, ok := e.bins[bin.Size]
	if !ok {
		panic("segregated: bin not configured on this engine")
	}

	chunkIdx := uint32((uint64(ptr) - uint64(b.base)) / b.chunkBytes)
	c := &b.chunks[chunkIdx]
	slot := int((ptr - c.base) / uintptr(b.bin.Size))

	wasFull := c.used == b.bin.AllocCount
	c.slots.Clear(slot)
	c.used--

	e.commit.Untrack(ptr, b.bin.Size)

	if wasFull {
		b.full.Remove(b, chunkIdx)
		b.partial.PushFront(b, chunkIdx)
	}
	if c.used == 0 {
		b.partial.Remove(b, chunkIdx)
		e.maps.Free(c.mapIdx)
		c.slots = nil
		b.cachedEmpty.PushFront(b, chunkIdx)
	}
	return uint32(b.bin.Size)
}

// Release decommits every region this engine's proxy still holds cached.
func (e *Engine) Release() error { return e.commit.Release() }

// BinFor reports which configured bin owns ptr, so a caller that only
// has an address (the router's Deallocate) can recover the Bin it must
// pass back into Deallocate. Returns false if ptr falls outside every
// bin's sub-range.
func (e *Engine) BinFor(ptr uintptr) (sizeclass.Bin, bool) {
	for _, b := range e.bins {
		if ptr >= b.base && ptr < b.base+uintptr(b.rangeSize) {
			return b.bin, true
		}
	}
	return sizeclass.Bin{}, false
}
