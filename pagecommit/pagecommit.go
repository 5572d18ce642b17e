// Package pagecommit implements the page commit/decommit regions-with-
// cache proxy of spec §4.5: a thin layer between a content engine and the
// OS virtual-memory interface that tracks, per fixed-size region of the
// engine's address range, how many live allocations currently touch it,
// committing a region's pages on its 0→1 transition and decommitting (by
// way of a bounded LRU cache of recently-emptied regions) on its last
// reference going away.
//
// Grounded on original_source's x_strategy_page_vcd_regions_cached.cpp:
// the commit_region/decommit_region pair and their "span exactly one or
// two regions" case analysis are carried over directly; the C++ source's
// alloc_t subclass (wrapping an inner allocator's v_allocate/v_deallocate)
// is restructured here as a pair of Track/Untrack hooks a content engine
// calls around its own pointer-producing logic, which composes more
// naturally than subclassing a shared allocate/deallocate interface in Go.
package pagecommit

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/cloudfly/vmalloc/internal/list"
	"github.com/cloudfly/vmalloc/vmem"
)

// Proxy commits/decommits pages of a single engine's address sub-range in
// region_size chunks, as allocations within it come and go.
type Proxy struct {
	vm       vmem.Reserver
	base     uintptr
	regSize  uint64
	numRegs  uint32
	pageSize uint32
	maxCache int

	refcount []uint16
	cache    list.List
	nodes    []list.Node // one per region, indexed by region index
	cached   []bool      // whether region i currently sits in the cache
}

// Config bounds the regions a Proxy manages (spec §6's allocator_table
// "region size for commit-proxy, LRU cache cap", specialised to one
// engine's sub-range).
type Config struct {
	Base          uintptr
	AddressRange  uint64
	RegionSize    uint64
	MaxCacheCount int
}

// New constructs a Proxy over vm for the given sub-range. AddressRange
// must be an exact multiple of RegionSize.
func New(vm vmem.Reserver, cfg Config) *Proxy {
	if cfg.RegionSize == 0 || cfg.AddressRange%cfg.RegionSize != 0 {
		panic("pagecommit: AddressRange must be an exact multiple of RegionSize")
	}
	numRegs := uint32(cfg.AddressRange / cfg.RegionSize)
	p := &Proxy{
		vm:       vm,
		base:     cfg.Base,
		regSize:  cfg.RegionSize,
		numRegs:  numRegs,
		pageSize: vm.PageSize(),
		maxCache: cfg.MaxCacheCount,
		refcount: make([]uint16, numRegs),
		cache:    list.NewEmpty(),
		nodes:    make([]list.Node, numRegs),
		cached:   make([]bool, numRegs),
	}
	return p
}

func (p *Proxy) Node(i uint32) *list.Node { return &p.nodes[i] }

func (p *Proxy) regionIndex(addr uintptr) uint32 {
	return uint32((uint64(addr) - uint64(p.base)) / p.regSize)
}

// Track records a freshly-handed-out span [ptr, ptr+size), bumping the
// refcount of every region it touches (one or two, per spec's invariant
// that no single allocation can span more than two regions) and
// committing any region whose count transitions 0→1. If committing fails,
// Track returns an error and the caller must roll back its own inner
// allocation before surfacing the commit failure to its own caller
// (spec §7, commit failure).
func (p *Proxy) Track(ptr uintptr, size uint32) error {
	left := p.regionIndex(ptr)
	right := p.regionIndex(ptr + uintptr(size) - 1)
	if right >= p.numRegs {
		right = p.numRegs - 1
	}

	if left == right {
		wasZero := p.refcount[left] == 0
		p.refcount[left]++
		if wasZero {
			return p.commitRegions(left, 1)
		}
		return nil
	}

	if right != left+1 {
		panic("pagecommit: allocation spans more than two regions")
	}
	leftWasZero := p.refcount[left] == 0
	rightWasZero := p.refcount[right] == 0
	p.refcount[left]++
	p.refcount[right]++
	switch {
	case leftWasZero && !rightWasZero:
		return p.commitRegions(left, 1)
	case leftWasZero && rightWasZero:
		return p.commitRegions(left, 2)
	case !leftWasZero && rightWasZero:
		return p.commitRegions(right, 1)
	default:
		return nil
	}
}

// Untrack reverses Track for a span being freed, decrementing refcounts
// and queuing any region whose count drops to zero for decommit (via the
// LRU cache). Decommit failures are swallowed per spec §7 ("decommit
// failure is never surfaced").
func (p *Proxy) Untrack(ptr uintptr, size uint32) {
	left := p.regionIndex(ptr)
	right := p.regionIndex(ptr + uintptr(size) - 1)
	if right >= p.numRegs {
		right = p.numRegs - 1
	}

	if left == right {
		p.refcount[left]--
		if p.refcount[left] == 0 {
			p.decommitRegions(left, 1)
		}
		return
	}

	if right != left+1 {
		panic("pagecommit: allocation spans more than two regions")
	}
	p.refcount[left]--
	p.refcount[right]--
	switch {
	case p.refcount[left] == 0 && p.refcount[right] > 0:
		p.decommitRegions(left, 1)
	case p.refcount[left] == 0 && p.refcount[right] == 0:
		p.decommitRegions(left, 2)
	case p.refcount[left] > 0 && p.refcount[right] == 0:
		p.decommitRegions(right, 1)
	}
}

// commitRegions commits count consecutive regions starting at index,
// first pulling any of them out of the cache of recently-emptied (still
// physically backed) regions instead of re-committing them from scratch.
func (p *Proxy) commitRegions(index uint32, count uint32) error {
	regionPages := uint32(p.regSize / uint64(p.pageSize))

	if count == 1 {
		if p.cached[index] {
			p.uncache(index)
			return nil
		}
		return p.vm.Commit(p.base+uintptr(index)*uintptr(p.regSize), regionPages)
	}

	firstCached := p.cached[index]
	secondCached := p.cached[index+1]
	switch {
	case firstCached && secondCached:
		p.uncache(index)
		p.uncache(index + 1)
		return nil
	case firstCached && !secondCached:
		p.uncache(index)
		return p.vm.Commit(p.base+uintptr(index+1)*uintptr(p.regSize), regionPages)
	case !firstCached && secondCached:
		p.uncache(index + 1)
		return p.vm.Commit(p.base+uintptr(index)*uintptr(p.regSize), regionPages)
	default:
		return p.vm.Commit(p.base+uintptr(index)*uintptr(p.regSize), 2*regionPages)
	}
}

func (p *Proxy) uncache(index uint32) {
	p.cache.Remove(p, index)
	p.cached[index] = false
}

// decommitRegions queues count consecutive regions starting at index into
// the LRU cache, evicting (and actually decommitting) the oldest entries
// once the cache exceeds maxCache.
func (p *Proxy) decommitRegions(index uint32, count uint32) {
	for i := uint32(0); i < count; i++ {
		p.cache.PushBack(p, index+i)
		p.cached[index+i] = true
	}
	for p.cache.Len() > p.maxCache {
		region := p.cache.PopFront(p)
		if region == list.Nil {
			break
		}
		p.cached[region] = false
		p.decommitNow(region)
	}
}

func (p *Proxy) decommitNow(index uint32) error {
	regionPages := uint32(p.regSize / uint64(p.pageSize))
	addr := p.base + uintptr(index)*uintptr(p.regSize)
	return p.vm.Decommit(addr, regionPages)
}

// Release decommits every region still held in the cache. Decommit
// failures during release are aggregated (not aborted on first error) and
// returned together, since release continues regardless.
func (p *Proxy) Release() error {
	var errs error
	for p.cache.Len() > 0 {
		region := p.cache.PopFront(p)
		if region == list.Nil {
			break
		}
		p.cached[region] = false
		if err := p.decommitNow(region); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pagecommit: release region %d: %w", region, err))
		}
	}
	return errs
}

// CachedCount reports how many regions currently sit in the LRU cache
// (committed but unreferenced), for tests and diagnostics.
func (p *Proxy) CachedCount() int { return p.cache.Len() }
