// Package coalesce implements the coalescing engine of spec §4.3: one
// contiguous sub-range is carved into variable-size free/used nodes, with
// eager neighbour merging on every free.
//
// Grounded on original_source's x_strategy_coalesce.cpp for the split/
// merge/insert/remove sequence itself, and on x_size_db.cpp for the
// size-bucket occupancy idea — though not its exact shape. x_size_db.cpp
// buckets free addresses under a size index using a two-level bitset
// with no tree at all; spec §4.3 instead asks for "that bucket's
// size-tree" (explicit tree language, and the invariant "the bitset bit
// for bucket k is set iff the corresponding size-tree is non-empty"
// names a tree per bucket), so this package keeps x_size_db.cpp's
// power-of-two bucketing idea but gives each bucket its own
// internal/rbtree.Tree ordered by (size, address) rather than a raw
// address bitset. Because a coalescing sub-range never needs more than
// a few dozen size buckets (one per power-of-two decade up to the
// sub-range size, nowhere near binmap.MaxSlots), the occupancy summary
// itself is a single uint64 bitmask rather than a second
// internal/binmap.Map — the same find-first-bit trick binmap uses,
// degenerated to its one-level case because the slot count here is tiny.
package coalesce

import (
	"errors"
	"math/bits"

	"github.com/cloudfly/vmalloc/internal/fixalloc"
	"github.com/cloudfly/vmalloc/internal/list"
	"github.com/cloudfly/vmalloc/internal/rbtree"
	"github.com/cloudfly/vmalloc/pagecommit"
	"github.com/cloudfly/vmalloc/vmem"
)

// ErrOutOfSpace is returned when no free node in the engine's sub-range
// can satisfy a request.
var ErrOutOfSpace = errors.New("coalesce: out of space")

const numBuckets = 64

// freeNode is one contiguous run of address space, either free (sitting
// in its size bucket's tree, available to satisfy a future Allocate) or
// used (reachable only through the address tree and chain). It carries
// two independent rbtree.Node link triples and colour bits because a
// free node is simultaneously a member of the address tree and exactly
// one size-bucket tree.
type freeNode struct {
	listNode  list.Node
	addrNode  rbtree.Node
	sizeNode  rbtree.Node
	addr      uintptr
	size      uint64
	free      bool
	addrColor rbtree.Color
	sizeColor rbtree.Color
}

type addrOrdering struct{ nodes *fixalloc.Arena[freeNode] }

func (o addrOrdering) Node(i uint32) *rbtree.Node     { return &o.nodes.At(i).addrNode }
func (o addrOrdering) Less(a, b uint32) bool          { return o.nodes.At(a).addr < o.nodes.At(b).addr }
func (o addrOrdering) LessKey(key rbtree.Key, b uint32) bool {
	return key.(uintptr) < o.nodes.At(b).addr
}
func (o addrOrdering) EqualKey(key rbtree.Key, b uint32) bool {
	return key.(uintptr) == o.nodes.At(b).addr
}
func (o addrOrdering) Color(i uint32) rbtree.Color        { return o.nodes.At(i).addrColor }
func (o addrOrdering) SetColor(i uint32, c rbtree.Color)  { o.nodes.At(i).addrColor = c }

// sizeKey orders (size, address) lexicographically: "smallest-size,
// lowest-address" per spec §4.3's allocate algorithm.
type sizeKey struct {
	size uint64
	addr uintptr
}

type sizeOrdering struct{ nodes *fixalloc.Arena[freeNode] }

func (o sizeOrdering) Node(i uint32) *rbtree.Node { return &o.nodes.At(i).sizeNode }
func (o sizeOrdering) Less(a, b uint32) bool {
	na, nb := o.nodes.At(a), o.nodes.At(b)
	if na.size != nb.size {
		return na.size < nb.size
	}
	return na.addr < nb.addr
}
func (o sizeOrdering) LessKey(key rbtree.Key, b uint32) bool {
	k := key.(sizeKey)
	nb := o.nodes.At(b)
	if k.size != nb.size {
		return k.size < nb.size
	}
	return k.addr < nb.addr
}
func (o sizeOrdering) EqualKey(key rbtree.Key, b uint32) bool {
	k := key.(sizeKey)
	nb := o.nodes.At(b)
	return k.size == nb.size && k.addr == nb.addr
}
func (o sizeOrdering) Color(i uint32) rbtree.Color       { return o.nodes.At(i).sizeColor }
func (o sizeOrdering) SetColor(i uint32, c rbtree.Color) { o.nodes.At(i).sizeColor = c }

// Config configures one Engine instance over a disjoint sub-range of the
// top-level address space (spec §6).
type Config struct {
	Base          uintptr
	AddressRange  uint64
	RegionSize    uint64
	MaxCacheCount int
	// Step is the alignment granularity every request and every free
	// node's size is rounded to.
	Step uint32
	// MinSplit is the minimum worthwhile remainder size (spec §4.3,
	// "more than the minimum allocation size"); a fit smaller than this
	// over the request is handed over whole instead of split.
	MinSplit uint32
	// NodeArenaChunk sizes internal/fixalloc's chunk growth for the
	// free-node arena; 0 picks the arena's own default.
	NodeArenaChunk int
}

// Engine is the coalescing engine: one free-node arena, an address tree
// plus address-order chain spanning every node (free or used), and
// numBuckets size-bucket trees holding only free nodes.
type Engine struct {
	commit *pagecommit.Proxy
	nodes  *fixalloc.Arena[freeNode]

	addrTree rbtree.Tree
	addrOrd  addrOrdering
	sizeOrd  sizeOrdering
	buckets  [numBuckets]rbtree.Tree
	occupied uint64

	chain list.List

	base      uintptr
	rangeSize uint64
	step      uint32
	minSplit  uint32
}

// Node satisfies list.Nodes for the address-order chain.
func (e *Engine) Node(i uint32) *list.Node { return &e.nodes.At(i).listNode }

// New manages cfg.AddressRange, already reserved by the caller at
// cfg.Base, as one engine sub-range, starting as a single free node
// spanning it entirely.
func New(vm vmem.Reserver, cfg Config) *Engine {
	if cfg.AddressRange == 0 {
		panic("coalesce: zero AddressRange")
	}
	step := cfg.Step
	if step == 0 {
		step = 16
	}
	minSplit := cfg.MinSplit
	if minSplit == 0 {
		minSplit = step
	}

	e := &Engine{
		nodes:     fixalloc.New[freeNode](cfg.NodeArenaChunk),
		chain:     list.NewEmpty(),
		base:      cfg.Base,
		rangeSize: cfg.AddressRange,
		step:      step,
		minSplit:  minSplit,
	}
	e.addrOrd = addrOrdering{nodes: e.nodes}
	e.sizeOrd = sizeOrdering{nodes: e.nodes}
	e.addrTree = *rbtree.New()
	for i := range e.buckets {
		e.buckets[i] = *rbtree.New()
	}
	e.commit = pagecommit.New(vm, pagecommit.Config{
		Base:          cfg.Base,
		AddressRange:  cfg.AddressRange,
		RegionSize:    cfg.RegionSize,
		MaxCacheCount: cfg.MaxCacheCount,
	})

	idx, n := e.nodes.Alloc()
	n.addr = cfg.Base
	n.size = cfg.AddressRange
	e.addrTree.Insert(e.addrOrd, idx)
	e.chain.PushBack(e, idx)
	e.insertFree(idx)
	return e
}

func alignUp(v, step uint32) uint32 {
	if step <= 1 {
		return v
	}
	return (v + step - 1) / step * step
}

func (e *Engine) bucketOf(size uint64) int {
	if size < 1 {
		size = 1
	}
	bk := bits.Len64(size) - 1
	if bk >= numBuckets {
		bk = numBuckets - 1
	}
	return bk
}

// findBucketAtLeast returns the smallest non-empty bucket index >= b, or
// -1 if none — the size-bucket occupancy bitset's O(1) query.
func (e *Engine) findBucketAtLeast(b int) int {
	if b >= numBuckets {
		return -1
	}
	mask := e.occupied &^ ((uint64(1) << uint(b)) - 1)
	if mask == 0 {
		return -1
	}
	return bits.TrailingZeros64(mask)
}

func (e *Engine) insertFree(idx uint32) {
	n := e.nodes.At(idx)
	n.free = true
	b := e.bucketOf(n.size)
	wasEmpty := e.buckets[b].Empty()
	e.buckets[b].Insert(e.sizeOrd, idx)
	if wasEmpty {
		e.occupied |= uint64(1) << uint(b)
	}
}

// removeFree unlinks idx from its size-bucket tree. size must be the
// node's size at the time it was inserted (callers must capture it
// before mutating n.size).
func (e *Engine) removeFree(idx uint32, size uint64) {
	b := e.bucketOf(size)
	e.buckets[b].Remove(e.sizeOrd, idx)
	if e.buckets[b].Empty() {
		e.occupied &^= uint64(1) << uint(b)
	}
}

func (e *Engine) discard(idx uint32) {
	e.addrTree.Remove(e.addrOrd, idx)
	e.chain.Remove(e, idx)
	e.nodes.Free(idx)
}

// split carves req bytes off the front of idx, inserting a new free node
// for the remainder immediately after it in the address chain.
func (e *Engine) split(idx uint32, req, remainder uint64) {
	n := e.nodes.At(idx)
	newAddr := n.addr + uintptr(req)
	n.size = req

	sIdx, s := e.nodes.Alloc()
	s.addr = newAddr
	s.size = remainder
	e.chain.InsertAfter(e, idx, sIdx)
	e.addrTree.Insert(e.addrOrd, sIdx)
	e.insertFree(sIdx)
}

// unsplit reverses split: merges the free node immediately following idx
// back into it. Used only to roll back a commit failure.
func (e *Engine) unsplit(idx uint32) {
	sIdx := list.Next(e, idx)
	s := e.nodes.At(sIdx)
	e.removeFree(sIdx, s.size)
	n := e.nodes.At(idx)
	n.size += s.size
	e.discard(sIdx)
}

// Allocate finds the smallest-size, lowest-address free node that fits
// size (rounded up to the engine's step and to alignment), splitting off
// any remainder larger than MinSplit, per spec §4.3.
func (e *Engine) Allocate(size, alignment uint32) (uintptr, error) {
	req := uint64(alignUp(size, e.step))
	if alignment > e.step {
		req = uint64(alignUp(uint32(req), alignment))
	}
	if req == 0 {
		req = uint64(e.step)
	}

	startBucket := e.bucketOf(req)
	idx := rbtree.Nil
	for b := startBucket; ; {
		bb := e.findBucketAtLeast(b)
		if bb < 0 {
			return 0, ErrOutOfSpace
		}
		idx = e.buckets[bb].FindUpperBound(e.sizeOrd, sizeKey{size: req})
		if idx != rbtree.Nil {
			break
		}
		b = bb + 1
	}

	n := e.nodes.At(idx)
	oldSize := n.size
	e.removeFree(idx, oldSize)
	n.free = false

	usedSize := oldSize
	didSplit := oldSize-req > uint64(e.minSplit)
	if didSplit {
		e.split(idx, req, oldSize-req)
		usedSize = req
	}

	if err := e.commit.Track(n.addr, uint32(usedSize)); err != nil {
		if didSplit {
			e.unsplit(idx)
		}
		n.size = oldSize
		e.insertFree(idx)
		return 0, err
	}
	return n.addr, nil
}

// Deallocate locates ptr in the address tree and merges it with any
// free neighbour in the address-order chain, per spec §4.3's four-way
// case analysis.
func (e *Engine) Deallocate(ptr uintptr) uint32 {
	idx := e.addrTree.Find(e.addrOrd, ptr)
	if idx == rbtree.Nil {
		panic("coalesce: free of pointer not owned by this engine")
	}
	n := e.nodes.At(idx)
	if n.free {
		panic("coalesce: double free")
	}
	freedSize := n.size
	e.commit.Untrack(n.addr, uint32(freedSize))

	prevIdx := list.Prev(e, idx)
	nextIdx := list.Next(e, idx)
	prevFree := prevIdx != list.Nil && e.nodes.At(prevIdx).free
	nextFree := nextIdx != list.Nil && e.nodes.At(nextIdx).free

	switch {
	case prevFree && nextFree:
		p := e.nodes.At(prevIdx)
		nx := e.nodes.At(nextIdx)
		e.removeFree(prevIdx, p.size)
		e.removeFree(nextIdx, nx.size)
		p.size += n.size + nx.size
		e.discard(nextIdx)
		e.discard(idx)
		e.insertFree(prevIdx)
	case prevFree:
		p := e.nodes.At(prevIdx)
		e.removeFree(prevIdx, p.size)
		p.size += n.size
		e.discard(idx)
		e.insertFree(prevIdx)
	case nextFree:
		nx := e.nodes.At(nextIdx)
		e.removeFree(nextIdx, nx.size)
		n.size += nx.size
		e.discard(nextIdx)
		e.insertFree(idx)
	default:
		e.insertFree(idx)
	}
	return uint32(freedSize)
}

// Release decommits every region this engine's proxy still holds cached.
func (e *Engine) Release() error { return e.commit.Release() }
