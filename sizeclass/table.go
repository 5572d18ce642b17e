// Package sizeclass implements the router's precomputed, immutable Bin
// table and the size→bin routing function of spec §3 and §4.1.
//
// Grounded on original_source's x_superalloc.cpp superbin_t::size2bin:
// spec.md's prose description of the routing formula drops a scaling
// factor (it compares a floor computed from size/4 against the original
// byte size); size2bin's literal, table-verified formula is followed
// instead, per the "follow what the original actually does" rule for
// ambiguous spec text. The four-linearly-spaced-bins-per-decade shape
// spec.md describes is exactly what this formula produces.
package sizeclass

import "math/bits"

// Engine identifies which content engine owns a Bin.
type Engine uint8

const (
	Segregated Engine = iota
	Coalesce
	LargeFSA
)

func (e Engine) String() string {
	switch e {
	case Segregated:
		return "segregated"
	case Coalesce:
		return "coalesce"
	case LargeFSA:
		return "largefsa"
	default:
		return "unknown"
	}
}

// Bin is one entry of the precomputed size-class table (spec §3).
type Bin struct {
	// Size is the exact byte size this bin serves; a request routes to
	// the smallest bin whose Size is >= the (alignment-rounded) request.
	Size uint32
	// Allocator is the content engine that owns this bin.
	Allocator Engine
	// UseBinmap is set for Segregated bins, distinguishing bitmap-managed
	// chunks from the page-count-managed chunks larger bins would use;
	// Coalesce/LargeFSA bins leave it false (neither is binmap-managed at
	// the router's bin-table level — binmap.Map is an implementation
	// detail private to the segregated chunk and the largefsa block).
	UseBinmap bool
	// AllocCount is the maximum number of allocations packed into one
	// Segregated chunk. Zero for Coalesce/LargeFSA bins.
	AllocCount uint16
	// Tier indexes into the LargeFSA engine list (TableConfig.LargeFSATiers)
	// for LargeFSA bins; meaningless otherwise.
	Tier uint16
}

// indexForSize computes the size2bin routing index for size, plus the
// canonical (rounded-up) size that index represents. Not every (t,r)
// slot is reachable at the smallest decades (step = 1<<t drops below
// the 4-byte alignment granularity for t<2, so some combinations never
// occur for any real input) — callers discover the table's actual bins
// by scanning sizes, not by inverting the index.
func indexForSize(size uint32) (idx int, canonical uint32) {
	size = (size + 3) &^ 3
	if size < 4 {
		size = 4
	}
	f := floorPow2(size)
	t := bits.Len32(f) - 1 - 2
	if t < 0 {
		t = 0
	}
	aligned := alignUp(size, uint32(1)<<uint(t))
	r := (aligned - f) >> uint(t)
	return (t << 2) + int(r), aligned
}

func floorPow2(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return uint32(1) << uint(bits.Len32(v)-1)
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
