package sizeclass

import "sort"

// TableConfig bounds the three content-engine zones of the generated Bin
// table (spec §6's per-sub-allocator size ranges, consolidated to one
// boundary pair since this module ships one instance of each engine).
type TableConfig struct {
	// MinSize is the smallest byte size the table represents; requests
	// below it round up to MinSize (spec §4.1, size==0 rounds to the
	// minimum bin).
	MinSize uint32
	// SegregatedMaxSize is the largest size routed to the segregated
	// chunk engine.
	SegregatedMaxSize uint32
	// CoalesceMaxSize is the largest size routed to the coalescing
	// engine; sizes above SegregatedMaxSize and at or below this route
	// there.
	CoalesceMaxSize uint32
	// LargeFSATiers lists the fixed-slot large engine's configured slot
	// sizes, ascending. A request above CoalesceMaxSize routes to the
	// smallest tier >= its rounded size.
	LargeFSATiers []uint32
	// ChunkBudget caps how large allocCountFor grows a segregated chunk
	// while looking for an acceptable waste bound; a chunk that meets the
	// bound earlier stays smaller. 0 means 1 MiB (see allocCountFor).
	ChunkBudget uint32
}

// Table is the immutable, precomputed size-class table of spec §3: every
// representable bin from cfg.MinSize up to the largest configured
// LargeFSA tier (or cfg.CoalesceMaxSize, if no LargeFSA tier is
// configured).
type Table struct {
	bins    []Bin
	minSize uint32
	maxSize uint32
}

// Build constructs a Table from cfg. Panics if cfg is internally
// inconsistent (non-ascending tiers, zero sizes) — a configuration
// error, not a runtime condition callers recover from.
func Build(cfg TableConfig) *Table {
	if cfg.MinSize == 0 {
		cfg.MinSize = 8
	}
	if cfg.SegregatedMaxSize == 0 || cfg.CoalesceMaxSize < cfg.SegregatedMaxSize {
		panic("sizeclass: bad TableConfig zone boundaries")
	}
	for i := 1; i < len(cfg.LargeFSATiers); i++ {
		if cfg.LargeFSATiers[i] <= cfg.LargeFSATiers[i-1] {
			panic("sizeclass: LargeFSATiers must be strictly ascending")
		}
	}

	maxSize := cfg.CoalesceMaxSize
	if n := len(cfg.LargeFSATiers); n > 0 {
		maxSize = cfg.LargeFSATiers[n-1]
	}

	t := &Table{minSize: cfg.MinSize, maxSize: maxSize}
	lastIdx := -1
	start := (cfg.MinSize + 3) &^ 3
	end := (maxSize + 3) &^ 3
	for size := start; size <= end; size += 4 {
		idx, canonical := indexForSize(size)
		if idx == lastIdx {
			continue
		}
		lastIdx = idx
		if canonical < cfg.MinSize {
			canonical = cfg.MinSize
		}
		t.bins = append(t.bins, binFor(canonical, cfg))
	}
	return t
}

func binFor(size uint32, cfg TableConfig) Bin {
	switch {
	case size <= cfg.SegregatedMaxSize:
		return Bin{
			Size:       size,
			Allocator:  Segregated,
			UseBinmap:  true,
			AllocCount: allocCountFor(size, cfg.ChunkBudget),
		}
	case size <= cfg.CoalesceMaxSize:
		return Bin{Size: size, Allocator: Coalesce}
	default:
		tier := 0
		for i, t := range cfg.LargeFSATiers {
			if t >= size {
				tier = i
				break
			}
		}
		return Bin{Size: cfg.LargeFSATiers[tier], Allocator: LargeFSA, Tier: uint16(tier)}
	}
}

// maxBinmapSlots mirrors binmap.MaxSlots without importing internal/binmap here
// (sizeclass has no dependency on the engines it routes to); kept in sync
// manually, checked by TestAllocCountNeverExceedsBinmapCapacity.
const maxBinmapSlots = 32 * 16 * 16

// allocCountFor picks how many same-size allocations one segregated
// chunk packs, grounded on the teacher's legacy/msize.go initSizes: grow
// the chunk a page at a time until its internal waste (allocsize % size)
// drops to at most one eighth of the chunk, the same bound the runtime's
// size-class table targets — stopping early once the chunk reaches
// chunkBudget, and capped so the slot count never exceeds the binmap's
// addressable range.
func allocCountFor(size, chunkBudget uint32) uint16 {
	const pageSize = 8192
	if chunkBudget == 0 {
		chunkBudget = 1 << 20
	}
	allocSize := pageSize
	for {
		count := allocSize / int(size)
		if count > maxBinmapSlots {
			allocSize -= pageSize
			count = allocSize / int(size)
			return uint16(count)
		}
		waste := allocSize % int(size)
		if waste*8 <= allocSize || uint32(allocSize) >= chunkBudget {
			return uint16(count)
		}
		allocSize += pageSize
	}
}

// Lookup returns the bin serving a request of the given byte size
// (already rounded up to the caller's required alignment), and whether
// the table has one — size beyond the table's maximum is out of range
// (spec §7, surfaced by the router as a nil/error return, not a panic).
// Per spec §4.1, this is "the smallest bin whose size is >= size".
func (t *Table) Lookup(size uint32) (Bin, bool) {
	if size < t.minSize {
		size = t.minSize
	}
	if size > t.maxSize {
		return Bin{}, false
	}
	i := sort.Search(len(t.bins), func(i int) bool { return t.bins[i].Size >= size })
	if i == len(t.bins) {
		return Bin{}, false
	}
	return t.bins[i], true
}

// Bins returns the table's entries in ascending size order, for router
// dispatch-coverage tests (spec §8 scenario 6) and diagnostics.
func (t *Table) Bins() []Bin {
	out := make([]Bin, len(t.bins))
	copy(out, t.bins)
	return out
}

// MaxSize is the largest byte size the table can route.
func (t *Table) MaxSize() uint32 { return t.maxSize }
