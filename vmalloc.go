// Package vmalloc implements the router described in spec §4.1 and §6:
// a precomputed size-class table dispatching to one of three content
// engines (segregated chunk, coalescing, fixed-slot large), each backed
// by its own page commit/decommit proxy over a disjoint virtual-address
// sub-range.
//
// Grounded on legacy/malloc.go's mallocinit top-level dispatch shape
// (reserve the arena, build the size-class table, hand off to the
// per-size-class allocators) and legacy/msize.go's sizeToClass, adapted
// to route to three sub-engines instead of one central free-list tier.
package vmalloc

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cloudfly/vmalloc/coalesce"
	"github.com/cloudfly/vmalloc/largefsa"
	"github.com/cloudfly/vmalloc/segregated"
	"github.com/cloudfly/vmalloc/sizeclass"
	"github.com/cloudfly/vmalloc/vmem"
)

// Sentinel errors a caller can errors.Is against (spec §7's error
// kinds). Programmer errors (double free, free of a foreign pointer)
// are never among these — they panic, following the sub-engines' own
// panics.
var (
	ErrOutOfAddressSpace = errors.New("vmalloc: out of address space")
	ErrOutOfMetadata     = errors.New("vmalloc: out of metadata")
	ErrCommitFailed      = errors.New("vmalloc: commit failed")
	ErrInvalidAlignment  = errors.New("vmalloc: invalid alignment")
	ErrBadConfig         = errors.New("vmalloc: bad configuration")
)

// Allocator is the router of spec §4.1: a Table plus the three content
// engines it dispatches to.
type Allocator struct {
	table    *sizeclass.Table
	pageSize uint32
	log      *zap.SugaredLogger
	vm       vmem.Reserver

	segregated *segregated.Engine
	segBase    uintptr
	segRange   uint64

	coalesceE  *coalesce.Engine
	coalBase   uintptr
	coalRange  uint64

	largeE    *largefsa.Engine
	largeBase uintptr
	largeRange uint64
}

// New reserves each content engine's address sub-range through vm,
// builds the size-class table, and wires the three engines together —
// spec §6's `create(config, vmem) → allocator`.
func New(cfg Config, vm vmem.Reserver) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.logger()

	if vm.PageSize() != cfg.PageSize {
		return nil, fmt.Errorf("%w: Config.PageSize %d does not match Reserver.PageSize() %d", ErrBadConfig, cfg.PageSize, vm.PageSize())
	}

	table := sizeclass.Build(cfg.Bins)
	a := &Allocator{table: table, pageSize: cfg.PageSize, log: log, vm: vm}

	var segBins []sizeclass.Bin
	for _, b := range table.Bins() {
		if b.Allocator == sizeclass.Segregated {
			segBins = append(segBins, b)
		}
	}
	if len(segBins) > 0 {
		base, err := vm.Reserve(cfg.Segregated.AddressRange)
		if err != nil {
			return nil, fmt.Errorf("%w: segregated engine: %v", ErrOutOfAddressSpace, err)
		}
		a.segBase, a.segRange = base, cfg.Segregated.AddressRange
		a.segregated = segregated.New(vm, segregated.Config{
			Base:          base,
			AddressRange:  cfg.Segregated.AddressRange,
			Bins:          segBins,
			RegionSize:    cfg.Segregated.RegionSize,
			MaxCacheCount: cfg.Segregated.MaxCacheCount,
			MapArenaChunk: cfg.InternalFSAPresize,
		})
		log.Debugw("segregated engine reserved", "base", base, "range", cfg.Segregated.AddressRange, "bins", len(segBins))
	}

	coalBase, err := vm.Reserve(cfg.Coalesce.AddressRange)
	if err != nil {
		return nil, fmt.Errorf("%w: coalescing engine: %v", ErrOutOfAddressSpace, err)
	}
	a.coalBase, a.coalRange = coalBase, cfg.Coalesce.AddressRange
	a.coalesceE = coalesce.New(vm, coalesce.Config{
		Base:           coalBase,
		AddressRange:   cfg.Coalesce.AddressRange,
		RegionSize:     cfg.Coalesce.RegionSize,
		MaxCacheCount:  cfg.Coalesce.MaxCacheCount,
		Step:           cfg.Coalesce.Step,
		MinSplit:       cfg.Coalesce.MinSplit,
		NodeArenaChunk: cfg.InternalHeapPresize,
	})
	log.Debugw("coalescing engine reserved", "base", coalBase, "range", cfg.Coalesce.AddressRange)

	if len(cfg.Bins.LargeFSATiers) > 0 {
		base, err := vm.Reserve(cfg.LargeFSA.AddressRange)
		if err != nil {
			return nil, fmt.Errorf("%w: large engine: %v", ErrOutOfAddressSpace, err)
		}
		a.largeBase, a.largeRange = base, cfg.LargeFSA.AddressRange
		a.largeE = largefsa.New(vm, largefsa.Config{
			Base:          base,
			AddressRange:  cfg.LargeFSA.AddressRange,
			Tiers:         cfg.Bins.LargeFSATiers,
			RegionSize:    cfg.LargeFSA.RegionSize,
			MaxCacheCount: cfg.LargeFSA.MaxCacheCount,
			SlotsPerBlock: cfg.LargeFSA.SlotsPerBlock,
			MapArenaChunk: cfg.InternalFSAPresize,
		})
		log.Debugw("large engine reserved", "base", base, "range", cfg.LargeFSA.AddressRange, "tiers", cfg.Bins.LargeFSATiers)
	}

	return a, nil
}

// Allocate routes size (rounded up for alignment) to its bin and serves
// it from the owning content engine — spec §6's
// `allocate(size, alignment) → ptr | null`.
func (a *Allocator) Allocate(size, alignment uint32) (uintptr, error) {
	if alignment == 0 {
		alignment = 1
	}
	if alignment > a.pageSize {
		return 0, fmt.Errorf("%w: alignment %d exceeds page size %d", ErrInvalidAlignment, alignment, a.pageSize)
	}
	if size == 0 {
		size = 1
	}
	lookupSize := size
	if alignment > 1 {
		lookupSize = alignUp(size, alignment)
	}

	bin, ok := a.table.Lookup(lookupSize)
	if !ok {
		return 0, fmt.Errorf("%w: size %d exceeds the table's largest bin", ErrOutOfAddressSpace, size)
	}

	var ptr uintptr
	var err error
	switch bin.Allocator {
	case sizeclass.Segregated:
		ptr, err = a.segregated.Allocate(bin)
	case sizeclass.Coalesce:
		ptr, err = a.coalesceE.Allocate(bin.Size, alignment)
	case sizeclass.LargeFSA:
		ptr, err = a.largeE.Allocate(bin, size)
	default:
		panic("vmalloc: bin routed to an unknown engine")
	}
	if err != nil {
		a.log.Debugw("allocate failed", "size", size, "alignment", alignment, "bin", bin.Size, "engine", bin.Allocator.String(), "err", err)
		return 0, fmt.Errorf("%w: %v", classifyEngineError(err), err)
	}
	return ptr, nil
}

// Deallocate returns ptr to the engine that owns its address sub-range
// — spec §6's `deallocate(ptr) → bytes_freed`. Freeing a pointer never
// returned by Allocate is a programmer error and panics, per spec §7.
func (a *Allocator) Deallocate(ptr uintptr) uint32 {
	switch {
	case a.segregated != nil && inRange(ptr, a.segBase, a.segRange):
		bin, ok := a.segregated.BinFor(ptr)
		if !ok {
			panic("vmalloc: free of pointer not owned by any configured bin")
		}
		return a.segregated.Deallocate(ptr, bin)
	case inRange(ptr, a.coalBase, a.coalRange):
		return a.coalesceE.Deallocate(ptr)
	case a.largeE != nil && inRange(ptr, a.largeBase, a.largeRange):
		bin, ok := a.largeE.BinFor(ptr)
		if !ok {
			panic("vmalloc: free of pointer not owned by any configured tier")
		}
		return a.largeE.Deallocate(ptr, bin)
	default:
		panic("vmalloc: free of pointer outside every engine's address range")
	}
}

// Release returns all virtual memory reserved by every engine and
// destroys their internal state — spec §6's `release()`. Each engine's
// own Release decommits its still-cached regions first (best effort,
// continuing past a single region's failure); the underlying
// reservation is then handed back to vm regardless, since a failed
// decommit must not leak the address range itself.
func (a *Allocator) Release() error {
	var errs error
	if a.segregated != nil {
		if err := a.segregated.Release(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("vmalloc: segregated release: %w", err))
		}
		if err := a.vm.Release(a.segBase, a.segRange); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("vmalloc: segregated reservation release: %w", err))
		}
	}
	if err := a.coalesceE.Release(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("vmalloc: coalesce release: %w", err))
	}
	if err := a.vm.Release(a.coalBase, a.coalRange); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("vmalloc: coalesce reservation release: %w", err))
	}
	if a.largeE != nil {
		if err := a.largeE.Release(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("vmalloc: largefsa release: %w", err))
		}
		if err := a.vm.Release(a.largeBase, a.largeRange); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("vmalloc: largefsa reservation release: %w", err))
		}
	}
	return errs
}

func inRange(ptr, base uintptr, size uint64) bool {
	return ptr >= base && ptr < base+uintptr(size)
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// classifyEngineError maps a sub-engine's own sentinel error to the
// router's public sentinel, per spec §7's "surfaced as out-of-
// address-space at the router boundary".
func classifyEngineError(err error) error {
	switch {
	case errors.Is(err, segregated.ErrOutOfChunks), errors.Is(err, coalesce.ErrOutOfSpace), errors.Is(err, largefsa.ErrOutOfBlocks):
		return ErrOutOfAddressSpace
	case errors.Is(err, vmem.ErrCommitFailed):
		return ErrCommitFailed
	case errors.Is(err, vmem.ErrReservationFailed):
		return ErrOutOfAddressSpace
	default:
		return ErrOutOfMetadata
	}
}
