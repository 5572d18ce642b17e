package vmalloc

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cloudfly/vmalloc/sizeclass"
)

// AllocatorParams bounds one sub-allocator's own address sub-range, its
// commit-proxy region size and LRU cache cap — spec §6's
// allocator_table entry, specialised per content engine.
type AllocatorParams struct {
	AddressRange  uint64
	RegionSize    uint64
	MaxCacheCount int
}

// CoalesceParams extends AllocatorParams with the coalescing engine's
// own min/max/step parameters (spec §6's "min/max/step for coalescing").
type CoalesceParams struct {
	AllocatorParams
	Step     uint32
	MinSplit uint32
}

// LargeFSAParams extends AllocatorParams with the fixed-slot large
// engine's block shape.
type LargeFSAParams struct {
	AllocatorParams
	SlotsPerBlock uint32
}

// Config is the allocator's external configuration surface (spec §6).
// Unlisted fields are not honoured; there is no file or environment
// loading, matching spec §6's "no CLI".
type Config struct {
	// AddressRange is the total virtual range reserved across the three
	// content engines combined; informational only — each engine's own
	// AddressRange below is what's actually reserved.
	AddressRange uint64
	// PageSize is checked against the Reserver's own PageSize() at New
	// time rather than trusted blindly.
	PageSize uint32

	// Bins builds the precomputed bin table (spec §3's size-class
	// table); see sizeclass.TableConfig.
	Bins sizeclass.TableConfig

	Segregated AllocatorParams
	Coalesce   CoalesceParams
	LargeFSA   LargeFSAParams

	// InternalHeapPresize and InternalFSAPresize size the
	// internal/fixalloc arenas backing, respectively, the coalescing
	// engine's free-node arena and the segregated/largefsa engines'
	// pooled binmap.Map arena (spec §6's internal_heap_presize /
	// internal_fsa_presize) — chunk-growth hints, not up-front OS
	// reservations; fixalloc's arena is plain Go-heap memory, never
	// vmem-backed (see DESIGN.md's internal/fixalloc entry).
	InternalHeapPresize int
	InternalFSAPresize  int

	// Logger receives lifecycle and error diagnostics. A nil Logger
	// falls back to a no-op logger, mirroring the teacher's pattern of
	// cheap no-op fallbacks for an unconfigured tunable.
	Logger *zap.SugaredLogger
}

func (c *Config) logger() *zap.SugaredLogger {
	if c.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return c.Logger
}

// Validate sanity-checks Config, aggregating every failing field rather
// than stopping at the first, mirroring initSizes's sanity asserts in
// legacy/msize.go but as recoverable validation instead of a fatal
// throw, since this is caller-supplied data rather than a compile-time
// invariant.
func (c *Config) Validate() error {
	var errs error
	if c.PageSize == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: PageSize must be nonzero", ErrBadConfig))
	}
	if c.Bins.SegregatedMaxSize == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: Bins.SegregatedMaxSize must be nonzero", ErrBadConfig))
	}
	if c.Bins.CoalesceMaxSize < c.Bins.SegregatedMaxSize {
		errs = multierr.Append(errs, fmt.Errorf("%w: Bins.CoalesceMaxSize must be >= Bins.SegregatedMaxSize", ErrBadConfig))
	}
	for i := 1; i < len(c.Bins.LargeFSATiers); i++ {
		if c.Bins.LargeFSATiers[i] <= c.Bins.LargeFSATiers[i-1] {
			errs = multierr.Append(errs, fmt.Errorf("%w: Bins.LargeFSATiers must be strictly ascending", ErrBadConfig))
			break
		}
	}
	if c.Segregated.AddressRange == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: Segregated.AddressRange must be nonzero", ErrBadConfig))
	}
	if c.Segregated.RegionSize == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: Segregated.RegionSize must be nonzero", ErrBadConfig))
	}
	if c.Coalesce.AddressRange == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: Coalesce.AddressRange must be nonzero", ErrBadConfig))
	}
	if c.Coalesce.RegionSize == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: Coalesce.RegionSize must be nonzero", ErrBadConfig))
	}
	if len(c.Bins.LargeFSATiers) > 0 {
		if c.LargeFSA.AddressRange == 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: LargeFSA.AddressRange must be nonzero when LargeFSATiers is non-empty", ErrBadConfig))
		}
		if c.LargeFSA.RegionSize == 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: LargeFSA.RegionSize must be nonzero when LargeFSATiers is non-empty", ErrBadConfig))
		}
	}
	return errs
}
