//go:build unix

package vmem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Unix is the real Reserver backing, grounded on `legacy/malloc.go`'s
// sysReserve/sysMap/sysFree: reserve with an anonymous PROT_NONE mmap,
// commit by mprotect-ing a sub-range to PROT_READ|PROT_WRITE, decommit by
// mprotect-ing back to PROT_NONE and madvise(MADV_DONTNEED) to drop the
// physical pages.
type Unix struct {
	pageSize uint32

	mu    sync.Mutex
	spans map[uintptr]int // base -> length, for Release bookkeeping
}

// NewUnix constructs a Unix Reserver. pageSize must be a multiple of the
// system's own page size; 0 selects the system page size.
func NewUnix(pageSize uint32) *Unix {
	if pageSize == 0 {
		pageSize = uint32(unix.Getpagesize())
	}
	return &Unix{pageSize: pageSize, spans: make(map[uintptr]int)}
}

func (u *Unix) PageSize() uint32 { return u.pageSize }

func (u *Unix) Reserve(size uint64) (uintptr, error) {
	length := int(roundUp(size, uint64(u.pageSize)))
	b, err := unix.Mmap(-1, 0, length, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("%w: mmap: %v", ErrReservationFailed, err)
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	u.mu.Lock()
	u.spans[base] = length
	u.mu.Unlock()
	return base, nil
}

func (u *Unix) Release(base uintptr, size uint64) error {
	u.mu.Lock()
	length, ok := u.spans[base]
	if ok {
		delete(u.spans, base)
	}
	u.mu.Unlock()
	if !ok {
		return nil // idempotent, per spec §6
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(base)), length)
	return unix.Munmap(b)
}

func (u *Unix) Commit(addr uintptr, pageCount uint32) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(pageCount)*int(u.pageSize))
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("%w: mprotect: %v", ErrCommitFailed, err)
	}
	return nil
}

func (u *Unix) Decommit(addr uintptr, pageCount uint32) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(pageCount)*int(u.pageSize))
	_ = unix.Madvise(b, unix.MADV_DONTNEED)
	return unix.Mprotect(b, unix.PROT_NONE)
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
