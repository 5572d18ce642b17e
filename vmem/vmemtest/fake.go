// Package vmemtest provides an in-memory vmem.Reserver fake backed by
// real Go heap memory, so every other package's tests can exercise
// reserve/commit/decommit bookkeeping without needing a real OS mapping
// or root/CAP_SYS privileges.
package vmemtest

import (
	"fmt"
	"sync"

	"github.com/cloudfly/vmalloc/vmem"
)

// Fake is a vmem.Reserver backed by a single Go byte slice per
// reservation. Commit/Decommit only track which pages are "backed" for
// assertion purposes (zeroing on decommit, per the real contract) — it
// never actually returns memory to the OS, since there is no OS mapping
// to return.
type Fake struct {
	pageSize uint32

	mu          sync.Mutex
	reservation map[uintptr][]byte
	committed   map[uintptr]map[uint32]bool // base -> page index -> committed
	nextBase    uintptr

	CommitCalls, DecommitCalls int
	FailCommitAt               map[uintptr]bool // addr -> force Commit to fail
}

// New constructs a Fake with the given page size (defaults to 8192).
func New(pageSize uint32) *Fake {
	if pageSize == 0 {
		pageSize = 8192
	}
	return &Fake{
		pageSize:    pageSize,
		reservation: make(map[uintptr][]byte),
		committed:   make(map[uintptr]map[uint32]bool),
		FailCommitAt: make(map[uintptr]bool),
		nextBase:    0x10000, // nonzero, so a zero ptr unambiguously means "no allocation"
	}
}

func (f *Fake) PageSize() uint32 { return f.pageSize }

func (f *Fake) Reserve(size uint64) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	length := roundUp(size, uint64(f.pageSize))
	base := f.nextBase
	f.nextBase += uintptr(length) + uintptr(f.pageSize) // gap, to catch off-by-one overlap bugs
	f.reservation[base] = make([]byte, length)
	f.committed[base] = make(map[uint32]bool)
	return base, nil
}

func (f *Fake) Release(base uintptr, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reservation, base)
	delete(f.committed, base)
	return nil
}

func (f *Fake) Commit(addr uintptr, pageCount uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CommitCalls++
	if f.FailCommitAt[addr] {
		return fmt.Errorf("%w: injected failure at %#x", vmem.ErrCommitFailed, addr)
	}
	base, pageIdx, ok := f.locate(addr)
	if !ok {
		return fmt.Errorf("vmemtest: commit of unreserved address %#x", addr)
	}
	for i := uint32(0); i < pageCount; i++ {
		f.committed[base][pageIdx+i] = true
	}
	return nil
}

func (f *Fake) Decommit(addr uintptr, pageCount uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DecommitCalls++
	base, pageIdx, ok := f.locate(addr)
	if !ok {
		return fmt.Errorf("vmemtest: decommit of unreserved address %#x", addr)
	}
	buf := f.reservation[base]
	off := addr - base
	for i := uint32(0); i < pageCount; i++ {
		delete(f.committed[base], pageIdx+i)
	}
	n := uintptr(pageCount) * uintptr(f.pageSize)
	for i := uintptr(0); i < n && off+i < uintptr(len(buf)); i++ {
		buf[off+i] = 0
	}
	return nil
}

// IsCommitted reports whether the page containing addr is currently
// committed, for test assertions.
func (f *Fake) IsCommitted(addr uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, pageIdx, ok := f.locate(addr)
	if !ok {
		return false
	}
	return f.committed[base][pageIdx]
}

func (f *Fake) locate(addr uintptr) (base uintptr, pageIdx uint32, ok bool) {
	for b, buf := range f.reservation {
		if addr >= b && addr < b+uintptr(len(buf)) {
			return b, uint32((addr - b) / uintptr(f.pageSize)), true
		}
	}
	return 0, 0, false
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
