// Package fixalloc implements the internal bookkeeping heap of spec §2
// item 2: a small bump-and-free allocator for the engine's own metadata
// (red-black tree nodes, chunk/block descriptors, binmap layers), handed
// out in both pointer-form and 32-bit-index-form.
//
// Grounded on original_source's x_virtual_pages.cpp (allocate_from_page /
// deallocate_from_page): a bump cursor serves fresh elements until the
// backing chunk is exhausted, at which point freed elements are served
// from a free list before a new chunk is grown. Arena differs in two
// ways: it always serves a freed element before a fresh bump-cursor one,
// even while the current chunk still has room; and where the C++ source
// threads the free list through the freed element's own storage, Arena
// keeps an explicit free-index slice — spec §5 only requires O(1)
// reuse and a heap that never relocates existing elements, not a specific
// free-list representation, and an explicit slice is the idiomatic Go
// shape for a generic arena.
package fixalloc

// Arena is a chunked, non-relocating pool of T, addressed by a uint32
// index that remains valid for the arena's entire lifetime (per spec §5,
// "the current heap does not relocate"). The zero value is not usable;
// use New.
type Arena[T any] struct {
	chunkSize int
	chunks    [][]T
	free      []uint32
	live      int
}

// New creates an Arena that grows by chunkSize elements at a time.
func New[T any](chunkSize int) *Arena[T] {
	if chunkSize <= 0 {
		chunkSize = 64
	}
	return &Arena[T]{chunkSize: chunkSize}
}

// Len reports the number of currently-live (allocated, not freed)
// elements.
func (a *Arena[T]) Len() int { return a.live }

// Alloc reserves a fresh element, zeroing it, and returns both its index
// and a pointer to it (pointer-form and index-form, per spec §2 item 2).
// The returned pointer is valid for the arena's entire lifetime.
func (a *Arena[T]) Alloc() (uint32, *T) {
	a.live++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		p := a.at(idx)
		*p = *new(T)
		return idx, p
	}
	chunkIdx := 0
	if len(a.chunks) > 0 {
		chunkIdx = len(a.chunks) - 1
	}
	if len(a.chunks) == 0 || len(a.chunks[chunkIdx]) == cap(a.chunks[chunkIdx]) {
		a.chunks = append(a.chunks, make([]T, 0, a.chunkSize))
		chunkIdx = len(a.chunks) - 1
	}
	c := &a.chunks[chunkIdx]
	*c = (*c)[:len(*c)+1]
	offset := len(*c) - 1
	idx := uint32(chunkIdx)*uint32(a.chunkSize) + uint32(offset)
	return idx, &(*c)[offset]
}

// At returns the pointer-form for a previously-allocated index.
func (a *Arena[T]) At(idx uint32) *T { return a.at(idx) }

func (a *Arena[T]) at(idx uint32) *T {
	chunkIdx := idx / uint32(a.chunkSize)
	offset := idx % uint32(a.chunkSize)
	return &a.chunks[chunkIdx][offset]
}

// Free returns idx to the arena for reuse by a future Alloc. idx must
// currently be live; freeing twice corrupts the free list (a programmer
// error, per spec §7, not a recoverable one).
func (a *Arena[T]) Free(idx uint32) {
	a.live--
	a.free = append(a.free, idx)
}
