// Package binmap implements the two-level hierarchical free-slot bitmap
// described in spec §2 item 4 and §4.2: a 32-bit root summary, an L1 array
// of 16-bit words and an L2 array of 16-bit words, supporting set, clear,
// test and find-first-zero in O(1).
//
// Ported from the bit arithmetic in original_source's x_binmap.cpp, with
// the root/L1/L2 fan-out made explicit (root bit i owns L1[i], L1 word bit
// j owns L2[i*16+j], L2 word bit k owns slot i*256+j*16+k) rather than the
// C++ source's flattened array-stride layout, so capacity is a clean
// 32*16*16 = 8192 slots — the same figure spec §8 scenario 5 exercises.
package binmap

import "math/bits"

// MaxSlots is the largest slot count a single Map can track.
const MaxSlots = 32 * 16 * 16

// Map is a two-level bitmap over up to MaxSlots slots. The zero value is
// not usable; use New.
type Map struct {
	count int
	root  uint32
	l1    []uint16
	l2    []uint16
}

// New allocates a Map sized for count slots (0 < count <= MaxSlots).
func New(count int) *Map {
	if count <= 0 || count > MaxSlots {
		panic("binmap: count out of range")
	}
	m := &Map{count: count}
	if count > 32 {
		l2words := ceilDiv(count, 16)
		l1words := ceilDiv(l2words, 16)
		m.l1 = make([]uint16, l1words)
		m.l2 = make([]uint16, l2words)
	}
	m.init()
	return m
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Reset reinitializes m in place for count slots, growing its backing
// arrays only if the previous sizing was too small. This lets a caller
// that pools Maps (the segregated chunk engine, recycling a chunk's
// binmap through fixalloc when the chunk empties and is later reused for
// a different bin) avoid a fresh slice allocation on every reuse.
func (m *Map) Reset(count int) {
	if count <= 0 || count > MaxSlots {
		panic("binmap: count out of range")
	}
	m.count = count
	m.root = 0
	if count <= 32 {
		m.l1 = m.l1[:0]
		m.l2 = m.l2[:0]
		m.init()
		return
	}
	l2words := ceilDiv(count, 16)
	l1words := ceilDiv(l2words, 16)
	if cap(m.l1) < l1words {
		m.l1 = make([]uint16, l1words)
	} else {
		m.l1 = m.l1[:l1words]
	}
	if cap(m.l2) < l2words {
		m.l2 = make([]uint16, l2words)
	} else {
		m.l2 = m.l2[:l2words]
	}
	m.init()
}

// init marks every bit beyond count as permanently set, so FindAndSet never
// returns a slot index the caller never asked for.
func (m *Map) init() {
	if m.count <= 32 {
		m.root = ^uint32(0) << uint(m.count)
		return
	}
	for i := range m.l2 {
		lo := i * 16
		hi := lo + 16
		switch {
		case hi <= m.count:
			m.l2[i] = 0
		case lo >= m.count:
			m.l2[i] = 0xffff
		default:
			m.l2[i] = ^uint16(0) << uint(m.count-lo)
		}
	}
	l2words := len(m.l2)
	for i := range m.l1 {
		lo := i * 16
		hi := lo + 16
		switch {
		case hi <= l2words:
			m.l1[i] = 0
		case lo >= l2words:
			m.l1[i] = 0xffff
		default:
			m.l1[i] = ^uint16(0) << uint(l2words-lo)
		}
		// An L1 word can only be considered "all used" once every L2 word it
		// owns is itself full; re-derive from actual L2 contents above is
		// handled lazily by Set, so start from the padding mask only.
	}
	l1words := len(m.l1)
	m.root = ^uint32(0) << uint(l1words)
}

// Count reports the number of slots this Map tracks.
func (m *Map) Count() int { return m.count }

// Set marks slot k as occupied.
func (m *Map) Set(k int) {
	m.checkIndex(k)
	if m.count <= 32 {
		m.root |= 1 << uint(k)
		return
	}
	wi2, bi2 := k/16, uint(k%16)
	wd2 := m.l2[wi2] | (1 << bi2)
	if wd2 == 0xffff {
		wi1, bi1 := wi2/16, uint(wi2%16)
		wd1 := m.l1[wi1] | (1 << bi1)
		if wd1 == 0xffff {
			m.root |= 1 << uint(wi1)
		}
		m.l1[wi1] = wd1
	}
	m.l2[wi2] = wd2
}

// Clear marks slot k as free.
func (m *Map) Clear(k int) {
	m.checkIndex(k)
	if m.count <= 32 {
		m.root &^= 1 << uint(k)
		return
	}
	wi2, bi2 := k/16, uint(k%16)
	wasFull := m.l2[wi2] == 0xffff
	m.l2[wi2] &^= 1 << bi2
	if wasFull {
		wi1, bi1 := wi2/16, uint(wi2%16)
		m.root &^= 1 << uint(wi1)
		m.l1[wi1] &^= 1 << bi1
	}
}

// Test reports whether slot k is occupied.
func (m *Map) Test(k int) bool {
	m.checkIndex(k)
	if m.count <= 32 {
		return m.root&(1<<uint(k)) != 0
	}
	wi2, bi2 := k/16, uint(k%16)
	return m.l2[wi2]&(1<<bi2) != 0
}

// Full reports whether every slot is occupied.
func (m *Map) Full() bool {
	return m.root == ^uint32(0)
}

// FindAndSet locates the lowest-indexed free slot, marks it occupied and
// returns its index. Panics if the map is full — callers must check Full
// (or handle the documented "no capacity left" path) before calling.
func (m *Map) FindAndSet() int {
	k := m.find()
	m.Set(k)
	return k
}

// Find locates the lowest-indexed free slot without marking it. Panics if
// the map is full.
func (m *Map) Find() int { return m.find() }

func (m *Map) find() int {
	bi0 := trailingZeros32(^m.root)
	if bi0 >= 32 {
		panic("binmap: full")
	}
	if m.count <= 32 {
		return bi0
	}
	wi1 := bi0
	bi1 := trailingZeros16(^m.l1[wi1])
	wi2 := wi1*16 + bi1
	bi2 := trailingZeros16(^m.l2[wi2])
	return wi2*16 + bi2
}

func (m *Map) checkIndex(k int) {
	if k < 0 || k >= m.count {
		panic("binmap: index out of range")
	}
}

func trailingZeros32(v uint32) int {
	if v == 0 {
		return 32
	}
	return bits.TrailingZeros32(v)
}

func trailingZeros16(v uint16) int {
	if v == 0 {
		return 16
	}
	return bits.TrailingZeros16(v)
}
