// Package rbtree implements the intrusive, index-based red-black tree of
// spec §2 item 3 and §4.6: node identity is a uint32 index into a
// caller-owned arena, node layout (parent/children/colour) is externally
// defined, and the tree drives an Ordering capability instead of owning
// keys or comparisons itself — the same one implementation serves both
// the address ordering and the (size,address) ordering the coalescing
// engine needs (spec §9 "Intrusive tree via configuration").
//
// Grounded on original_source's x_binarysearch_tree.cpp index_based
// namespace (insert/delete fixup is the canonical CLRS formulation that
// source also follows); re-architected from C function-pointer callbacks
// to a Go interface per spec §9's explicit guidance.
package rbtree

// Nil is the sentinel index for "no node".
const Nil uint32 = 0xffffffff

// Color is a node's red-black colour.
type Color bool

const (
	Black Color = false
	Red   Color = true
)

// Node is the embeddable link triple every tree node carries. Colour is
// not stored here: it lives wherever the caller's node type keeps its
// flags word, reached through Ordering.Color/SetColor.
type Node struct {
	Parent, Left, Right uint32
}

// Ordering is the per-tree capability bundle: how to read a node's key,
// compare a key against a node, and get/set a node's colour. Two distinct
// Orderings over the same arena give two independent tree identities
// (e.g. address-keyed and (size,address)-keyed) without duplicating the
// rotation/fixup logic.
type Ordering interface {
	// Node returns the link triple for index i.
	Node(i uint32) *Node
	// Less reports whether the key of node a orders strictly before the
	// key of node b.
	Less(a, b uint32) bool
	// LessKey reports whether key orders strictly before the key of node b.
	LessKey(key Key, b uint32) bool
	// EqualKey reports whether key equals the key of node b.
	EqualKey(key Key, b uint32) bool
	Color(i uint32) Color
	SetColor(i uint32, c Color)
}

// Key is an opaque per-Ordering search key (a uintptr address, or a
// packed (size,address) composite — the Ordering alone knows how to
// compare it against a node).
type Key interface{}

// Tree is one red-black ordering over an Ordering's arena. The zero value
// is not usable (its root reads as index 0, not Nil); use New.
type Tree struct {
	root uint32
}

func New() *Tree { return &Tree{root: Nil} }

// Root returns the current root index, or Nil if empty.
func (t *Tree) Root() uint32 { return t.root }

// Empty reports whether the tree has no nodes.
func (t *Tree) Empty() bool { return t.root == Nil }

func left(o Ordering, i uint32) uint32  { return o.Node(i).Left }
func right(o Ordering, i uint32) uint32 { return o.Node(i).Right }
func parent(o Ordering, i uint32) uint32 {
	if i == Nil {
		return Nil
	}
	return o.Node(i).Parent
}

func colorOf(o Ordering, i uint32) Color {
	if i == Nil {
		return Black
	}
	return o.Color(i)
}

func setColor(o Ordering, i uint32, c Color) {
	if i == Nil {
		return
	}
	o.SetColor(i, c)
}

func (t *Tree) rotateLeft(o Ordering, x uint32) {
	n := o.Node(x)
	y := n.Right
	yn := o.Node(y)
	n.Right = yn.Left
	if yn.Left != Nil {
		o.Node(yn.Left).Parent = x
	}
	yn.Parent = n.Parent
	if n.Parent == Nil {
		t.root = y
	} else {
		p := o.Node(n.Parent)
		if p.Left == x {
			p.Left = y
		} else {
			p.Right = y
		}
	}
	yn.Left = x
	n.Parent = y
}

func (t *Tree) rotateRight(o Ordering, x uint32) {
	n := o.Node(x)
	y := n.Left
	yn := o.Node(y)
	n.Left = yn.Right
	if yn.Right != Nil {
		o.Node(yn.Right).Parent = x
	}
	yn.Parent = n.Parent
	if n.Parent == Nil {
		t.root = y
	} else {
		p := o.Node(n.Parent)
		if p.Right == x {
			p.Right = y
		} else {
			p.Left = y
		}
	}
	yn.Right = x
	n.Parent = y
}

// Find returns the index of the node whose key equals key, or Nil.
func (t *Tree) Find(o Ordering, key Key) uint32 {
	i := t.root
	for i != Nil {
		if o.EqualKey(key, i) {
			return i
		}
		if o.LessKey(key, i) {
			i = left(o, i)
		} else {
			i = right(o, i)
		}
	}
	return Nil
}

// FindUpperBound returns the index of the smallest-keyed node whose key is
// >= key, or Nil if every node sorts before key.
func (t *Tree) FindUpperBound(o Ordering, key Key) uint32 {
	i := t.root
	best := Nil
	for i != Nil {
		if o.EqualKey(key, i) {
			return i
		}
		if o.LessKey(key, i) {
			best = i
			i = left(o, i)
		} else {
			i = right(o, i)
		}
	}
	return best
}

// MinFrom returns the lowest-keyed node reachable from subtree root i.
func MinFrom(o Ordering, i uint32) uint32 {
	if i == Nil {
		return Nil
	}
	for left(o, i) != Nil {
		i = left(o, i)
	}
	return i
}

// MinOf returns the tree's lowest-keyed node index, or Nil if empty.
func (t *Tree) MinOf(o Ordering) uint32 { return MinFrom(o, t.root) }

// Insert links a freshly-initialised node (Parent=Left=Right=Nil) into the
// tree at its sorted position. The node's key must already be set up so
// Ordering.Less/LessKey report correctly for it.
func (t *Tree) Insert(o Ordering, i uint32) {
	var p uint32 = Nil
	x := t.root
	for x != Nil {
		p = x
		if o.Less(i, x) {
			x = left(o, x)
		} else {
			x = right(o, x)
		}
	}
	n := o.Node(i)
	n.Parent, n.Left, n.Right = p, Nil, Nil
	if p == Nil {
		t.root = i
	} else {
		pn := o.Node(p)
		if o.Less(i, p) {
			pn.Left = i
		} else {
			pn.Right = i
		}
	}
	setColor(o, i, Red)
	t.insertFixup(o, i)
}

func (t *Tree) insertFixup(o Ordering, z uint32) {
	for colorOf(o, parent(o, z)) == Red {
		zp := parent(o, z)
		zgp := parent(o, zp)
		if zp == left(o, zgp) {
			y := right(o, zgp)
			if colorOf(o, y) == Red {
				setColor(o, zp, Black)
				setColor(o, y, Black)
				setColor(o, zgp, Red)
				z = zgp
				continue
			}
			if z == right(o, zp) {
				z = zp
				t.rotateLeft(o, z)
				zp = parent(o, z)
				zgp = parent(o, zp)
			}
			setColor(o, zp, Black)
			setColor(o, zgp, Red)
			t.rotateRight(o, zgp)
		} else {
			y := left(o, zgp)
			if colorOf(o, y) == Red {
				setColor(o, zp, Black)
				setColor(o, y, Black)
				setColor(o, zgp, Red)
				z = zgp
				continue
			}
			if z == left(o, zp) {
				z = zp
				t.rotateRight(o, z)
				zp = parent(o, z)
				zgp = parent(o, zp)
			}
			setColor(o, zp, Black)
			setColor(o, zgp, Red)
			t.rotateLeft(o, zgp)
		}
	}
	setColor(o, t.root, Black)
}

func (t *Tree) transplant(o Ordering, u, v uint32) {
	up := parent(o, u)
	if up == Nil {
		t.root = v
	} else {
		un := o.Node(up)
		if un.Left == u {
			un.Left = v
		} else {
			un.Right = v
		}
	}
	if v != Nil {
		o.Node(v).Parent = up
	}
}

// Remove unlinks node z from the tree. z must currently be a member.
func (t *Tree) Remove(o Ordering, z uint32) {
	y := z
	yOriginalColor := colorOf(o, y)
	var x, xParent uint32

	zn := o.Node(z)
	if zn.Left == Nil {
		x = zn.Right
		xParent = parent(o, z)
		t.transplant(o, z, zn.Right)
	} else if zn.Right == Nil {
		x = zn.Left
		xParent = parent(o, z)
		t.transplant(o, z, zn.Left)
	} else {
		y = MinFrom(o, zn.Right)
		yOriginalColor = colorOf(o, y)
		x = o.Node(y).Right
		if parent(o, y) == z {
			xParent = y
		} else {
			xParent = parent(o, y)
			t.transplant(o, y, o.Node(y).Right)
			o.Node(y).Right = zn.Right
			o.Node(o.Node(y).Right).Parent = y
		}
		t.transplant(o, z, y)
		o.Node(y).Left = zn.Left
		o.Node(o.Node(y).Left).Parent = y
		setColor(o, y, colorOf(o, z))
	}

	if yOriginalColor == Black {
		t.removeFixup(o, x, xParent)
	}
}

func (t *Tree) removeFixup(o Ordering, x, xParent uint32) {
	for x != t.root && colorOf(o, x) == Black {
		if x == left(o, xParent) {
			w := right(o, xParent)
			if colorOf(o, w) == Red {
				setColor(o, w, Black)
				setColor(o, xParent, Red)
				t.rotateLeft(o, xParent)
				w = right(o, xParent)
			}
			if colorOf(o, left(o, w)) == Black && colorOf(o, right(o, w)) == Black {
				setColor(o, w, Red)
				x = xParent
				xParent = parent(o, x)
				continue
			}
			if colorOf(o, right(o, w)) == Black {
				setColor(o, left(o, w), Black)
				setColor(o, w, Red)
				t.rotateRight(o, w)
				w = right(o, xParent)
			}
			setColor(o, w, colorOf(o, xParent))
			setColor(o, xParent, Black)
			setColor(o, right(o, w), Black)
			t.rotateLeft(o, xParent)
			x = t.root
		} else {
			w := left(o, xParent)
			if colorOf(o, w) == Red {
				setColor(o, w, Black)
				setColor(o, xParent, Red)
				t.rotateRight(o, xParent)
				w = left(o, xParent)
			}
			if colorOf(o, right(o, w)) == Black && colorOf(o, left(o, w)) == Black {
				setColor(o, w, Red)
				x = xParent
				xParent = parent(o, x)
				continue
			}
			if colorOf(o, left(o, w)) == Black {
				setColor(o, right(o, w), Black)
				setColor(o, w, Red)
				t.rotateLeft(o, w)
				w = left(o, xParent)
			}
			setColor(o, w, colorOf(o, xParent))
			setColor(o, xParent, Black)
			setColor(o, left(o, w), Black)
			t.rotateRight(o, xParent)
			x = t.root
		}
	}
	setColor(o, x, Black)
}

// InOrder calls fn for every node index in ascending key order.
func (t *Tree) InOrder(o Ordering, fn func(i uint32)) {
	var walk func(i uint32)
	walk = func(i uint32) {
		if i == Nil {
			return
		}
		walk(left(o, i))
		fn(i)
		walk(right(o, i))
	}
	walk(t.root)
}

// Validate walks the tree and confirms red-black invariants (no red node
// has a red child; every root-to-nil path has the same black height) plus
// BST key ordering. It returns a human-readable description of the first
// violation found, or "" if the tree is valid.
func (t *Tree) Validate(o Ordering) string {
	if t.root != Nil && colorOf(o, t.root) != Black {
		return "root is not black"
	}
	_, msg := validateNode(o, t.root)
	return msg
}

func validateNode(o Ordering, i uint32) (blackHeight int, msg string) {
	if i == Nil {
		return 1, ""
	}
	if colorOf(o, i) == Red {
		if colorOf(o, left(o, i)) == Red || colorOf(o, right(o, i)) == Red {
			return 0, "red node with red child"
		}
	}
	l := left(o, i)
	r := right(o, i)
	if l != Nil && !o.Less(l, i) {
		return 0, "left child key not strictly less than parent"
	}
	if r != Nil && !o.Less(i, r) {
		return 0, "right child key not strictly greater than parent"
	}
	lh, lm := validateNode(o, l)
	if lm != "" {
		return 0, lm
	}
	rh, rm := validateNode(o, r)
	if rm != "" {
		return 0, rm
	}
	if lh != rh {
		return 0, "black height mismatch"
	}
	h := lh
	if colorOf(o, i) == Black {
		h++
	}
	return h, ""
}
