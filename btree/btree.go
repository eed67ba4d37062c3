// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package btree implements BitMapBTree (spec 4.3): an order-preserving
// B+-tree keyed by a 128-bit composite key (96-bit encoded numeric
// value ++ 32-bit record ID), whose internal nodes cache a roaring
// bitmap of every record ID reachable through each child. This is
// what lets QueryMap answer Gt/Ge/Lt/Le/Bt over an attribute's
// Int/Float values without a full scan.
package btree

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/latticeindex/core/numkey"
)

// MaxKeys is the fixed per-node key capacity (spec 4.3).
const MaxKeys = 96

// FillFactor controls when a node is considered "full" during
// preemptive-split insertion: splitting slightly before hard capacity
// keeps every node with headroom rather than landing exactly on the
// boundary (spec 4.3).
const FillFactor = 0.97

// Bound selects whether a Range boundary includes the value it names.
type Bound int

const (
	Inclusive Bound = iota
	Exclusive
)

// ErrDuplicateKey is the sentinel wrapped into the value Insert panics
// with (spec 7) when the same (value, id) composite key is inserted
// twice: the tree never deduplicates on insert because a correctly
// operating QueryMap never asks it to.
var ErrDuplicateKey = errors.New("btree: duplicate key")

// Tree is a BitMapBTree. The zero value is an empty, ready-to-use tree.
type Tree struct {
	root *node
}

// Len reports the total number of (value, id) entries in the tree.
func (t *Tree) Len() int {
	var count func(n *node) int
	count = func(n *node) int {
		if n == nil {
			return 0
		}
		if n.leaf {
			return n.keys.Len()
		}
		total := 0
		for _, c := range n.children {
			total += count(c)
		}
		return total
	}
	return count(t.root)
}

// Insert adds (code, id) to the tree. It panics if that exact
// composite key is already present (spec 7: duplicate composite-key
// insert is a programmer-error invariant violation, never expected
// from a correctly operating QueryMap).
func (t *Tree) Insert(code numkey.Num96, id uint32) {
	key := numkey.Compose(code, id)
	if t.root == nil {
		t.root = newLeaf()
	}
	if t.root.keys.Full() {
		oldRoot := t.root
		newRoot := newInternal()
		newRoot.children = []*node{oldRoot}
		newRoot.childBitmap = []*roaring.Bitmap{oldRoot.bitmap()}
		t.splitChild(newRoot, 0)
		t.root = newRoot
	}
	t.insertNonFull(t.root, key)
}

func (t *Tree) insertNonFull(n *node, key numkey.Key) {
	if n.leaf {
		idx := n.keys.search(key)
		if idx < n.keys.Len() && n.keys.At(idx).Equal(key) {
			panic(fmt.Errorf("%w: %+v", ErrDuplicateKey, key))
		}
		n.keys.Insert(key)
		return
	}

	i := n.childIndex(key)
	if n.children[i].keys.Full() {
		t.splitChild(n, i)
		i = n.childIndex(key)
	}
	n.childBitmap[i].Add(key.ID())
	t.insertNonFull(n.children[i], key)
}

// splitChild splits the full child at parent.children[i], pushing a
// separator key up into parent. Leaf splits copy the separator
// (B+-tree semantics: leaves retain all data); internal splits remove
// the separator from the child, as in a classic B-tree.
func (t *Tree) splitChild(parent *node, i int) {
	child := parent.children[i]
	mid := child.keys.Len() / 2

	var sep numkey.Key
	right := newNodeLike(child)

	if child.leaf {
		rightKeys := child.keys.splitOff(mid)
		for _, k := range rightKeys {
			right.keys.Insert(k)
		}
		sep = rightKeys[0]
	} else {
		removed := child.keys.splitOff(mid)
		sep = removed[0]
		rightKeys := removed[1:]
		for _, k := range rightKeys {
			right.keys.Insert(k)
		}
		right.children = append([]*node(nil), child.children[mid+1:]...)
		right.childBitmap = append([]*roaring.Bitmap(nil), child.childBitmap[mid+1:]...)
		child.children = child.children[:mid+1]
		child.childBitmap = child.childBitmap[:mid+1]
	}

	parent.keys.Insert(sep)
	idx := i + 1
	parent.children = append(parent.children, nil)
	copy(parent.children[idx+1:], parent.children[idx:])
	parent.children[idx] = right
	parent.childBitmap = append(parent.childBitmap, nil)
	copy(parent.childBitmap[idx+1:], parent.childBitmap[idx:])
	parent.childBitmap[idx] = right.bitmap()
	parent.childBitmap[i] = child.bitmap()
}

func newNodeLike(n *node) *node {
	if n.leaf {
		return newLeaf()
	}
	return newInternal()
}

// Contains reports whether the exact (code, id) entry is present.
func (t *Tree) Contains(code numkey.Num96, id uint32) bool {
	if t.root == nil {
		return false
	}
	return t.Range(code, code, Inclusive, Inclusive, nil).Contains(id)
}

// Remove deletes the (code, id) entry. It reports whether the entry
// was present. Underflow rebalancing is not performed (spec 4.3):
// nodes left sparse or empty by removals stay in the tree as they are.
func (t *Tree) Remove(code numkey.Num96, id uint32) bool {
	if t.root == nil {
		return false
	}
	return t.removeFrom(t.root, numkey.Compose(code, id))
}

func (t *Tree) removeFrom(n *node, key numkey.Key) bool {
	if n.leaf {
		return n.keys.Remove(key)
	}
	i := n.childIndex(key)
	removed := t.removeFrom(n.children[i], key)
	if removed {
		n.childBitmap[i] = n.children[i].bitmap()
	}
	return removed
}

// Range returns every record ID whose encoded value satisfies the
// bounds [lowCode, highCode] (each side inclusive or exclusive per
// lowBound/highBound), intersected with allowed. allowed may be nil,
// meaning no restriction.
//
// Descent follows spec 4.3: the low- and high-boundary children are
// always walked individually so exact-value duplicates are filtered
// precisely at the leaf; every strictly-interior child between them
// is consumed in bulk from its cached bitmap without descending.
func (t *Tree) Range(lowCode, highCode numkey.Num96, lowBound, highBound Bound, allowed *roaring.Bitmap) *roaring.Bitmap {
	result := roaring.New()
	if t.root == nil {
		return result
	}
	// An exclusive bound routes past every duplicate of its own value,
	// so no child consumed in bulk can hold a key equal to that bound.
	loKey := numkey.MinKey(lowCode)
	if lowBound == Exclusive {
		loKey = numkey.MaxKey(lowCode)
	}
	hiKey := numkey.MaxKey(highCode)
	if highBound == Exclusive {
		hiKey = numkey.MinKey(highCode)
	}
	t.rangeNode(t.root, lowCode, highCode, lowBound, highBound, loKey, hiKey, allowed, result)
	return result
}

func (t *Tree) rangeNode(n *node, lowCode, highCode numkey.Num96, lowBound, highBound Bound, loKey, hiKey numkey.Key, allowed *roaring.Bitmap, result *roaring.Bitmap) {
	if n.leaf {
		for _, k := range n.keys.Slice() {
			v := k.Num96()
			if !satisfiesLow(v, lowCode, lowBound) || !satisfiesHigh(v, highCode, highBound) {
				continue
			}
			if allowed == nil || allowed.Contains(k.ID()) {
				result.Add(k.ID())
			}
		}
		return
	}

	loIdx := n.childIndex(loKey)
	hiIdx := n.childIndex(hiKey)
	for i := loIdx; i <= hiIdx && i < len(n.children); i++ {
		if i == loIdx || i == hiIdx {
			t.rangeNode(n.children[i], lowCode, highCode, lowBound, highBound, loKey, hiKey, allowed, result)
			continue
		}
		bm := n.childBitmap[i]
		if allowed != nil {
			result.Or(roaring.And(bm, allowed))
		} else {
			result.Or(bm)
		}
	}
}

func satisfiesLow(v, lowCode numkey.Num96, lowBound Bound) bool {
	if lowBound == Inclusive {
		return !v.Less(lowCode)
	}
	return lowCode.Less(v)
}

func satisfiesHigh(v, highCode numkey.Num96, highBound Bound) bool {
	if highBound == Inclusive {
		return !highCode.Less(v)
	}
	return v.Less(highCode)
}
