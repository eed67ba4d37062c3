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

package btree

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/latticeindex/core/numkey"
)

// node is either a leaf (holding composite keys directly) or an
// internal node (holding separator keys, child pointers, and a
// per-child roaring bitmap caching every record ID reachable through
// that child — spec 4.3 "Node layout").
type node struct {
	leaf bool
	keys *keyArray

	children    []*node
	childBitmap []*roaring.Bitmap
}

func newLeaf() *node {
	return &node{leaf: true, keys: &keyArray{offset: MaxKeys / 2}}
}

func newInternal() *node {
	return &node{leaf: false, keys: &keyArray{offset: MaxKeys / 2}}
}

// bitmap returns the union of every record ID stored at or beneath n.
func (n *node) bitmap() *roaring.Bitmap {
	bm := roaring.New()
	if n.leaf {
		for _, k := range n.keys.Slice() {
			bm.Add(k.ID())
		}
		return bm
	}
	for _, c := range n.childBitmap {
		bm.Or(c)
	}
	return bm
}

// childIndex returns the index of the child that a descent for key
// should follow: the standard B+-tree routing rule key < keys[i] ->
// children[i], else continue; equivalently the first i with
// key < keys[i], or len(keys) if key is >= every separator.
func (n *node) childIndex(key numkey.Key) int {
	return n.keys.upperBound(key)
}
