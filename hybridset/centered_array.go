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

package hybridset

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// CenteredArray is a fixed-capacity sorted array stored within a
// backing slice of length cap, occupying the window
// [offset, offset+n). Keeping headroom on both sides means an insert
// or remove near either edge only has to shift the shorter side; once
// one side runs out of headroom the window is recentered.
type CenteredArray[T constraints.Ordered] struct {
	data   []T
	offset int
	n      int
}

// NewCenteredArray allocates a CenteredArray with the given fixed
// capacity. It starts unrecentered (offset 0); the first insert
// recenters it, same as the reference implementation.
func NewCenteredArray[T constraints.Ordered](capacity int) *CenteredArray[T] {
	return &CenteredArray[T]{data: make([]T, capacity)}
}

// Len returns the number of elements currently stored.
func (c *CenteredArray[T]) Len() int { return c.n }

// Cap returns the fixed capacity of the array.
func (c *CenteredArray[T]) Cap() int { return len(c.data) }

// Full reports whether the array has reached its fixed capacity.
func (c *CenteredArray[T]) Full() bool { return c.n == len(c.data) }

// window returns the live slice [offset, offset+n).
func (c *CenteredArray[T]) window() []T { return c.data[c.offset : c.offset+c.n] }

// Slice returns the sorted contents. The returned slice aliases the
// array's backing storage and must not be retained past the next
// mutation.
func (c *CenteredArray[T]) Slice() []T { return c.window() }

func (c *CenteredArray[T]) shiftLeft(start, end, amount int) {
	copy(c.data[start-amount:end-amount], c.data[start:end])
}

func (c *CenteredArray[T]) shiftRight(start, end, amount int) {
	// copy() is memmove-safe for overlapping slices regardless of
	// shift direction.
	copy(c.data[start+amount:end+amount], c.data[start:end])
}

func (c *CenteredArray[T]) recenter() {
	desired := (len(c.data) - c.n) / 2
	if desired == c.offset {
		return
	}
	if desired > c.offset {
		c.shiftRight(c.offset, c.offset+c.n, desired-c.offset)
	} else {
		c.shiftLeft(c.offset, c.offset+c.n, c.offset-desired)
	}
	c.offset = desired
}

// search returns the position of v within the live window using
// binary search, and whether it was found exactly.
func (c *CenteredArray[T]) search(v T) (int, bool) {
	w := c.window()
	i, ok := slices.BinarySearch(w, v)
	return i, ok
}

// Contains reports whether v is present.
func (c *CenteredArray[T]) Contains(v T) bool {
	_, ok := c.search(v)
	return ok
}

// Insert adds v in sorted position, ignoring duplicates. It panics if
// the array is already full — callers (HybridSet) must promote to a
// larger representation before inserting into a full array, matching
// the spec's "invariant violation" class of fatal error (spec 7).
func (c *CenteredArray[T]) Insert(v T) {
	if c.n >= len(c.data) {
		panic("hybridset: insert into full CenteredArray")
	}

	if c.offset == 0 || c.offset+c.n >= len(c.data) {
		c.recenter()
	}

	idx, found := c.search(v)
	if found {
		return
	}

	if c.offset > 0 && idx < c.n/2 {
		c.shiftLeft(c.offset, c.offset+idx, 1)
		c.offset--
	} else {
		c.shiftRight(c.offset+idx, c.offset+c.n, 1)
	}

	c.data[c.offset+idx] = v
	c.n++
}

// Remove deletes v if present, reporting whether it was found.
func (c *CenteredArray[T]) Remove(v T) bool {
	idx, found := c.search(v)
	if !found {
		return false
	}

	removePos := c.offset + idx
	if idx < c.n/2 {
		c.shiftRight(c.offset, removePos, 1)
		c.offset++
	} else {
		c.shiftLeft(removePos+1, c.offset+c.n, 1)
	}
	c.n--
	return true
}
