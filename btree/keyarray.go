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

import "github.com/latticeindex/core/numkey"

// keyArray is a fixed-capacity, sorted array of composite keys stored
// in a centered window [offset, offset+n) of a backing slice of
// length MaxKeys, the same shape as hybridset.CenteredArray but keyed
// by numkey.Key's custom ordering rather than a built-in ordered type
// (Key is a two-field struct, so it cannot instantiate
// constraints.Ordered). Insertion and removal shift only the shorter
// side of the window; recentering happens once headroom on either
// side is exhausted.
type keyArray struct {
	data   [MaxKeys]numkey.Key
	offset int
	n      int
}

func (a *keyArray) Len() int { return a.n }
func (a *keyArray) Full() bool {
	return a.n >= int(float64(MaxKeys)*FillFactor)
}
func (a *keyArray) AtCapacity() bool { return a.n == MaxKeys }

func (a *keyArray) window() []numkey.Key { return a.data[a.offset : a.offset+a.n] }

// Slice returns the sorted contents; it aliases internal storage.
func (a *keyArray) Slice() []numkey.Key { return a.window() }

func (a *keyArray) At(i int) numkey.Key { return a.data[a.offset+i] }

func (a *keyArray) shiftLeft(start, end, amount int) {
	copy(a.data[start-amount:end-amount], a.data[start:end])
}

func (a *keyArray) shiftRight(start, end, amount int) {
	copy(a.data[start+amount:end+amount], a.data[start:end])
}

func (a *keyArray) recenter() {
	desired := (len(a.data) - a.n) / 2
	if desired == a.offset {
		return
	}
	if desired > a.offset {
		a.shiftRight(a.offset, a.offset+a.n, desired-a.offset)
	} else {
		a.shiftLeft(a.offset, a.offset+a.n, a.offset-desired)
	}
	a.offset = desired
}

// search returns the position of the first element >= k (lower_bound).
func (a *keyArray) search(k numkey.Key) int {
	w := a.window()
	lo, hi := 0, len(w)
	for lo < hi {
		mid := (lo + hi) / 2
		if w[mid].Less(k) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBound returns the number of elements <= k, i.e. the position of
// the first element strictly greater than k.
func (a *keyArray) upperBound(k numkey.Key) int {
	w := a.window()
	lo, hi := 0, len(w)
	for lo < hi {
		mid := (lo + hi) / 2
		if k.Less(w[mid]) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// Insert places k in sorted position. It panics if the array is
// already at hard capacity: callers must split before this happens
// (spec 7: attempting to overflow a node is a programmer-error class
// invariant violation).
func (a *keyArray) Insert(k numkey.Key) {
	if a.n >= len(a.data) {
		panic("btree: insert into full node")
	}
	if a.offset == 0 || a.offset+a.n >= len(a.data) {
		a.recenter()
	}
	idx := a.search(k)
	if a.offset > 0 && idx < a.n/2 {
		a.shiftLeft(a.offset, a.offset+idx, 1)
		a.offset--
	} else {
		a.shiftRight(a.offset+idx, a.offset+a.n, 1)
	}
	a.data[a.offset+idx] = k
	a.n++
}

// Remove deletes k if present, reporting whether it was found.
func (a *keyArray) Remove(k numkey.Key) bool {
	w := a.window()
	idx := a.search(k)
	if idx >= len(w) || !w[idx].Equal(k) {
		return false
	}
	removePos := a.offset + idx
	if idx < a.n/2 {
		a.shiftRight(a.offset, removePos, 1)
		a.offset++
	} else {
		a.shiftLeft(removePos+1, a.offset+a.n, 1)
	}
	a.n--
	return true
}

// splitOff removes and returns the top half of the array (from mid
// onward), leaving the bottom half in place. Used when splitting a
// full leaf or internal node.
func (a *keyArray) splitOff(mid int) []numkey.Key {
	w := a.window()
	right := append([]numkey.Key(nil), w[mid:]...)
	a.n = mid
	return right
}
