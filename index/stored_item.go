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

package index

import (
	"sync"

	"github.com/latticeindex/core/hybridset"
	"github.com/latticeindex/core/intern"
	"github.com/latticeindex/core/value"
)

// RecordID densely identifies a stored item within one IndexCore
// (spec 3, "Record ID").
type RecordID = uint32

// parentage is carried only by items living inside a nested IndexCore
// (spec 3, StoredItem's "optional parent structure"): the set of
// outer-level record IDs that currently reference this item, a cache
// of ancestor identity hashes used to break insertion cycles, and the
// identity hash this item was inserted under (its own Value.Hash()
// as seen from any one of its parents).
type parentage struct {
	parents   *hybridset.Set      // outer RecordIDs holding this item
	selfHash  uint64              // this item's own Nested-value identity hash
	ancestors map[uint64]struct{} // identity hashes of every ancestor above selfHash, to the root
}

// isOrphaned reports whether no outer record references this item any
// longer (spec 3: "An item is orphaned when its parent ID set becomes
// empty").
func (p *parentage) isOrphaned() bool {
	return p == nil || p.parents == nil || p.parents.IsEmpty()
}

// StoredItem owns one indexed record: the host handle returned to
// callers on collection, the last-known value indexed per attribute
// (used to diff old/new values on update and to remove postings), and
// — for items inside a nested IndexCore — the parent-tracking
// structure above.
type StoredItem struct {
	mu     sync.Mutex
	id     RecordID
	handle value.Attributer
	values map[intern.ID]value.Value
	parent *parentage
}

func newStoredItem(id RecordID, handle value.Attributer) *StoredItem {
	return &StoredItem{
		id:     id,
		handle: handle,
		values: make(map[intern.ID]value.Value),
	}
}

// Handle returns the host item this record was built from, used when
// materializing query results back to the caller (spec 3: "py_handle").
func (s *StoredItem) Handle() value.Attributer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// valueFor returns the last-indexed value for attr, if any.
func (s *StoredItem) valueFor(attr intern.ID) (value.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[attr]
	return v, ok
}

func (s *StoredItem) setValue(attr intern.ID, v value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[attr] = v
}

func (s *StoredItem) clearValue(attr intern.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, attr)
}

func (s *StoredItem) attributeIDs() []intern.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]intern.ID, 0, len(s.values))
	for a := range s.values {
		ids = append(ids, a)
	}
	return ids
}

// addParent registers outer record id as a referent of this (nested)
// item, creating the parent-tracking structure on first use. ancestors
// is the identity-hash path from this item's own selfHash up to the
// root, cached once at creation so later insertions under this item
// can detect a cycle without walking back up through live IndexCores
// (spec 4.5, "cache ancestors on the StoredItem").
func (s *StoredItem) addParent(id RecordID, selfHash uint64, ancestors map[uint64]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parent == nil {
		s.parent = &parentage{parents: hybridset.New(), selfHash: selfHash, ancestors: ancestors}
	}
	s.parent.parents.Add(id)
}

// removeParent drops outer record id as a referent, reporting whether
// the item became orphaned as a result.
func (s *StoredItem) removeParent(id RecordID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parent == nil {
		return false
	}
	s.parent.parents.Remove(id)
	return s.parent.isOrphaned()
}

func (s *StoredItem) parentIDs() []RecordID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parent == nil || s.parent.parents == nil {
		return nil
	}
	return s.parent.parents.Iter()
}

func (s *StoredItem) identityHash() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parent == nil {
		return 0, false
	}
	return s.parent.selfHash, true
}

// ancestorInfo returns the cached ancestor-hash path and this item's
// own identity hash, or ok=false if s is not a nested item (i.e. lives
// at the root of an IndexCore tree and has no ancestors).
func (s *StoredItem) ancestorInfo() (ancestors map[uint64]struct{}, selfHash uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parent == nil {
		return nil, 0, false
	}
	return s.parent.ancestors, s.parent.selfHash, true
}
