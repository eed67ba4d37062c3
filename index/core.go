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

// Package index implements the in-process inverted index: IndexCore
// (the attribute-to-posting-list table plus the item store), QueryMap
// (the per-attribute exact/numeric/nested structure), the boolean
// expression evaluator, and FilteredView (an immutable query result
// handle) (spec 4.4-4.7).
package index

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/latticeindex/core/intern"
	"github.com/latticeindex/core/value"
)

// idAllocator hands out dense RecordIDs, reusing freed ones LIFO
// (spec 9, "ID allocation with a free-list", grounded on
// indexable.rs's allocate_id/free_id).
type idAllocator struct {
	mu   sync.Mutex
	next RecordID
	free []RecordID
}

func (a *idAllocator) allocate() RecordID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	id := a.next
	a.next++
	return id
}

func (a *idAllocator) free_(id RecordID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, id)
}

// IndexCore is the engine's core data structure (spec 3, "IndexCore"):
// a resizable table of per-attribute QueryMaps, a table of StoredItems
// keyed by RecordID, and a roaring bitmap of currently-live ids. A
// nested IndexCore additionally carries a weak (plain, since Go's
// collector is tracing rather than refcounting) link up to the
// IndexCore that owns the QueryMap it backs.
type IndexCore struct {
	attrsMu sync.RWMutex
	attrs   []*QueryMap

	itemsMu sync.RWMutex
	items   []*StoredItem

	allowedMu sync.RWMutex
	allowed   *roaring.Bitmap

	interner   intern.Interner
	idAlloc    idAllocator
	parentCore *IndexCore

	// identityMu/identityIndex lets a nested core answer "have I
	// already indexed this host value, by content identity?" in O(1),
	// standing in for the original engine's array lookup on a stable
	// global object id (spec 4.5/9 cycle handling; see DESIGN.md).
	identityMu    sync.RWMutex
	identityIndex map[uint64]RecordID
}

// New returns an empty, root-level IndexCore.
func New() *IndexCore {
	return &IndexCore{allowed: roaring.New()}
}

func newNestedCore(parent *IndexCore) *IndexCore {
	c := New()
	c.parentCore = parent
	return c
}

// Len reports the number of live records.
func (c *IndexCore) Len() int {
	c.allowedMu.RLock()
	defer c.allowedMu.RUnlock()
	return int(c.allowed.GetCardinality())
}

func (c *IndexCore) allowedSnapshot() *roaring.Bitmap {
	c.allowedMu.RLock()
	defer c.allowedMu.RUnlock()
	return c.allowed.Clone()
}

func (c *IndexCore) setAllowed(id RecordID) {
	c.allowedMu.Lock()
	c.allowed.Add(id)
	c.allowedMu.Unlock()
}

func (c *IndexCore) clearAllowed(id RecordID) {
	c.allowedMu.Lock()
	c.allowed.Remove(id)
	c.allowedMu.Unlock()
}

func (c *IndexCore) replaceAllowed(bm *roaring.Bitmap) {
	c.allowedMu.Lock()
	c.allowed = bm
	c.allowedMu.Unlock()
}

func (c *IndexCore) growItemsLocked(id RecordID) {
	if int(id) >= len(c.items) {
		grown := make([]*StoredItem, id+1)
		copy(grown, c.items)
		c.items = grown
	}
}

func (c *IndexCore) itemAt(id RecordID) *StoredItem {
	c.itemsMu.RLock()
	defer c.itemsMu.RUnlock()
	if int(id) >= len(c.items) {
		return nil
	}
	return c.items[id]
}

func (c *IndexCore) setItem(id RecordID, item *StoredItem) {
	c.itemsMu.Lock()
	c.growItemsLocked(id)
	c.items[id] = item
	c.itemsMu.Unlock()
}

func (c *IndexCore) clearItem(id RecordID) {
	c.itemsMu.Lock()
	if int(id) < len(c.items) {
		c.items[id] = nil
	}
	c.itemsMu.Unlock()
}

// attrRead returns the QueryMap for attrID without creating one.
func (c *IndexCore) attrRead(attrID intern.ID) *QueryMap {
	c.attrsMu.RLock()
	defer c.attrsMu.RUnlock()
	if int(attrID) >= len(c.attrs) {
		return nil
	}
	return c.attrs[attrID]
}

// attrCreate returns the QueryMap for attrID, creating (and growing
// attrs to cover it) if absent.
func (c *IndexCore) attrCreate(attrID intern.ID) *QueryMap {
	c.attrsMu.Lock()
	defer c.attrsMu.Unlock()
	idx := int(attrID)
	if idx >= len(c.attrs) {
		grown := make([]*QueryMap, idx+1)
		copy(grown, c.attrs)
		c.attrs = grown
	}
	if c.attrs[idx] == nil {
		c.attrs[idx] = newQueryMap(attrID, c)
	}
	return c.attrs[idx]
}

// attrsSnapshot returns a stable copy of the attrs slice for iteration
// without holding attrsMu across each QueryMap's own locking.
func (c *IndexCore) attrsSnapshot() []*QueryMap {
	c.attrsMu.RLock()
	defer c.attrsMu.RUnlock()
	return append([]*QueryMap(nil), c.attrs...)
}

func (c *IndexCore) internAttr(name string) intern.ID {
	return c.interner.Intern(name)
}

// lookupAttr resolves name to an already-interned attrID without
// interning it: a query against a name nobody has ever indexed yields
// an empty result rather than growing the interner.
func (c *IndexCore) lookupAttr(name string) (intern.ID, bool) {
	return c.interner.Lookup(name)
}

// ancestorHashesFor returns the identity-hash path from id's own
// ancestor chain up to the root, used to detect a cycle before
// inserting a new Nested value under id (spec 4.5, "cycle handling").
// nil when id is a root-level record (no ancestors).
func (c *IndexCore) ancestorHashesFor(id RecordID) map[uint64]struct{} {
	item := c.itemAt(id)
	if item == nil {
		return nil
	}
	ancestors, self, ok := item.ancestorInfo()
	if !ok {
		return nil
	}
	out := make(map[uint64]struct{}, len(ancestors)+1)
	for h := range ancestors {
		out[h] = struct{}{}
	}
	out[self] = struct{}{}
	return out
}

// Add inserts handle as a new top-level record and returns its id
// (spec 4.5, "add").
func (c *IndexCore) Add(handle value.Attributer) RecordID {
	id := c.idAlloc.allocate()
	item := newStoredItem(id, handle)
	c.setItem(id, item)
	c.setAllowed(id)
	for _, a := range handle.Attributes() {
		c.insertAttr(id, item, a.Name, a.Value)
	}
	return id
}

// AddMany inserts every handle as a new top-level record. Per spec
// 4.5, ids and item slots are allocated and published under the
// items/allowed writer leases in one pass; per-attribute insertion
// (which takes its own, separate QueryMap leases) happens afterward,
// limiting how long the global items/allowed locks are held.
func (c *IndexCore) AddMany(handles []value.Attributer) []RecordID {
	ids := make([]RecordID, len(handles))
	items := make([]*StoredItem, len(handles))

	c.itemsMu.Lock()
	c.allowedMu.Lock()
	for i, h := range handles {
		id := c.idAlloc.allocate()
		item := newStoredItem(id, h)
		c.growItemsLocked(id)
		c.items[id] = item
		c.allowed.Add(id)
		ids[i] = id
		items[i] = item
	}
	c.allowedMu.Unlock()
	c.itemsMu.Unlock()

	for i, h := range handles {
		for _, a := range h.Attributes() {
			c.insertAttr(ids[i], items[i], a.Name, a.Value)
		}
	}
	return ids
}

func (c *IndexCore) insertAttr(id RecordID, item *StoredItem, name string, v value.Value) {
	attrID := c.internAttr(name)
	qm := c.attrCreate(attrID)
	item.setValue(attrID, v)
	qm.insert(v, id)
}

// addNestedChild creates (or, if already present by identity hash,
// reuses) the StoredItem for a Nested value inserted as child of
// parentID, then recursively indexes the child's own attributes. It
// returns the child's RecordID within this (nested) core.
func (c *IndexCore) addNestedChild(handle value.Attributer, childHash uint64, parentID RecordID, ancestors map[uint64]struct{}) RecordID {
	if existing, ok := c.findByIdentityHash(childHash); ok {
		c.registerParent(existing, parentID, childHash, ancestors)
		return existing
	}

	id := c.idAlloc.allocate()
	item := newStoredItem(id, handle)
	item.addParent(parentID, childHash, ancestors)
	c.setItem(id, item)
	c.setAllowed(id)
	c.recordIdentityHash(childHash, id)
	for _, a := range handle.Attributes() {
		c.insertAttr(id, item, a.Name, a.Value)
	}
	return id
}

// findByIdentityHash reports the RecordID already holding a nested
// child whose identity hash is h, if any.
func (c *IndexCore) findByIdentityHash(h uint64) (RecordID, bool) {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	id, ok := c.identityIndex[h]
	return id, ok
}

func (c *IndexCore) recordIdentityHash(h uint64, id RecordID) {
	c.identityMu.Lock()
	if c.identityIndex == nil {
		c.identityIndex = make(map[uint64]RecordID)
	}
	c.identityIndex[h] = id
	c.identityMu.Unlock()
}

func (c *IndexCore) registerParent(id, parentID RecordID, selfHash uint64, ancestors map[uint64]struct{}) {
	item := c.itemAt(id)
	if item == nil {
		return
	}
	item.addParent(parentID, selfHash, ancestors)
}

// removeChild decrements id's parent-set for the outer record
// parentID; if id becomes orphaned as a result, its postings are
// purged and its slot freed (spec 3, "orphaned nested items are
// removed from their nested IndexCore").
func (c *IndexCore) removeChild(id, parentID RecordID) {
	item := c.itemAt(id)
	if item == nil {
		return
	}
	if !item.removeParent(parentID) {
		return
	}
	c.purge(id, item)
}

// purge removes id's postings from every attribute it was indexed
// under, then frees its item slot, allowed bit, and RecordID.
func (c *IndexCore) purge(id RecordID, item *StoredItem) {
	for _, attrID := range item.attributeIDs() {
		if qm := c.attrRead(attrID); qm != nil {
			if v, ok := item.valueFor(attrID); ok {
				qm.removeID(v, id)
				qm.checkPrune(v)
			}
		}
	}
	if self, ok := item.identityHash(); ok {
		c.identityMu.Lock()
		delete(c.identityIndex, self)
		c.identityMu.Unlock()
	}
	c.clearItem(id)
	c.clearAllowed(id)
	c.idAlloc.free_(id)
}

// Reduce evaluates expr against c's entire allowed set and retains
// only the survivors in place: postings for ids that no longer
// satisfy expr are dropped, and postings for survivors that were
// previously pruned (e.g. by a prior reduce on a different query) are
// reinserted from each item's own cached values (spec 4.5, "reduce").
func (c *IndexCore) Reduce(expr *Expr) {
	allowed := c.allowedSnapshot()
	survivors := Eval(c, allowed, expr)

	toRemove := roaring.AndNot(allowed, survivors)
	it := toRemove.Iterator()
	for it.HasNext() {
		id := it.Next()
		if item := c.itemAt(id); item != nil {
			c.purge(id, item)
		}
	}

	it = survivors.Iterator()
	for it.HasNext() {
		id := it.Next()
		item := c.itemAt(id)
		if item == nil {
			continue
		}
		for _, attrID := range item.attributeIDs() {
			v, ok := item.valueFor(attrID)
			if !ok {
				continue
			}
			qm := c.attrCreate(attrID)
			qm.insertIfMissing(v, id)
		}
	}

	c.replaceAllowed(survivors)
}

// Reduced returns a FilteredView over the records matching every
// (attr, value) pair in kwargs, intersected with c's current allowed
// set (spec 4.5, "reduced").
func (c *IndexCore) Reduced(kwargs map[string][]value.Value) *FilteredView {
	matched := c.filterByHashes(kwargs)
	matched.And(c.allowedSnapshot())
	return c.viewFrom(matched)
}

// ReducedQuery returns a FilteredView over the records matching expr,
// intersected with c's current allowed set.
func (c *IndexCore) ReducedQuery(expr *Expr) *FilteredView {
	allowed := c.allowedSnapshot()
	return c.viewFrom(Eval(c, allowed, expr))
}

// GetByAttribute returns the bitmap of records matching every (attr,
// values...) pair in kwargs (kwargs-style equality, OR within one
// attribute's value list, AND across attributes).
func (c *IndexCore) GetByAttribute(kwargs map[string][]value.Value) *roaring.Bitmap {
	return c.filterByHashes(kwargs)
}

func (c *IndexCore) filterByHashes(kwargs map[string][]value.Value) *roaring.Bitmap {
	result := roaring.New()
	first := true
	for attr, vals := range kwargs {
		attrID, ok := c.lookupAttr(attr)
		if !ok {
			return roaring.New()
		}
		qm := c.attrRead(attrID)
		if qm == nil {
			return roaring.New()
		}
		perAttr := roaring.New()
		for _, v := range vals {
			perAttr.Or(qm.exactBitmap(v.Hash()))
		}
		if first {
			result = perAttr
			first = false
			continue
		}
		result.And(perAttr)
		if result.IsEmpty() {
			return result
		}
	}
	if first {
		return roaring.New()
	}
	return result
}

func (c *IndexCore) viewFrom(bm *roaring.Bitmap) *FilteredView {
	return &FilteredView{index: c, allowed: bm}
}

// GetFromIndexes materializes the host handles for every id in bm.
func (c *IndexCore) GetFromIndexes(bm *roaring.Bitmap) []value.Attributer {
	out := make([]value.Attributer, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		id := it.Next()
		if item := c.itemAt(id); item != nil {
			out = append(out, item.Handle())
		}
	}
	return out
}

// UnionWith merges other's per-attribute posting lists into c, growing
// c.attrs to cover each merged attribute as needed (spec 4.5,
// "union_with"). It does not touch items/allowed: union_with is purely
// an attribute-index merge, matching the original engine's
// index.rs::union_with.
//
// Each IndexCore owns its own string interner (see DESIGN.md, Open
// Question: per-core vs. global interning), so the same StrId can name
// different attributes in c and other. Attributes are therefore
// matched by resolving other's StrId back to its name and re-interning
// that name against c, rather than assuming the two cores' StrId
// spaces line up positionally.
func (c *IndexCore) UnionWith(other *IndexCore) {
	otherAttrs := other.attrsSnapshot()
	for attrID := range otherAttrs {
		qm := otherAttrs[attrID]
		if qm == nil {
			continue
		}
		name, ok := other.interner.Resolve(intern.ID(attrID))
		if !ok {
			continue
		}
		selfQM := c.attrCreate(c.internAttr(name))
		selfQM.merge(qm)
	}
}

// GroupEntry is one (value, matching-ids) pair returned by GroupBy —
// the idiomatic-Go rendition of the original's list of (value,
// HybridSet) pairs (Go structs holding an Iterable field aren't valid
// map keys, so a dict-of-groups becomes a slice of pairs).
type GroupEntry struct {
	Value value.Value
	IDs   *roaring.Bitmap
}

// GroupBy partitions the live records by their value at path (spec
// 4.5/6.1, "group_by"): path may name a nested attribute with dot
// notation, in which case grouping happens in the nested IndexCore and
// each child group is mapped back to the parents that reference it.
func (c *IndexCore) GroupBy(path string) []GroupEntry {
	base, _, _ := attrParts(path)
	attrID, ok := c.lookupAttr(base)
	if !ok {
		return nil
	}
	qm := c.attrRead(attrID)
	if qm == nil {
		return nil
	}
	return qm.groupBy(path)
}

// UpdateIndex re-indexes a single attribute after a host-binding
// callback reports that item id's attribute value changed in place
// (spec 9, "update_index"): the old posting is removed (if any), the
// new one is inserted, and the item's own cached value is replaced.
func (c *IndexCore) UpdateIndex(name string, old *value.Value, newVal value.Value, id RecordID) {
	attrID := c.internAttr(name)
	qm := c.attrCreate(attrID)
	if old != nil {
		qm.removeID(*old, id)
		qm.checkPrune(*old)
	}
	qm.insert(newVal, id)
	if item := c.itemAt(id); item != nil {
		item.setValue(attrID, newVal)
	}
}

// Rebase constructs a new standalone IndexCore containing exactly the
// records in handles, with fresh record IDs and postings rebuilt from
// scratch (spec 4.7, "rebase"): callers must not assume id stability
// across a rebase.
func Rebase(handles []value.Attributer) *IndexCore {
	out := New()
	out.AddMany(handles)
	return out
}
