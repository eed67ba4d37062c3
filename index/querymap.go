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

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/latticeindex/core/btree"
	"github.com/latticeindex/core/hybridset"
	"github.com/latticeindex/core/intern"
	"github.com/latticeindex/core/numkey"
	"github.com/latticeindex/core/value"
)

// exactEntry pairs one distinct value with its posting list. Values
// are keyed by Hash() alone (spec, value.Value.Equal): two Values with
// equal hashes are the same map entry even if they're not otherwise
// identical, matching the source engine's hash-collision-as-equality
// semantics exactly (a PyValue-keyed FxHashMap hashes and compares via
// the same cached field).
type exactEntry struct {
	value value.Value
	ids   *hybridset.Set
}

// QueryMap is the per-attribute index structure (spec 4.4): an exact
// hash-keyed posting map for every value, a numeric B+-tree restricted
// to Int/Float values of the same attribute, and a lazily-created
// nested IndexCore for Nested values.
type QueryMap struct {
	attrID intern.ID
	owner  *IndexCore // the IndexCore this QueryMap's attribute lives in

	exactMu sync.RWMutex
	exact   map[uint64]*exactEntry

	numMu   sync.RWMutex
	numeric btree.Tree

	nestedMu sync.Mutex
	nested   *IndexCore
}

func newQueryMap(attrID intern.ID, owner *IndexCore) *QueryMap {
	return &QueryMap{attrID: attrID, owner: owner, exact: make(map[uint64]*exactEntry)}
}

func encodeNumeric(v value.Value) numkey.Num96 {
	if i, ok := v.Int(); ok {
		return numkey.EncodeInt64(i)
	}
	f, _ := v.Float()
	return numkey.EncodeFloat64(f)
}

// insert classifies value and adds id to every posting list it
// belongs in (spec 4.4, "insert").
func (qm *QueryMap) insert(v value.Value, id RecordID) {
	if items, ok := v.Items(); ok {
		for _, it := range items {
			qm.insert(it, id)
		}
		return
	}

	qm.insertExact(v, id)
	switch v.Kind() {
	case value.Int, value.Float:
		qm.insertNumeric(v, id)
	case value.Nested:
		qm.insertNested(v, id)
	}
}

// insertIfMissing is like insert but tolerates a posting that's
// already present instead of treating it as a duplicate-key
// violation. IndexCore.Reduce uses this to reinsert postings for
// survivors without assuming every attribute was actually pruned
// (spec 4.5, "reduce": "insert any postings that are missing for
// survivors") — insertExact and insertNested are already idempotent
// (map entry + hybridset.Add dedup; addNestedChild dedups by identity
// hash), but the numeric B+-tree panics on a duplicate composite key
// (spec 7), so that one path needs an explicit presence check.
func (qm *QueryMap) insertIfMissing(v value.Value, id RecordID) {
	if items, ok := v.Items(); ok {
		for _, it := range items {
			qm.insertIfMissing(it, id)
		}
		return
	}

	qm.insertExact(v, id)
	switch v.Kind() {
	case value.Int, value.Float:
		qm.insertNumericIfMissing(v, id)
	case value.Nested:
		qm.insertNested(v, id)
	}
}

func (qm *QueryMap) insertNumericIfMissing(v value.Value, id RecordID) {
	qm.numMu.Lock()
	defer qm.numMu.Unlock()
	code := encodeNumeric(v)
	if qm.numeric.Contains(code, id) {
		return
	}
	qm.numeric.Insert(code, id)
}

func (qm *QueryMap) insertExact(v value.Value, id RecordID) {
	qm.exactMu.Lock()
	defer qm.exactMu.Unlock()
	e, ok := qm.exact[v.Hash()]
	if !ok {
		e = &exactEntry{value: v, ids: hybridset.New()}
		qm.exact[v.Hash()] = e
	}
	e.ids.Add(id)
}

func (qm *QueryMap) insertNumeric(v value.Value, id RecordID) {
	qm.numMu.Lock()
	defer qm.numMu.Unlock()
	qm.numeric.Insert(encodeNumeric(v), id)
}

// insertNested implements spec 4.4's "(i) insert into the nested
// IndexCore recursively, (ii) bind the child's parent-set to include
// id, (iii) record the path-to-root to detect cycles and skip
// re-insertion": the child's identity hash is checked against id's own
// cached ancestor path before anything is created.
func (qm *QueryMap) insertNested(v value.Value, id RecordID) {
	qm.nestedMu.Lock()
	if qm.nested == nil {
		qm.nested = newNestedCore(qm.owner)
	}
	nested := qm.nested
	qm.nestedMu.Unlock()

	childHash := v.Hash()
	ancestors := qm.owner.ancestorHashesFor(id)
	if _, cyclic := ancestors[childHash]; cyclic {
		return
	}

	handle, _ := v.Nested()
	nested.addNestedChild(handle, childHash, id, ancestors)
}

// removeID is the inverse of insert (spec 4.4, "remove_id").
func (qm *QueryMap) removeID(v value.Value, id RecordID) {
	if items, ok := v.Items(); ok {
		for _, it := range items {
			qm.removeID(it, id)
		}
		return
	}

	qm.removeExact(v, id)
	switch v.Kind() {
	case value.Int, value.Float:
		qm.removeNumeric(v, id)
	case value.Nested:
		qm.removeNested(v, id)
	}
}

func (qm *QueryMap) removeExact(v value.Value, id RecordID) {
	qm.exactMu.RLock()
	e, ok := qm.exact[v.Hash()]
	qm.exactMu.RUnlock()
	if ok {
		e.ids.Remove(id)
	}
}

func (qm *QueryMap) removeNumeric(v value.Value, id RecordID) {
	qm.numMu.Lock()
	defer qm.numMu.Unlock()
	qm.numeric.Remove(encodeNumeric(v), id)
}

func (qm *QueryMap) removeNested(v value.Value, id RecordID) {
	qm.nestedMu.Lock()
	nested := qm.nested
	qm.nestedMu.Unlock()
	if nested == nil {
		return
	}
	childHash := v.Hash()
	if childID, ok := nested.findByIdentityHash(childHash); ok {
		nested.removeChild(childID, id)
	}
}

// checkPrune drops the posting list for val if it is now empty (spec
// 4.4, "check_prune").
func (qm *QueryMap) checkPrune(v value.Value) {
	qm.exactMu.RLock()
	e, ok := qm.exact[v.Hash()]
	qm.exactMu.RUnlock()
	if !ok || !e.ids.IsEmpty() {
		return
	}
	qm.exactMu.Lock()
	if cur, ok := qm.exact[v.Hash()]; ok && cur.ids.IsEmpty() {
		delete(qm.exact, v.Hash())
	}
	qm.exactMu.Unlock()
}


// exactBitmap returns the posting list for the value with the given
// hash, materialized as a roaring bitmap, or an empty bitmap if absent.
func (qm *QueryMap) exactBitmap(hash uint64) *roaring.Bitmap {
	qm.exactMu.RLock()
	defer qm.exactMu.RUnlock()
	e, ok := qm.exact[hash]
	if !ok {
		return roaring.New()
	}
	return e.ids.AsBitmap()
}

// eq implements spec 4.4's "eq": Int/Float go through the B+-tree
// (tolerating float equality quirks via the same order-preserving
// encoding used for range queries), everything else looks up exact.
func (qm *QueryMap) eq(v value.Value, allowed *roaring.Bitmap) *roaring.Bitmap {
	if v.Numeric() {
		code := encodeNumeric(v)
		qm.numMu.RLock()
		defer qm.numMu.RUnlock()
		return qm.numeric.Range(code, code, btree.Inclusive, btree.Inclusive, allowed)
	}
	bm := qm.exactBitmap(v.Hash())
	if allowed != nil {
		bm.And(allowed)
	}
	return bm
}

func (qm *QueryMap) gt(v value.Value, allowed *roaring.Bitmap) *roaring.Bitmap {
	qm.numMu.RLock()
	defer qm.numMu.RUnlock()
	return qm.numeric.Range(encodeNumeric(v), numkey.MaxNum96, btree.Exclusive, btree.Inclusive, allowed)
}

func (qm *QueryMap) ge(v value.Value, allowed *roaring.Bitmap) *roaring.Bitmap {
	qm.numMu.RLock()
	defer qm.numMu.RUnlock()
	return qm.numeric.Range(encodeNumeric(v), numkey.MaxNum96, btree.Inclusive, btree.Inclusive, allowed)
}

func (qm *QueryMap) lt(v value.Value, allowed *roaring.Bitmap) *roaring.Bitmap {
	qm.numMu.RLock()
	defer qm.numMu.RUnlock()
	return qm.numeric.Range(numkey.MinNum96, encodeNumeric(v), btree.Inclusive, btree.Exclusive, allowed)
}

func (qm *QueryMap) le(v value.Value, allowed *roaring.Bitmap) *roaring.Bitmap {
	qm.numMu.RLock()
	defer qm.numMu.RUnlock()
	return qm.numeric.Range(numkey.MinNum96, encodeNumeric(v), btree.Inclusive, btree.Inclusive, allowed)
}

func (qm *QueryMap) bt(lo, hi value.Value, allowed *roaring.Bitmap) *roaring.Bitmap {
	qm.numMu.RLock()
	defer qm.numMu.RUnlock()
	return qm.numeric.Range(encodeNumeric(lo), encodeNumeric(hi), btree.Inclusive, btree.Inclusive, allowed)
}

// merge unions other's posting lists into qm, value by value (spec
// 4.4, "merge"): values present only in other are not added, matching
// the original engine's merge (it only extends values already in
// self's exact map). Merged ids of Int/Float values are also added to
// the numeric B+-tree, so eq and range queries see them too.
func (qm *QueryMap) merge(other *QueryMap) {
	qm.exactMu.Lock()
	defer qm.exactMu.Unlock()
	other.exactMu.RLock()
	defer other.exactMu.RUnlock()
	for h, e := range qm.exact {
		if oe, ok := other.exact[h]; ok {
			e.ids.OrInplace(oe.ids)
			if e.value.Numeric() {
				for _, id := range oe.ids.Iter() {
					qm.insertNumericIfMissing(e.value, id)
				}
			}
		}
	}
}

// groupBy implements spec 4.4's "group_by": attr is the full
// (possibly dotted) path this QueryMap was looked up under. With no
// remaining dotted suffix, every (value, ids) pair in exact is
// returned directly. With a suffix, grouping recurses into the nested
// IndexCore and each child group's ids are mapped back to the parents
// referencing them.
func (qm *QueryMap) groupBy(attr string) []GroupEntry {
	_, rest, hasRest := attrParts(attr)
	if !hasRest {
		qm.exactMu.RLock()
		defer qm.exactMu.RUnlock()
		out := make([]GroupEntry, 0, len(qm.exact))
		for _, e := range qm.exact {
			out = append(out, GroupEntry{Value: e.value, IDs: e.ids.AsBitmap()})
		}
		return out
	}

	qm.nestedMu.Lock()
	nested := qm.nested
	qm.nestedMu.Unlock()
	if nested == nil {
		return nil
	}

	childGroups := nested.GroupBy(rest)
	out := make([]GroupEntry, 0, len(childGroups))
	for _, g := range childGroups {
		out = append(out, GroupEntry{Value: g.Value, IDs: qm.allowedParentsOf(g.IDs)})
	}
	return out
}

// allowedParentsOf returns the union of every outer parent id
// referencing any child in childIDs (spec 4.4's get_allowed_parents).
func (qm *QueryMap) allowedParentsOf(childIDs *roaring.Bitmap) *roaring.Bitmap {
	qm.nestedMu.Lock()
	nested := qm.nested
	qm.nestedMu.Unlock()
	result := roaring.New()
	if nested == nil {
		return result
	}
	it := childIDs.Iterator()
	for it.HasNext() {
		childID := it.Next()
		item := nested.itemAt(childID)
		if item == nil {
			continue
		}
		for _, pid := range item.parentIDs() {
			result.Add(pid)
		}
	}
	return result
}
