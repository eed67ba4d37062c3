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
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/latticeindex/core/value"
)

// FilteredView is an immutable query-result handle (spec 4.7): the
// same underlying IndexCore and item table as the query it was built
// from, narrowed to a fixed set of allowed ids. Narrowing never
// mutates the IndexCore it was built from.
type FilteredView struct {
	index   *IndexCore
	allowed *roaring.Bitmap
}

// Len reports the number of records in the view.
func (v *FilteredView) Len() int { return int(v.allowed.GetCardinality()) }

// Reduced narrows the view further by kwargs-style equality, ANDed
// with the view's existing allowed set.
func (v *FilteredView) Reduced(kwargs map[string][]value.Value) *FilteredView {
	matched := v.index.filterByHashes(kwargs)
	matched.And(v.allowed)
	return &FilteredView{index: v.index, allowed: matched}
}

// ReducedQuery narrows the view further by an arbitrary boolean
// expression, evaluated with the view's own allowed set as the
// universe (so Not(x) is relative to the view, not the whole index).
func (v *FilteredView) ReducedQuery(expr *Expr) *FilteredView {
	matched := Eval(v.index, v.allowed, expr)
	matched.And(v.allowed)
	return &FilteredView{index: v.index, allowed: matched}
}

// Collect materializes the view's matching records as host handles
// (spec 4.7, "collect").
func (v *FilteredView) Collect() []value.Attributer {
	return v.index.GetFromIndexes(v.allowed)
}

// IDs returns the view's allowed record IDs as a roaring bitmap. The
// returned bitmap is the view's own and must not be mutated by the
// caller; compressed roaring bitmaps are one of the two result shapes
// the engine returns (spec 1, "OVERVIEW").
func (v *FilteredView) IDs() *roaring.Bitmap { return v.allowed }

// Rebase constructs a new, standalone IndexCore containing exactly
// this view's records, with fresh record IDs and postings rebuilt from
// scratch (spec 4.7, "rebase"). Callers must not assume ID stability
// across a rebase: a record's id in the rebased core has no relation
// to its id in v's original index.
func (v *FilteredView) Rebase() *IndexCore {
	return Rebase(v.Collect())
}
