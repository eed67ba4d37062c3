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
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/latticeindex/core/internal/workpool"
)

// fanoutPool backs the And/Or evaluator's branch fan-out. A small
// fixed pool is shared process-wide: query evaluation is bursty and
// short-lived, so a persistent pool avoids repeatedly paying goroutine
// startup cost per query (spec 4.6, grounded on sorting/thread_pool.go
// via internal/workpool).
var fanoutPool = workpool.New(evaluatorParallelism())

func evaluatorParallelism() int {
	return 4
}

// Eval evaluates expr against core, restricted to allowed, and returns
// the matching bitmap (spec 4.6).
func Eval(core *IndexCore, allowed *roaring.Bitmap, expr *Expr) *roaring.Bitmap {
	switch expr.Op {
	case OpEq:
		return evalNumericLeaf(core, allowed, expr, func(qm *QueryMap) *roaring.Bitmap { return qm.eq(expr.Val, allowed) })

	case OpNe:
		return Eval(core, allowed, Not(Eq(expr.Attr, expr.Val)))

	case OpGt:
		return evalNumericLeaf(core, allowed, expr, func(qm *QueryMap) *roaring.Bitmap { return qm.gt(expr.Val, allowed) })
	case OpGe:
		return evalNumericLeaf(core, allowed, expr, func(qm *QueryMap) *roaring.Bitmap { return qm.ge(expr.Val, allowed) })
	case OpLt:
		return evalNumericLeaf(core, allowed, expr, func(qm *QueryMap) *roaring.Bitmap { return qm.lt(expr.Val, allowed) })
	case OpLe:
		return evalNumericLeaf(core, allowed, expr, func(qm *QueryMap) *roaring.Bitmap { return qm.le(expr.Val, allowed) })
	case OpBt:
		return evalNumericLeaf(core, allowed, expr, func(qm *QueryMap) *roaring.Bitmap { return qm.bt(expr.Val, expr.Val2, allowed) })

	case OpIn:
		base, rest, nested := attrParts(expr.Attr)
		if nested {
			return evalNested(core, base, In(rest, expr.Vals...))
		}
		result := roaring.New()
		for _, v := range expr.Vals {
			r := Eval(core, allowed, Eq(expr.Attr, v))
			r.And(allowed)
			result.Or(r)
		}
		return result

	case OpNot:
		inner := Eval(core, allowed, expr.Kids[0])
		return roaring.AndNot(allowed, inner)

	case OpAnd:
		bitmaps := evalChildren(core, allowed, expr.Kids)
		sort.Slice(bitmaps, func(i, j int) bool { return bitmaps[i].GetCardinality() < bitmaps[j].GetCardinality() })
		result := roaring.New()
		if len(bitmaps) == 0 {
			return result
		}
		result = bitmaps[0]
		for _, bm := range bitmaps[1:] {
			if result.IsEmpty() {
				break
			}
			result.And(bm)
		}
		return result

	case OpOr:
		bitmaps := evalChildren(core, allowed, expr.Kids)
		result := roaring.New()
		for _, bm := range bitmaps {
			result.Or(bm)
		}
		return result

	default:
		return roaring.New()
	}
}

// evalChildren evaluates every child expression, fanning the work out
// across the shared worker pool. Results are written by index, not
// completion order, so the reduction above stays deterministic
// regardless of goroutine scheduling (spec 5, "deterministic
// evaluation").
func evalChildren(core *IndexCore, allowed *roaring.Bitmap, exprs []*Expr) []*roaring.Bitmap {
	results := make([]*roaring.Bitmap, len(exprs))
	fanoutPool.Map(len(exprs), func(i int) {
		results[i] = Eval(core, allowed, exprs[i])
	})
	return results
}

// evalNumericLeaf resolves expr.Attr's base QueryMap and dispatches to
// localFn for a local attribute, or recurses into the nested IndexCore
// (with the attribute path's base segment stripped) for a dotted one.
// Despite the name, this handles every scalar comparison leaf
// (Eq/Gt/Ge/Lt/Le/Bt): Eq with a non-numeric literal is answered from
// the exact map by qm.eq, while Gt/Ge/Lt/Le/Bt with a non-numeric
// literal match nothing and yield an empty bitmap.
func evalNumericLeaf(core *IndexCore, allowed *roaring.Bitmap, expr *Expr, localFn func(*QueryMap) *roaring.Bitmap) *roaring.Bitmap {
	base, rest, hasNested := attrParts(expr.Attr)
	attrID, ok := core.lookupAttr(base)
	if !ok {
		return roaring.New()
	}
	qm := core.attrRead(attrID)
	if qm == nil {
		return roaring.New()
	}
	if hasNested {
		return evalNested(core, base, withAttr(expr, rest))
	}
	if expr.Op != OpEq && (!expr.Val.Numeric() || (expr.Op == OpBt && !expr.Val2.Numeric())) {
		return roaring.New()
	}
	return localFn(qm)
}

// evalNested evaluates nestedExpr against the nested IndexCore reached
// through base's QueryMap, then maps the resulting child bitmap back
// to the outer parent ids referencing each child (spec 4.6, "attribute
// paths").
func evalNested(core *IndexCore, base string, nestedExpr *Expr) *roaring.Bitmap {
	attrID, ok := core.lookupAttr(base)
	if !ok {
		return roaring.New()
	}
	qm := core.attrRead(attrID)
	if qm == nil {
		return roaring.New()
	}
	qm.nestedMu.Lock()
	nested := qm.nested
	qm.nestedMu.Unlock()
	if nested == nil {
		return roaring.New()
	}
	childAllowed := nested.allowedSnapshot()
	children := Eval(nested, childAllowed, nestedExpr)
	return qm.allowedParentsOf(children)
}
