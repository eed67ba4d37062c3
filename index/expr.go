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

import "github.com/latticeindex/core/value"

// Op names the operator of one Expr node (spec 6.1, "QueryExpr").
type Op uint8

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
	OpBt
	OpIn
	OpNot
	OpAnd
	OpOr
)

// Expr is a boolean query expression tree. Attr paths may name a
// nested attribute with dot notation ("child.name"); the evaluator
// splits on the first '.' and recurses into the nested IndexCore for
// the remainder (spec 4.6, "attribute path splitting").
type Expr struct {
	Op    Op
	Attr  string
	Val   value.Value
	Val2  value.Value // only meaningful for OpBt (upper bound)
	Vals  []value.Value
	Kids  []*Expr
}

func Eq(attr string, v value.Value) *Expr  { return &Expr{Op: OpEq, Attr: attr, Val: v} }
func Ne(attr string, v value.Value) *Expr  { return &Expr{Op: OpNe, Attr: attr, Val: v} }
func Gt(attr string, v value.Value) *Expr  { return &Expr{Op: OpGt, Attr: attr, Val: v} }
func Ge(attr string, v value.Value) *Expr  { return &Expr{Op: OpGe, Attr: attr, Val: v} }
func Lt(attr string, v value.Value) *Expr  { return &Expr{Op: OpLt, Attr: attr, Val: v} }
func Le(attr string, v value.Value) *Expr  { return &Expr{Op: OpLe, Attr: attr, Val: v} }

func Bt(attr string, lo, hi value.Value) *Expr {
	return &Expr{Op: OpBt, Attr: attr, Val: lo, Val2: hi}
}

func In(attr string, vs ...value.Value) *Expr {
	return &Expr{Op: OpIn, Attr: attr, Vals: vs}
}

func Not(e *Expr) *Expr { return &Expr{Op: OpNot, Kids: []*Expr{e}} }
func And(es ...*Expr) *Expr { return &Expr{Op: OpAnd, Kids: es} }
func Or(es ...*Expr) *Expr  { return &Expr{Op: OpOr, Kids: es} }

// attrParts splits attr on its first '.', matching the original
// engine's attr_parts: ("a.b.c", ok) -> ("a", "b.c", true).
func attrParts(attr string) (string, string, bool) {
	for i := 0; i < len(attr); i++ {
		if attr[i] == '.' {
			return attr[:i], attr[i+1:], true
		}
	}
	return attr, "", false
}

func withAttr(e *Expr, attr string) *Expr {
	clone := *e
	clone.Attr = attr
	return &clone
}
