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

// Package value classifies host-language values into the small set of
// primitive tags the index core dispatches on, and computes the cached
// hash used for both posting-map keys and equality.
package value

import (
	"math"

	"github.com/dchest/siphash"
)

// Kind is the primitive classification of a Value.
type Kind uint8

const (
	Unknown Kind = iota
	Int
	Float
	Str
	Nested
	Iterable
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Float:
		return "float"
	case Str:
		return "str"
	case Nested:
		return "nested"
	case Iterable:
		return "iterable"
	default:
		return "unknown"
	}
}

// Attribute is a single (name, value) pair exposed by an indexable host item.
type Attribute struct {
	Name  string
	Value Value
}

// Attributer is the read half of the host-binding contract (spec 6.3.2):
// a host item must be able to enumerate its attributes in some order.
type Attributer interface {
	Attributes() []Attribute
}

// Identifiable may optionally be implemented by a host handle to supply
// a stable identity for deduplicating nested records across separate
// Go values that represent "the same" underlying object. Hosts that
// don't implement it fall back to the handle's pointer identity for
// reference kinds, or to its type name otherwise (see pointerIdentity).
type Identifiable interface {
	Identity() any
}

// siphash keys. The engine is a single-process, non-adversarial data
// structure: these are fixed so that hashing is deterministic within
// and across runs, not to resist hash-flooding.
const (
	k0 = 0x9ae16a3b2f90404f
	k1 = 0xc2b2ae3d27d4eb4f
)

// Value is the host-binding-contract value handle (spec 3, "Value").
// It carries a classified primitive tag plus a cached 64-bit hash.
//
// Equality of Values is defined by hash equality alone: two Values
// with equal Hash() are treated as equal even if their underlying
// bytes differ. This preserves an intentional quirk of the system
// this engine reimplements (see DESIGN.md, Open Question decisions) rather
// than silently "fixing" the observable behavior.
type Value struct {
	kind   Kind
	i      int64
	f      float64
	s      string
	nested Attributer
	items  []Value
	handle any
	hash   uint64
}

// Kind reports the value's primitive classification.
func (v Value) Kind() Kind { return v.kind }

// Int returns the underlying int64 together with whether v.Kind() == Int.
func (v Value) Int() (int64, bool) { return v.i, v.kind == Int }

// Float returns the underlying float64 together with whether v.Kind() == Float.
func (v Value) Float() (float64, bool) { return v.f, v.kind == Float }

// Str returns the underlying string together with whether v.Kind() == Str.
func (v Value) Str() (string, bool) { return v.s, v.kind == Str }

// Nested returns the nested record handle together with whether v.Kind() == Nested.
func (v Value) Nested() (Attributer, bool) { return v.nested, v.kind == Nested }

// Items returns the element values together with whether v.Kind() == Iterable.
func (v Value) Items() ([]Value, bool) { return v.items, v.kind == Iterable }

// Handle returns the retained host-language handle for this value, for
// re-materialization when results are collected (spec 6.3.1).
func (v Value) Handle() any { return v.handle }

// Hash returns the cached 64-bit hash used for equality and as the
// HybridSet/QueryMap key.
func (v Value) Hash() uint64 { return v.hash }

// Equal implements the hash-collision-as-equality semantics documented
// on Value.
func (v Value) Equal(o Value) bool { return v.hash == o.hash }

// Numeric reports whether v can participate in the numeric B+-tree
// (QueryMap.numeric): only Int and Float values are orderable.
func (v Value) Numeric() bool { return v.kind == Int || v.kind == Float }

// AsFloat64 returns v's value coerced to float64 for numeric-key
// encoding, valid only when v.Numeric().
func (v Value) AsFloat64() float64 {
	if v.kind == Int {
		return float64(v.i)
	}
	return v.f
}

func hashBytes(kind Kind, b []byte) uint64 {
	tagged := make([]byte, 1+len(b))
	tagged[0] = byte(kind)
	copy(tagged[1:], b)
	return siphash.Hash(k0, k1, tagged)
}

func le64(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}

// NewInt classifies an int64 host value.
func NewInt(i int64, handle any) Value {
	return Value{kind: Int, i: i, handle: handle, hash: hashBytes(Int, le64(uint64(i)))}
}

// NewFloat classifies a float64 host value. NaN is accepted (it simply
// hashes and orders as its own bit pattern; see numkey for the total
// order used by range queries).
func NewFloat(f float64, handle any) Value {
	return Value{kind: Float, f: f, handle: handle, hash: hashBytes(Float, le64(math.Float64bits(f)))}
}

// NewStr classifies a string host value.
func NewStr(s string, handle any) Value {
	return Value{kind: Str, s: s, handle: handle, hash: hashBytes(Str, []byte(s))}
}

// NewNested classifies a structured sub-record whose own attributes
// should be indexed recursively (spec 4.4, "insert... if Nested").
func NewNested(a Attributer, handle any) Value {
	h := hashBytes(Nested, identityBytes(handle, a))
	return Value{kind: Nested, nested: a, handle: handle, hash: h}
}

// NewIterable classifies a list/tuple/set-shaped host value: each
// element is later inserted separately under the same record id
// (spec 4.4, "if Iterable, insert each element separately").
func NewIterable(items []Value, handle any) Value {
	acc := uint64(0x1000000010101010)
	for _, it := range items {
		acc = acc*1099511628211 ^ it.hash
	}
	return Value{kind: Iterable, items: items, handle: handle, hash: acc}
}

// dictAttributer adapts a map-shaped host value into an Attributer
// whose synthetic attributes are the map's own keys (SPEC_FULL.md
// "Supplemented features" #1: the original engine's Dict case was a
// commented-out stub; this closes that gap by indexing a dict-shaped
// value as a genuine nested sub-record instead of dropping it).
type dictAttributer struct {
	handle any
	attrs  []Attribute
}

func (d dictAttributer) Attributes() []Attribute { return d.attrs }

func (d dictAttributer) Identity() any { return d.handle }

// NewDict classifies a map-shaped host value (Python dict equivalent)
// as a Nested value: it is indexed exactly like a structured
// sub-record whose attribute names are the map's keys and whose
// attribute values are the map's values, so a query like
// eq("meta.owner", "alice") works against a dict attribute the same
// way it works against a struct-shaped one.
func NewDict(entries map[string]Value, handle any) Value {
	attrs := make([]Attribute, 0, len(entries))
	for k, v := range entries {
		attrs = append(attrs, Attribute{Name: k, Value: v})
	}
	return NewNested(dictAttributer{handle: handle, attrs: attrs}, handle)
}

// NewUnknown classifies a host value this engine cannot interpret as
// any of the above; it still participates in exact-match equality via
// its hash, but never in numeric range queries.
func NewUnknown(handle any) Value {
	return Value{kind: Unknown, handle: handle, hash: hashBytes(Unknown, identityBytes(handle, nil))}
}

// identityBytes produces a stable byte sequence for hashing Nested and
// Unknown handles: it prefers an explicit Identifiable, then a
// pointer-shaped reflect identity, then falls back to the handle's type
// name (meaning all such values of one type get the same hash and so
// compare Equal).
func identityBytes(handle any, a Attributer) []byte {
	if id, ok := handle.(Identifiable); ok {
		return identityOf(id.Identity())
	}
	if a != nil {
		if id, ok := a.(Identifiable); ok {
			return identityOf(id.Identity())
		}
	}
	return pointerIdentity(handle)
}

func identityOf(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case int:
		return le64(uint64(int64(t)))
	case int64:
		return le64(uint64(t))
	case uint64:
		return le64(t)
	default:
		return pointerIdentity(v)
	}
}
