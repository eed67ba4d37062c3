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
	"fmt"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/latticeindex/core/value"
)

// rec is a minimal host item used across these tests: a fixed set of
// (name, Value) attribute pairs plus an optional stable identity (for
// nested records that should be recognized as "the same" child across
// separate Go values, per value.Identifiable).
type rec struct {
	id    string
	attrs []value.Attribute
}

func (r *rec) Attributes() []value.Attribute { return r.attrs }
func (r *rec) Identity() any                 { return r.id }

func newRec(id string, kv ...value.Attribute) *rec {
	return &rec{id: id, attrs: kv}
}

func attr(name string, v value.Value) value.Attribute {
	return value.Attribute{Name: name, Value: v}
}

func idsOf(bm *roaring.Bitmap) []uint32 { return bm.ToArray() }

func wantIDs(t *testing.T, bm *roaring.Bitmap, want ...uint32) {
	t.Helper()
	got := idsOf(bm)
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

// Seed scenario 1 (spec 8): gt on a numeric attribute, and gt against
// a non-numeric literal returning empty rather than erroring.
func TestSeedNumericGreaterThan(t *testing.T) {
	c := New()
	id1 := c.Add(newRec("1", attr("a", value.NewInt(5, 5))))
	id2 := c.Add(newRec("2", attr("a", value.NewInt(10, 10))))
	id3 := c.Add(newRec("3", attr("a", value.NewInt(15, 15))))

	view := c.ReducedQuery(Gt("a", value.NewInt(7, 7)))
	wantIDs(t, view.IDs(), id2, id3)

	_ = id1
	empty := c.ReducedQuery(Gt("a", value.NewStr("x", "x")))
	if empty.Len() != 0 {
		t.Fatalf("gt on non-numeric literal should be empty, got %d", empty.Len())
	}
}

// Seed scenario 2 (spec 8): iterable-valued attribute ("tags"),
// queried both as a bare equality (treated as membership) and as an
// In() over multiple values (OR semantics).
func TestSeedIterableTags(t *testing.T) {
	c := New()
	tagsXY := value.NewIterable([]value.Value{value.NewStr("x", "x"), value.NewStr("y", "y")}, nil)
	tagsYZ := value.NewIterable([]value.Value{value.NewStr("y", "y"), value.NewStr("z", "z")}, nil)
	id1 := c.Add(newRec("1", attr("tags", tagsXY)))
	id2 := c.Add(newRec("2", attr("tags", tagsYZ)))

	view := c.Reduced(map[string][]value.Value{"tags": {value.NewStr("y", "y")}})
	wantIDs(t, view.IDs(), id1, id2)

	view2 := c.Reduced(map[string][]value.Value{
		"tags": {value.NewStr("x", "x"), value.NewStr("z", "z")},
	})
	wantIDs(t, view2.IDs(), id1, id2)
}

// Seed scenario 3 (spec 8): a nested attribute path resolves into the
// child QueryMap's nested IndexCore and maps matches back to parents.
func TestSeedNestedAttributePath(t *testing.T) {
	c := New()
	child1 := value.NewNested(newRec("100", attr("k", value.NewInt(1, 1))), nil)
	child2 := value.NewNested(newRec("101", attr("k", value.NewInt(2, 2))), nil)
	_ = c.Add(newRec("10", attr("child", child1)))
	id11 := c.Add(newRec("11", attr("child", child2)))

	view := c.ReducedQuery(Eq("child.k", value.NewInt(2, 2)))
	wantIDs(t, view.IDs(), id11)
}

// Seed scenario 4 (spec 8): Reduce narrows the allowed set in place,
// shrinking posting lists for ids that no longer survive.
func TestSeedReduceShrinksPostings(t *testing.T) {
	c := New()
	id1 := c.Add(newRec("1", attr("a", value.NewInt(1, 1))))
	id2 := c.Add(newRec("2", attr("a", value.NewInt(1, 1))))
	_ = c.Add(newRec("3", attr("a", value.NewInt(2, 2))))
	_ = c.Add(newRec("4", attr("a", value.NewInt(2, 2))))

	c.Reduce(Eq("a", value.NewInt(1, 1)))

	if c.Len() != 2 {
		t.Fatalf("Len() after reduce = %d, want 2", c.Len())
	}
	all := c.ReducedQuery(Eq("a", value.NewInt(1, 1)))
	wantIDs(t, all.IDs(), id1, id2)

	stale := c.ReducedQuery(Eq("a", value.NewInt(2, 2)))
	if stale.Len() != 0 {
		t.Fatalf("stale posting should be gone after reduce, got %d", stale.Len())
	}
}

// Seed scenario 5 (spec 8): Between over an attribute that mixes int
// and float values must treat them as one ordered numeric space.
func TestSeedMixedNumericBetween(t *testing.T) {
	c := New()
	id1 := c.Add(newRec("1", attr("a", value.NewInt(1, 1))))
	id2 := c.Add(newRec("2", attr("a", value.NewFloat(1.5, 1.5))))
	id3 := c.Add(newRec("3", attr("a", value.NewInt(2, 2))))

	view := c.ReducedQuery(Bt("a", value.NewInt(1, 1), value.NewInt(2, 2)))
	wantIDs(t, view.IDs(), id1, id2, id3)
}

// Seed scenario 6 lives in intern/intern_test.go (interner stability
// is a property of the StringInterner, not of IndexCore).

func TestEmptyIndexQueriesAreEmpty(t *testing.T) {
	c := New()
	view := c.ReducedQuery(Eq("anything", value.NewInt(1, 1)))
	if view.Len() != 0 {
		t.Fatalf("empty index should answer every query empty, got %d", view.Len())
	}
}

func TestUnknownAttributeYieldsEmptyNotError(t *testing.T) {
	c := New()
	c.Add(newRec("1", attr("a", value.NewInt(1, 1))))
	view := c.ReducedQuery(Eq("never_indexed", value.NewInt(1, 1)))
	if view.Len() != 0 {
		t.Fatalf("unknown attribute should yield empty, got %d", view.Len())
	}
}

func TestAndOrNot(t *testing.T) {
	c := New()
	id1 := c.Add(newRec("1", attr("a", value.NewInt(1, 1)), attr("b", value.NewInt(1, 1))))
	id2 := c.Add(newRec("2", attr("a", value.NewInt(1, 1)), attr("b", value.NewInt(2, 2))))
	id3 := c.Add(newRec("3", attr("a", value.NewInt(2, 2)), attr("b", value.NewInt(2, 2))))

	and := c.ReducedQuery(And(Eq("a", value.NewInt(1, 1)), Eq("b", value.NewInt(1, 1))))
	wantIDs(t, and.IDs(), id1)

	or := c.ReducedQuery(Or(Eq("a", value.NewInt(2, 2)), Eq("b", value.NewInt(1, 1))))
	wantIDs(t, or.IDs(), id1, id3)

	not := c.ReducedQuery(Not(Eq("a", value.NewInt(1, 1))))
	wantIDs(t, not.IDs(), id3)

	_ = id2
}

// A boolean tree with more And/Or branch points than the evaluator's
// fan-out pool has workers must still terminate: a fixed-size pool
// that blocks a worker on a nested Map call (rather than letting it
// help drain the shared queue) deadlocks once nesting runs deep enough
// for every worker to be parked this way at once (spec 1/4.6, "rich
// boolean expressions").
func TestDeeplyNestedAndOrDoesNotDeadlock(t *testing.T) {
	c := New()
	onlyValues := []int64{0, 2, 4, 6}
	for _, v := range onlyValues {
		c.Add(newRec(fmt.Sprintf("only-%d", v), attr("a", value.NewInt(v, v))))
	}
	special := c.Add(newRec("special", attr("a", value.NewInt(100, 100))))

	// Every branch also matches "special", but each branch's other
	// disjunct is a distinct value none of the other branches share, so
	// the And of all four branches can only ever agree on "special".
	ors := make([]*Expr, 0, len(onlyValues))
	for _, v := range onlyValues {
		ors = append(ors, Or(Eq("a", value.NewInt(v, v)), Eq("a", value.NewInt(100, 100))))
	}
	expr := And(ors...)

	done := make(chan *roaring.Bitmap, 1)
	go func() {
		view := c.ReducedQuery(expr)
		done <- view.IDs()
	}()
	select {
	case ids := <-done:
		wantIDs(t, ids, special)
	case <-time.After(5 * time.Second):
		t.Fatalf("deeply nested And/Or evaluation did not terminate")
	}
}

func TestNeIsNotEq(t *testing.T) {
	c := New()
	id1 := c.Add(newRec("1", attr("a", value.NewInt(1, 1))))
	id2 := c.Add(newRec("2", attr("a", value.NewInt(2, 2))))
	view := c.ReducedQuery(Ne("a", value.NewInt(1, 1)))
	wantIDs(t, view.IDs(), id2)
	_ = id1
}

func TestGroupBy(t *testing.T) {
	c := New()
	idA1 := c.Add(newRec("1", attr("color", value.NewStr("red", "red"))))
	idA2 := c.Add(newRec("2", attr("color", value.NewStr("red", "red"))))
	idB := c.Add(newRec("3", attr("color", value.NewStr("blue", "blue"))))

	groups := c.GroupBy("color")
	if len(groups) != 2 {
		t.Fatalf("GroupBy produced %d groups, want 2", len(groups))
	}
	byValue := map[string][]uint32{}
	for _, g := range groups {
		s, _ := g.Value.Str()
		byValue[s] = idsOf(g.IDs)
	}
	if len(byValue["red"]) != 2 || byValue["red"][0] != idA1 || byValue["red"][1] != idA2 {
		t.Fatalf("red group = %v, want [%d %d]", byValue["red"], idA1, idA2)
	}
	if len(byValue["blue"]) != 1 || byValue["blue"][0] != idB {
		t.Fatalf("blue group = %v, want [%d]", byValue["blue"], idB)
	}
}

func TestGroupByNestedPath(t *testing.T) {
	c := New()
	child1 := value.NewNested(newRec("100", attr("k", value.NewInt(1, 1))), nil)
	child2 := value.NewNested(newRec("101", attr("k", value.NewInt(1, 1))), nil)
	child3 := value.NewNested(newRec("102", attr("k", value.NewInt(2, 2))), nil)
	id1 := c.Add(newRec("1", attr("child", child1)))
	id2 := c.Add(newRec("2", attr("child", child2)))
	id3 := c.Add(newRec("3", attr("child", child3)))

	groups := c.GroupBy("child.k")
	if len(groups) != 2 {
		t.Fatalf("GroupBy(child.k) produced %d groups, want 2", len(groups))
	}
	byValue := map[int64][]uint32{}
	for _, g := range groups {
		n, _ := g.Value.Int()
		byValue[n] = idsOf(g.IDs)
	}
	if len(byValue[1]) != 2 {
		t.Fatalf("group k=1 = %v, want 2 parents", byValue[1])
	}
	if len(byValue[2]) != 1 || byValue[2][0] != id3 {
		t.Fatalf("group k=2 = %v, want [%d]", byValue[2], id3)
	}
	_, _ = id1, id2
}

func TestUnionWith(t *testing.T) {
	a := New()
	idA := a.Add(newRec("1", attr("a", value.NewInt(1, 1))))

	b := New()
	b.Add(newRec("dummy", attr("other", value.NewInt(99, 99)))) // burn id 0 so b's ids don't alias a's
	idB := b.Add(newRec("2", attr("a", value.NewInt(1, 1))))
	b.Add(newRec("3", attr("a", value.NewInt(2, 2))))

	a.UnionWith(b)

	// UnionWith only merges posting lists for values already present in
	// a's exact map (spec 4.4 "merge": "it only extends values already
	// in self's exact map"), so a=2 (absent from a) is not pulled in.
	got := a.GetByAttribute(map[string][]value.Value{"a": {value.NewInt(1, 1)}})
	wantIDs(t, got, idA, idB)
}

func TestUnionWithEmptyIsNoop(t *testing.T) {
	a := New()
	id1 := a.Add(newRec("1", attr("a", value.NewInt(1, 1))))
	before := a.GetByAttribute(map[string][]value.Value{"a": {value.NewInt(1, 1)}})

	a.UnionWith(New())

	after := a.GetByAttribute(map[string][]value.Value{"a": {value.NewInt(1, 1)}})
	wantIDs(t, before, id1)
	wantIDs(t, after, id1)
}

func TestRebaseProducesEquivalentResults(t *testing.T) {
	c := New()
	c.Add(newRec("1", attr("a", value.NewInt(1, 1))))
	c.Add(newRec("2", attr("a", value.NewInt(2, 2))))
	c.Add(newRec("3", attr("a", value.NewInt(3, 3))))

	view := c.ReducedQuery(Gt("a", value.NewInt(1, 1)))
	rebased := view.Rebase()

	// Record IDs are not stable across rebase (spec 9, supplemented
	// feature 5); only the pointwise query results must agree.
	got := rebased.ReducedQuery(Gt("a", value.NewInt(0, 0)))
	if got.Len() != view.Len() {
		t.Fatalf("rebased index should answer the same query with the same cardinality: got %d, want %d", got.Len(), view.Len())
	}
}

func TestUpdateIndexReroutesPostings(t *testing.T) {
	c := New()
	id := c.Add(newRec("1", attr("a", value.NewInt(1, 1))))

	old := value.NewInt(1, 1)
	c.UpdateIndex("a", &old, value.NewInt(9, 9), id)

	stale := c.ReducedQuery(Eq("a", value.NewInt(1, 1)))
	if stale.Len() != 0 {
		t.Fatalf("old posting should be gone after UpdateIndex, got %d", stale.Len())
	}
	fresh := c.ReducedQuery(Eq("a", value.NewInt(9, 9)))
	wantIDs(t, fresh.IDs(), id)
}

func TestOrphanedNestedItemIsRemoved(t *testing.T) {
	c := New()
	child := value.NewNested(newRec("100", attr("k", value.NewInt(1, 1))), nil)
	id := c.Add(newRec("1", attr("child", child)))

	c.Reduce(Eq("child.k", value.NewInt(2, 2))) // no survivors

	if c.Len() != 0 {
		t.Fatalf("Len() after emptying reduce = %d, want 0", c.Len())
	}
	view := c.ReducedQuery(Eq("child.k", value.NewInt(1, 1)))
	if view.Len() != 0 {
		t.Fatalf("nested child should be orphaned and unreachable, got %d", view.Len())
	}
	_ = id
}

func TestCycleDetectionDoesNotInfiniteLoop(t *testing.T) {
	// A record that (indirectly) contains itself as a nested value must
	// not cause unbounded recursion on insert (spec 4.5/9).
	self := newRec("self")
	nested := value.NewNested(self, self)
	self.attrs = []value.Attribute{attr("self", nested)}

	done := make(chan RecordID, 1)
	go func() {
		c := New()
		done <- c.Add(self)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("insert of a self-referential record did not terminate")
	}
}

func TestFilteredViewReducedChaining(t *testing.T) {
	c := New()
	id1 := c.Add(newRec("1", attr("a", value.NewInt(1, 1)), attr("b", value.NewInt(1, 1))))
	_ = c.Add(newRec("2", attr("a", value.NewInt(1, 1)), attr("b", value.NewInt(2, 2))))

	view := c.Reduced(map[string][]value.Value{"a": {value.NewInt(1, 1)}})
	narrowed := view.Reduced(map[string][]value.Value{"b": {value.NewInt(1, 1)}})
	wantIDs(t, narrowed.IDs(), id1)
}
