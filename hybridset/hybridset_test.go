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

import "testing"

func TestEmptySet(t *testing.T) {
	s := New()
	if !s.IsEmpty() || s.Cardinality() != 0 || s.Variant() != Empty {
		t.Fatalf("new set should be Empty/empty, got variant=%v card=%d", s.Variant(), s.Cardinality())
	}
	if s.Contains(1) {
		t.Fatalf("empty set should not contain anything")
	}
}

func TestSmallToMediumTransition(t *testing.T) {
	s := New()
	for i := uint32(1); i <= SmallLimit; i++ {
		s.Add(i)
	}
	if s.Variant() != Small {
		t.Fatalf("at SmallLimit=%d elements, want Small, got %v", SmallLimit, s.Variant())
	}
	s.Add(SmallLimit + 1)
	if s.Variant() != Medium {
		t.Fatalf("at SmallLimit+1 elements, want Medium, got %v", s.Variant())
	}
	if s.Cardinality() != SmallLimit+1 {
		t.Fatalf("cardinality = %d, want %d", s.Cardinality(), SmallLimit+1)
	}
}

func TestMediumToLargeTransition(t *testing.T) {
	s := New()
	for i := uint32(1); i <= MedLimit; i++ {
		s.Add(i)
	}
	if s.Variant() != Medium {
		t.Fatalf("at MedLimit=%d elements, want Medium, got %v", MedLimit, s.Variant())
	}
	s.Add(MedLimit + 1)
	if s.Variant() != Large {
		t.Fatalf("at MedLimit+1 elements, want Large, got %v", s.Variant())
	}
	if s.Cardinality() != MedLimit+1 {
		t.Fatalf("cardinality = %d, want %d", s.Cardinality(), MedLimit+1)
	}
}

func TestNoDemotionOnRemove(t *testing.T) {
	s := New()
	for i := uint32(1); i <= MedLimit+1; i++ {
		s.Add(i)
	}
	if s.Variant() != Large {
		t.Fatalf("precondition: want Large, got %v", s.Variant())
	}
	for i := uint32(1); i <= MedLimit; i++ {
		s.Remove(i)
	}
	if s.Variant() != Large {
		t.Fatalf("remove must never demote, got %v", s.Variant())
	}
	if s.Cardinality() != 1 {
		t.Fatalf("cardinality after removes = %d, want 1", s.Cardinality())
	}
}

func TestAddIgnoresDuplicates(t *testing.T) {
	s := New()
	s.Add(5)
	s.Add(5)
	s.Add(5)
	if s.Cardinality() != 1 {
		t.Fatalf("duplicate adds should not grow cardinality, got %d", s.Cardinality())
	}
}

func TestContainsAcrossVariants(t *testing.T) {
	sizes := []int{1, SmallLimit + 1, MedLimit + 1}
	for _, n := range sizes {
		s := New()
		for i := 0; i < n; i++ {
			s.Add(uint32(i))
		}
		for i := 0; i < n; i++ {
			if !s.Contains(uint32(i)) {
				t.Fatalf("n=%d: missing member %d", n, i)
			}
		}
		if s.Contains(uint32(n + 1000)) {
			t.Fatalf("n=%d: unexpected member", n)
		}
	}
}

func TestOrInplace(t *testing.T) {
	a := Of([]uint32{1, 2, 3})
	b := Of([]uint32{3, 4, 5})
	a.OrInplace(b)
	want := []uint32{1, 2, 3, 4, 5}
	got := a.Iter()
	if len(got) != len(want) {
		t.Fatalf("OrInplace result = %v, want %v", got, want)
	}
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("OrInplace result = %v, want %v", got, want)
		}
	}
}

func TestOrInplacePromotesToLarge(t *testing.T) {
	a := Of([]uint32{1})
	bIDs := make([]uint32, 0, MedLimit+1)
	for i := uint32(100); i < 100+MedLimit+1; i++ {
		bIDs = append(bIDs, i)
	}
	b := Of(bIDs)
	a.OrInplace(b)
	if a.Variant() != Large {
		t.Fatalf("union with a Large set should yield Large, got %v", a.Variant())
	}
	if a.Cardinality() != uint64(len(bIDs)+1) {
		t.Fatalf("cardinality = %d, want %d", a.Cardinality(), len(bIDs)+1)
	}
}

func TestAndInplace(t *testing.T) {
	a := Of([]uint32{1, 2, 3, 4})
	b := Of([]uint32{2, 4, 6})
	a.AndInplace(b)
	if a.Cardinality() != 2 || !a.Contains(2) || !a.Contains(4) {
		t.Fatalf("AndInplace = %v, want {2,4}", a.Iter())
	}
}

func TestAndInplaceWithEmptyClears(t *testing.T) {
	a := Of([]uint32{1, 2, 3})
	a.AndInplace(New())
	if !a.IsEmpty() {
		t.Fatalf("intersection with empty set should be empty, got %v", a.Iter())
	}
}

func TestAsBitmapEveryVariant(t *testing.T) {
	for _, n := range []int{0, 1, SmallLimit + 1, MedLimit + 1} {
		s := New()
		for i := 0; i < n; i++ {
			s.Add(uint32(i))
		}
		bm := s.AsBitmap()
		if int(bm.GetCardinality()) != n {
			t.Fatalf("n=%d: AsBitmap cardinality = %d", n, bm.GetCardinality())
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := Of([]uint32{1, 2, 3})
	b := a.Clone()
	b.Add(4)
	if a.Contains(4) {
		t.Fatalf("mutating clone must not affect original")
	}
	if !b.Contains(4) {
		t.Fatalf("clone should have its own addition")
	}
}
