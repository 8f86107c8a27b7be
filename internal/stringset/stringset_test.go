package stringset

import "testing"

func TestAddRemove(t *testing.T) {
	s := New()
	if !s.Add("a") {
		t.Fatal("expected add to report change")
	}
	if s.Add("a") {
		t.Fatal("expected duplicate add to report no change")
	}
	if s.Size() != 1 {
		t.Fatalf("size = %d, want 1", s.Size())
	}
	if !s.Remove("a") {
		t.Fatal("expected remove to report change")
	}
	if !s.Empty() {
		t.Fatal("expected set to be empty")
	}
}

func TestEqualIsOrderSensitive(t *testing.T) {
	a := FromSlice([]string{"x", "y"})
	b := FromSlice([]string{"y", "x"})
	if a.Equal(b) {
		t.Fatal("sets with different insertion order should not be equal")
	}
	c := FromSlice([]string{"x", "y"})
	if !a.Equal(c) {
		t.Fatal("sets with identical insertion order should be equal")
	}
}

func TestFilterInOut(t *testing.T) {
	declared := FromSlice([]string{"Audio", "Internet", "Pictures"})
	available := FromSlice([]string{"Audio", "Internet"})
	effective := declared.FilterIn(available)
	if effective.ToJoinedString() != "Audio,Internet" {
		t.Fatalf("effective = %q", effective.ToJoinedString())
	}
	diff := declared.FilterOut(available)
	if diff.ToJoinedString() != "Pictures" {
		t.Fatalf("diff = %q", diff.ToJoinedString())
	}
}

func TestRoundTrip(t *testing.T) {
	s := FromSlice([]string{"b", "a", "c"})
	rt := FromSlice(s.ToSlice())
	if !s.Equal(rt) {
		t.Fatal("round trip through ToSlice/FromSlice changed the set")
	}
}

func TestUnionIntoAndCopy(t *testing.T) {
	a := FromSlice([]string{"1"})
	b := FromSlice([]string{"1", "2"})
	if !a.UnionInto(b) {
		t.Fatal("expected union to report change")
	}
	if a.ToJoinedString() != "1,2" {
		t.Fatalf("a = %q", a.ToJoinedString())
	}
	cp := a.Copy()
	cp.Add("3")
	if a.Contains("3") {
		t.Fatal("copy should be independent")
	}
}

func TestSwapAndAssign(t *testing.T) {
	a := FromSlice([]string{"1"})
	b := FromSlice([]string{"2"})
	a.Swap(b)
	if a.ToJoinedString() != "2" || b.ToJoinedString() != "1" {
		t.Fatal("swap did not exchange contents")
	}
	a.Assign(FromSlice([]string{"x", "y"}))
	if a.ToJoinedString() != "x,y" {
		t.Fatalf("assign = %q", a.ToJoinedString())
	}
}

func TestToSortedSlice(t *testing.T) {
	s := FromSlice([]string{"Pictures", "Audio", "Internet"})
	got := s.ToSortedSlice()
	want := []string{"Audio", "Internet", "Pictures"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
