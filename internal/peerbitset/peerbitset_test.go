package peerbitset

import "testing"

func TestSetResetTest(t *testing.T) {
	s := New()
	if s.Test(3) {
		t.Fatalf("expected 3 unset on empty set")
	}
	s.Set(3)
	if !s.Test(3) {
		t.Fatalf("expected 3 set")
	}
	s.Reset(3)
	if s.Test(3) {
		t.Fatalf("expected 3 unset after reset")
	}
}

func TestFindFirstFindNext(t *testing.T) {
	s := New()
	if s.FindFirst() != NPos {
		t.Fatalf("expected NPos on empty set")
	}
	s.Set(2)
	s.Set(70)
	s.Set(130)

	got := []int{}
	for i := s.FindFirst(); i != NPos; i = s.FindNext(i) {
		got = append(got, i)
	}
	want := []int{2, 70, 130}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestFindNextNPos(t *testing.T) {
	s := New()
	s.Set(5)
	if got := s.FindNext(NPos); got != NPos {
		t.Fatalf("FindNext(NPos) = %d, want NPos", got)
	}
	if got := s.FindNext(5); got != NPos {
		t.Fatalf("FindNext(5) = %d, want NPos", got)
	}
}

func TestCountEmpty(t *testing.T) {
	s := New()
	if !s.Empty() {
		t.Fatalf("expected empty")
	}
	if s.Count() != 0 {
		t.Fatalf("expected count 0")
	}
	s.Set(0)
	s.Set(64)
	s.Set(128)
	if s.Empty() {
		t.Fatalf("expected non-empty")
	}
	if s.Count() != 3 {
		t.Fatalf("expected count 3, got %d", s.Count())
	}
}

func TestUnionIntersectionDifference(t *testing.T) {
	a := New()
	a.Set(1)
	a.Set(2)
	a.Set(100)

	b := New()
	b.Set(2)
	b.Set(3)

	union := a.Clone()
	union.Union(b)
	for _, i := range []int{1, 2, 3, 100} {
		if !union.Test(i) {
			t.Fatalf("union missing bit %d", i)
		}
	}

	inter := a.Clone()
	inter.Intersection(b)
	if inter.Count() != 1 || !inter.Test(2) {
		t.Fatalf("expected intersection {2}, got count=%d", inter.Count())
	}

	diff := a.Clone()
	diff.Difference(b)
	if diff.Test(2) || !diff.Test(1) || !diff.Test(100) {
		t.Fatalf("unexpected difference result")
	}
}

func TestDifferentSizesZeroExtend(t *testing.T) {
	short := New()
	short.Set(1)

	long := New()
	long.Set(1)
	long.Set(200)

	if !long.Contains(short) {
		t.Fatalf("expected long to contain short")
	}
	if short.Contains(long) {
		t.Fatalf("did not expect short to contain long")
	}
	if short.Equals(long) {
		t.Fatalf("did not expect equality across differing sizes")
	}

	short.Union(long)
	if !short.Test(200) {
		t.Fatalf("expected union to grow the shorter set")
	}
}

func TestEquals(t *testing.T) {
	a := New()
	b := New()
	if !a.Equals(b) {
		t.Fatalf("two empty sets should be equal")
	}
	a.Set(5)
	if a.Equals(b) {
		t.Fatalf("sets should differ")
	}
	b.Set(5)
	if !a.Equals(b) {
		t.Fatalf("sets should now be equal")
	}
}

func TestRangeAscending(t *testing.T) {
	s := New()
	for _, i := range []int{300, 1, 64, 2} {
		s.Set(i)
	}
	var got []int
	s.Range(func(i int) bool {
		got = append(got, i)
		return true
	})
	want := []int{1, 2, 64, 300}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestRangeEarlyStop(t *testing.T) {
	s := New()
	s.Set(1)
	s.Set(2)
	s.Set(3)
	count := 0
	s.Range(func(i int) bool {
		count++
		return i != 2
	})
	if count != 2 {
		t.Fatalf("expected range to stop after index 2, visited %d", count)
	}
}

func TestAllocatorReuse(t *testing.T) {
	a := NewAllocator()
	i0 := a.Allocate()
	i1 := a.Allocate()
	i2 := a.Allocate()
	if i0 != 0 || i1 != 1 || i2 != 2 {
		t.Fatalf("expected dense 0,1,2 got %d,%d,%d", i0, i1, i2)
	}
	a.Release(i1)
	i3 := a.Allocate()
	if i3 != i1 {
		t.Fatalf("expected released index %d to be reused, got %d", i1, i3)
	}
	if a.Size() != 3 {
		t.Fatalf("expected size 3, got %d", a.Size())
	}
}
