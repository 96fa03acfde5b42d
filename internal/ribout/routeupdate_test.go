package ribout

import "testing"

func TestRouteUpdateMergeUpdatesDisjoint(t *testing.T) {
	ru := NewRouteUpdate(testRoute("10.0.0.0/24"), Update)
	x := reachable(1)
	ru.SetUpdates(NewUpdateInfoSList(&UpdateInfo{Target: bits(0, 1), Attrs: x}))

	y := reachable(2)
	// Peer 1 moves from x to y: merging must clear it from x's UpdateInfo.
	ru.MergeUpdates(NewUpdateInfoSList(&UpdateInfo{Target: bits(1), Attrs: y}))

	xEntry := ru.Updates().Find(x)
	yEntry := ru.Updates().Find(y)
	if xEntry == nil || !xEntry.Target.Equals(bits(0)) {
		t.Fatalf("x's UpdateInfo should have shrunk to {0}, got %v", xEntry)
	}
	if yEntry == nil || !yEntry.Target.Equals(bits(1)) {
		t.Fatalf("y's UpdateInfo should hold {1}, got %v", yEntry)
	}

	// Merging more peers into an existing Attrs unions rather than
	// duplicating the entry (P1: no two UpdateInfos share Attrs).
	ru.MergeUpdates(NewUpdateInfoSList(&UpdateInfo{Target: bits(3), Attrs: y}))
	if n := len(ru.Updates().Items()); n != 2 {
		t.Fatalf("merging onto an existing Attrs must not grow the list, got %d entries", n)
	}
	if yEntry := ru.Updates().Find(y); !yEntry.Target.Equals(bits(1, 3)) {
		t.Fatalf("y's UpdateInfo should now hold {1,3}, got %v", yEntry.Target)
	}
}

func TestRouteUpdateResetTargets(t *testing.T) {
	ru := NewRouteUpdate(testRoute("10.0.0.0/24"), Update)
	x := reachable(1)
	ru.SetUpdates(NewUpdateInfoSList(&UpdateInfo{Target: bits(0, 1, 2), Attrs: x}))

	ru.ResetTargets(bits(1))
	entry := ru.Updates().Find(x)
	if entry == nil || !entry.Target.Equals(bits(0, 2)) {
		t.Fatalf("ResetTargets should clear bit 1, got %v", entry)
	}

	ru.ResetTargets(bits(0, 2))
	if !ru.Empty() {
		t.Fatalf("ResetTargets emptying the only UpdateInfo must drop it")
	}
}

func TestRouteUpdateCompareUpdateInfo(t *testing.T) {
	ru := NewRouteUpdate(testRoute("10.0.0.0/24"), Update)
	x := reachable(1)
	ru.SetUpdates(NewUpdateInfoSList(&UpdateInfo{Target: bits(0, 1), Attrs: x}))

	same := NewUpdateInfoSList(&UpdateInfo{Target: bits(0, 1), Attrs: x})
	if !ru.CompareUpdateInfo(same) {
		t.Fatalf("an identical pending list must compare equal (duplicate suppression, P6)")
	}

	diff := NewUpdateInfoSList(&UpdateInfo{Target: bits(0), Attrs: x})
	if ru.CompareUpdateInfo(diff) {
		t.Fatalf("a narrower target set must not compare equal")
	}
}

func TestRouteUpdateSetUpdatesPanicsOnNonEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("SetUpdates on a non-empty RouteUpdate must panic (contract violation)")
		}
	}()
	ru := NewRouteUpdate(testRoute("10.0.0.0/24"), Update)
	ru.SetUpdates(NewUpdateInfoSList(&UpdateInfo{Target: bits(0), Attrs: reachable(1)}))
	ru.SetUpdates(NewUpdateInfoSList(&UpdateInfo{Target: bits(1), Attrs: reachable(2)}))
}

type testRoute string

func (r testRoute) Prefix() string { return string(r) }
