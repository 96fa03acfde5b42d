package ribout

import "testing"

// TestUpdateListPromoteAndDemote exercises the cross-queue history
// sharing design note: a RouteUpdate on UPDATE gains a second pending
// delta on BULK, promotes to an UpdateList sharing one history, then
// demotes back to a lone RouteUpdate once BULK drains.
func TestUpdateListPromoteAndDemote(t *testing.T) {
	route := testRoute("10.0.0.0/24")
	upd := NewRouteUpdate(route, Update)
	x := reachable(1)
	upd.SetUpdates(NewUpdateInfoSList(&UpdateInfo{Target: bits(0), Attrs: x}))
	upd.History().Upsert(x, bits(2))

	ul := Promote(upd)
	if ul.Get(Update) != upd {
		t.Fatalf("Promote must install the original RouteUpdate in its own queue slot")
	}
	if !upd.OnUpdateList() {
		t.Fatalf("a RouteUpdate added to an UpdateList must report OnUpdateList")
	}
	if !upd.History().Empty() {
		t.Fatalf("promotion must move history to the list, leaving the RouteUpdate's own history empty")
	}
	if ul.History().Empty() {
		t.Fatalf("the list should now hold the moved history")
	}

	bulk := NewRouteUpdate(route, Bulk)
	bulk.SetUpdates(NewUpdateInfoSList(&UpdateInfo{Target: bits(3), Attrs: x}))
	ul.Add(bulk)
	if ul.Count() != 2 {
		t.Fatalf("want 2 occupied slots after adding the bulk RouteUpdate, got %d", ul.Count())
	}

	// UPDATE drains first: removing it leaves only BULK.
	ul.Remove(upd)
	if ul.Count() != 1 {
		t.Fatalf("want 1 occupied slot after removing UPDATE, got %d", ul.Count())
	}
	sole := ul.Single()
	if sole != bulk {
		t.Fatalf("Single() must return the remaining RouteUpdate")
	}
	ul.Remove(sole)
	ul.MoveHistoryToRouteState(NewRouteState())
	if !ul.Empty() {
		t.Fatalf("an UpdateList with both slots vacated must report Empty")
	}
}
