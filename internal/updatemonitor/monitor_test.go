package updatemonitor

import (
	"testing"

	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
	"github.com/route-beacon/bgp-ribout/internal/routetable"
	"github.com/route-beacon/bgp-ribout/internal/updatequeue"
)

func bits(idx ...int) *peerbitset.Set {
	s := peerbitset.New()
	for _, i := range idx {
		s.Set(i)
	}
	return s
}

func reachable(seq uint64) *ribout.Attr {
	return ribout.NewAttr(&ribout.AttrObject{Seq: seq}, []ribout.NextHop{{Address: "10.0.0.1"}})
}

func newTestMonitor() (*Monitor, *routetable.Table, ribout.ListenerID) {
	table := routetable.New(1, nil)
	const listener ribout.ListenerID = 0
	queues := [ribout.QueueCount]*updatequeue.UpdateQueue{
		ribout.Bulk:   updatequeue.New(ribout.Bulk),
		ribout.Update: updatequeue.New(ribout.Update),
	}
	return New(table, listener, queues), table, listener
}

func TestMonitorMergeUpdateCreatesThenMerges(t *testing.T) {
	mon, table, listener := newTestMonitor()
	route := table.Upsert("10.0.0.0/24", nil) // content unused by the monitor

	x := reachable(1)
	ru1 := ribout.NewRouteUpdate(route, ribout.Bulk)
	ru1.SetUpdates(ribout.NewUpdateInfoSList(&ribout.UpdateInfo{Target: bits(0), Attrs: x}))

	kicked := mon.MergeUpdate(route, ru1)
	if !kicked {
		t.Fatalf("first MergeUpdate on an empty DBState must report needs-kick=true")
	}
	if mon.Queue(ribout.Bulk).Len() != 1 {
		t.Fatalf("want 1 pending RouteUpdate on BULK after first merge")
	}

	ru2 := ribout.NewRouteUpdate(route, ribout.Bulk)
	ru2.SetUpdates(ribout.NewUpdateInfoSList(&ribout.UpdateInfo{Target: bits(1), Attrs: x}))
	kicked = mon.MergeUpdate(route, ru2)
	if kicked {
		t.Fatalf("merging into an already-pending BULK RouteUpdate must not need a kick")
	}
	if mon.Queue(ribout.Bulk).Len() != 1 {
		t.Fatalf("merge must fold into the existing RouteUpdate, not enqueue a second one")
	}

	state, _ := route.GetDBState(table, listener)
	ru, ok := state.(*ribout.RouteUpdate)
	if !ok {
		t.Fatalf("want *ribout.RouteUpdate DBState, got %T", state)
	}
	entry := ru.Updates().Find(x)
	if entry == nil || !entry.Target.Equals(bits(0, 1)) {
		t.Fatalf("merged target should be {0,1}, got %v", entry)
	}
}

func TestMonitorGetDBStateAndDequeueDuplicate(t *testing.T) {
	mon, table, listener := newTestMonitor()
	route := table.Upsert("10.0.0.0/24", nil)

	x := reachable(1)
	ru := ribout.NewRouteUpdate(route, ribout.Update)
	ru.SetUpdates(ribout.NewUpdateInfoSList(&ribout.UpdateInfo{Target: bits(0, 1), Attrs: x}))
	route.SetDBState(table, listener, ru)
	mon.Queue(ribout.Update).Enqueue(ru)

	proposed := ribout.NewUpdateInfoSList(&ribout.UpdateInfo{Target: bits(0, 1), Attrs: x})
	dup := func(existing *ribout.RouteUpdate) bool { return existing.CompareUpdateInfo(proposed) }

	state, wasDup := mon.GetDBStateAndDequeue(route, dup)
	if !wasDup || state != nil {
		t.Fatalf("an identical proposed state must be reported as duplicate, got state=%v dup=%v", state, wasDup)
	}
	if mon.Queue(ribout.Update).Len() != 1 {
		t.Fatalf("a duplicate must leave the RouteUpdate in place on its queue")
	}

	notDup := func(existing *ribout.RouteUpdate) bool { return false }
	state2, wasDup2 := mon.GetDBStateAndDequeue(route, notDup)
	if wasDup2 {
		t.Fatalf("non-duplicate predicate must not report duplicate")
	}
	if state2 != ru {
		t.Fatalf("non-duplicate GetDBStateAndDequeue must return and dequeue the existing RouteUpdate")
	}
	if mon.Queue(ribout.Update).Len() != 0 {
		t.Fatalf("the RouteUpdate must have been dequeued from its queue")
	}
}

func TestMonitorClearPeerSetCurrentAndScheduled(t *testing.T) {
	mon, table, listener := newTestMonitor()
	route := table.Upsert("10.0.0.0/24", nil)

	x := reachable(1)
	rs := ribout.NewRouteState()
	rs.History().Upsert(x, bits(0, 1))
	route.SetDBState(table, listener, rs)

	mon.ClearPeerSetCurrentAndScheduled(route, bits(0))
	state, ok := route.GetDBState(table, listener)
	if !ok {
		t.Fatalf("route should still have DBState (peer 1 remains)")
	}
	got := state.(*ribout.RouteState)
	if entry := got.FindHistory(x); entry == nil || !entry.Target.Equals(bits(1)) {
		t.Fatalf("want remaining history {1}, got %v", entry)
	}

	mon.ClearPeerSetCurrentAndScheduled(route, bits(1))
	if _, ok := route.GetDBState(table, listener); ok {
		t.Fatalf("DBState must be cleared once both history and pending are empty")
	}
}
