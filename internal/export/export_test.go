package export

import (
	"testing"

	"github.com/route-beacon/bgp-ribout/internal/bgp"
	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
	"github.com/route-beacon/bgp-ribout/internal/routetable"
	"github.com/route-beacon/bgp-ribout/internal/updatemonitor"
	"github.com/route-beacon/bgp-ribout/internal/updatequeue"
)

// policy advertises attrs.Nexthop (when non-empty) to every candidate
// peer, all sharing one fixed attribute object keyed by the nexthop
// string — enough to exercise duplicate/coalescing detection without
// pulling in a real interning database.
type policy struct{ objs map[string]*ribout.AttrObject }

func newPolicy() *policy { return &policy{objs: make(map[string]*ribout.AttrObject)} }

func (p *policy) Export(_ external.ListenerID, route external.RouteEntry, peers *peerbitset.Set) (bool, *ribout.UpdateInfoSList) {
	r := route.(*routetable.Route)
	attrs := r.Attrs()
	if attrs == nil || attrs.Nexthop == "" {
		return false, ribout.NewUpdateInfoSList()
	}
	obj, ok := p.objs[attrs.Nexthop]
	if !ok {
		obj = &ribout.AttrObject{Seq: uint64(len(p.objs) + 1), Payload: attrs.Nexthop}
		p.objs[attrs.Nexthop] = obj
	}
	a := ribout.NewAttr(obj, []ribout.NextHop{{Address: attrs.Nexthop}})
	list := ribout.NewUpdateInfoSList(&ribout.UpdateInfo{Target: peers.Clone(), Attrs: a})
	return true, list
}

type fixture struct {
	table *routetable.Table
	mon   *updatemonitor.Monitor
	ex    *Exporter
	peers *peerbitset.Set
}

func newFixture(peerCount int) *fixture {
	table := routetable.New(1, nil)
	queues := [ribout.QueueCount]*updatequeue.UpdateQueue{
		ribout.Bulk:   updatequeue.New(ribout.Bulk),
		ribout.Update: updatequeue.New(ribout.Update),
	}
	mon := updatemonitor.New(table, 0, queues)
	peers := peerbitset.New()
	for i := 0; i < peerCount; i++ {
		peers.Set(i)
	}
	ex := New(table, 0, newPolicy(), mon, nil, func() *peerbitset.Set { return peers.Clone() })
	table.RegisterListener(func(_ int, entry external.RouteEntry) { ex.Export(entry) })
	return &fixture{table: table, mon: mon, ex: ex, peers: peers}
}

// TestExportDuplicateSuppression exercises spec scenario 1: two peers
// subscribed; the same route change enqueued twice must produce
// exactly one pending RouteUpdate.
func TestExportDuplicateSuppression(t *testing.T) {
	f := newFixture(2)
	route := f.table.Upsert("10.0.0.0/24", &bgp.PathAttributes{Nexthop: "10.0.0.1"})

	f.ex.Export(route)
	if f.mon.Queue(ribout.Update).Len() != 1 {
		t.Fatalf("first export should enqueue exactly one RouteUpdate")
	}
	state, _ := route.GetDBState(f.table, 0)
	ru := state.(*ribout.RouteUpdate)
	before := ru

	// Re-applying the identical attributes is a duplicate notification.
	f.table.Upsert("10.0.0.0/24", &bgp.PathAttributes{Nexthop: "10.0.0.1"})
	state2, _ := route.GetDBState(f.table, 0)
	if state2 != before {
		t.Fatalf("a duplicate notification must not replace the pending RouteUpdate")
	}
	if f.mon.Queue(ribout.Update).Len() != 1 {
		t.Fatalf("a duplicate notification must not enqueue a second RouteUpdate")
	}
}

// TestExportCoalescingBackToBack exercises spec scenario 2: X -> Y -> X
// in a row with nothing drained between them. Because the prior
// history was empty, the final enqueued state is the no-op-detecting
// equal-to-history case only once a send has actually happened; before
// any send, X -> Y -> X collapses to a single pending advertise of X
// (the state the net changes settle on).
func TestExportCoalescingBackToBack(t *testing.T) {
	f := newFixture(1)
	route := f.table.Upsert("10.0.0.0/24", &bgp.PathAttributes{Nexthop: "10.0.0.1"})
	f.table.Upsert("10.0.0.0/24", &bgp.PathAttributes{Nexthop: "10.0.0.2"})
	f.table.Upsert("10.0.0.0/24", &bgp.PathAttributes{Nexthop: "10.0.0.1"})

	if f.mon.Queue(ribout.Update).Len() != 1 {
		t.Fatalf("back-to-back flaps with no drain must coalesce to one pending RouteUpdate, got len=%d", f.mon.Queue(ribout.Update).Len())
	}
	state, _ := route.GetDBState(f.table, 0)
	ru, ok := state.(*ribout.RouteUpdate)
	if !ok {
		t.Fatalf("want *ribout.RouteUpdate DBState, got %T", state)
	}
	if n := ru.Updates().Len(); n != 1 {
		t.Fatalf("want exactly one pending UpdateInfo (10.0.0.1), got %d", n)
	}
}

// TestExportNoOpWhenReturningToAdvertisedState exercises the other
// half of scenario 2: once history already reflects X, flapping
// X -> Y -> X back to history's own state produces no pending update
// at all.
func TestExportNoOpWhenReturningToAdvertisedState(t *testing.T) {
	f := newFixture(1)
	route := f.table.Upsert("10.0.0.0/24", &bgp.PathAttributes{Nexthop: "10.0.0.1"})
	state, _ := route.GetDBState(f.table, 0)
	ru := state.(*ribout.RouteUpdate)

	// Simulate the dequeuer having sent it: move the pending UpdateInfo
	// into history and drop the RouteUpdate back to a RouteState.
	for _, u := range ru.Updates().Items() {
		ru.RecordSent(u, u.Target.Clone())
	}
	ru.Updates().RemoveEmpty()
	rs := ribout.NewRouteState()
	ru.MoveHistoryToState(rs)
	route.SetDBState(f.table, 0, rs)
	f.mon.Queue(ribout.Update).Dequeue(ru)

	f.table.Upsert("10.0.0.0/24", &bgp.PathAttributes{Nexthop: "10.0.0.2"})
	f.table.Upsert("10.0.0.0/24", &bgp.PathAttributes{Nexthop: "10.0.0.1"})

	if f.mon.Queue(ribout.Update).Len() != 0 {
		t.Fatalf("flapping back to the already-advertised state must not enqueue anything")
	}
	finalState, _ := route.GetDBState(f.table, 0)
	if _, ok := finalState.(*ribout.RouteState); !ok {
		t.Fatalf("want DBState to remain a RouteState (no pending churn), got %T", finalState)
	}
}

// TestExportJoinReplaysOnlyMissingPeers exercises the JOIN path: a
// peer that already has the route current must not be re-sent via the
// bulk replay.
func TestExportJoinReplaysOnlyMissingPeers(t *testing.T) {
	f := newFixture(2)
	route := f.table.Upsert("10.0.0.0/24", &bgp.PathAttributes{Nexthop: "10.0.0.1"})
	state, _ := route.GetDBState(f.table, 0)
	ru := state.(*ribout.RouteUpdate)

	mjoin := peerbitset.New()
	mjoin.Set(0)
	mjoin.Set(1)
	f.ex.Join(route, mjoin) // peer 0,1 already scheduled on UPDATE; nothing to bulk-replay
	if !f.mon.Queue(ribout.Bulk).Empty() {
		t.Fatalf("peers already current/scheduled on UPDATE must not get a bulk replay")
	}
	_ = ru
}
