package scheduling

import (
	"testing"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-ribout/internal/bgp"
	"github.com/route-beacon/bgp-ribout/internal/dequeue"
	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/msgbuilder"
	"github.com/route-beacon/bgp-ribout/internal/peer"
	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
	"github.com/route-beacon/bgp-ribout/internal/routetable"
	"github.com/route-beacon/bgp-ribout/internal/sched"
	"github.com/route-beacon/bgp-ribout/internal/transport"
	"github.com/route-beacon/bgp-ribout/internal/updatemonitor"
	"github.com/route-beacon/bgp-ribout/internal/updatequeue"
)

func reachable(seq uint64) *ribout.Attr {
	return ribout.NewAttr(&ribout.AttrObject{Seq: seq}, []ribout.NextHop{{Address: "10.0.0.1"}})
}

func newRib(t *testing.T) (*dequeue.RibOutUpdates, *routetable.Table, *transport.Fake) {
	t.Helper()
	table := routetable.New(1, nil)
	tp := transport.NewFake()
	builder := msgbuilder.New(zap.NewNop(), 0)
	queues := [ribout.QueueCount]*updatequeue.UpdateQueue{
		ribout.Bulk:   updatequeue.New(ribout.Bulk),
		ribout.Update: updatequeue.New(ribout.Update),
	}
	mon := updatemonitor.New(table, 0, queues)
	rib := dequeue.New(table, 0, builder, tp, mon, queues, func(int) {})
	return rib, table, tp
}

// TestManagerJoinMidStream exercises spec scenario 5: peer A joins R1
// and drains a 50-route BULK table walk (seeded directly on the BULK
// queue, the way export.Join would populate it) via TailDequeue; peer
// B then joins the same rib. A must have received every route, B must
// land in A's group, and A must stay in sync on the UPDATE queue.
func TestManagerJoinMidStream(t *testing.T) {
	rib, table, tp := newRib(t)
	s := sched.New(zap.NewNop(), 0)
	mgr := NewManager(s, 0)

	a := peer.Handle("A")
	mgr.Join("A", a, "R1", rib)
	s.Wait()

	const routeCount = 50
	for i := 0; i < routeCount; i++ {
		prefix := prefixFor(i)
		route := table.Upsert(prefix, &bgp.PathAttributes{Nexthop: "10.0.0.1"})
		ru := ribout.NewRouteUpdate(route, ribout.Bulk)
		aBit, _ := rib.PeerBit("A")
		ru.SetUpdates(ribout.NewUpdateInfoSList(&ribout.UpdateInfo{Target: bits(aBit), Attrs: reachable(uint64(i + 1))}))
		route.SetDBState(table, 0, ru)
		rib.Queue(ribout.Bulk).Enqueue(ru)
	}
	g := mgr.Group("A")
	g.enqueue(workItem{kind: workTailDequeue, ribKey: "R1", queueID: ribout.Bulk})
	s.Wait()

	if got := tp.SentCount("A"); got != routeCount {
		t.Fatalf("want A to receive all %d bulk-walk routes, got %d", routeCount, got)
	}

	b := peer.Handle("B")
	mgr.Join("B", b, "R1", rib)
	s.Wait()

	if !mgr.Group("A").HasPeer("B") || mgr.Group("A") != mgr.Group("B") {
		t.Fatalf("A and B must end up in the same group once B joins a rib A is already in")
	}
	aBit, _ := rib.PeerBit("A")
	if !rib.Queue(ribout.Update).InSync(aBit) {
		t.Fatalf("A must remain in sync on UPDATE across B's join")
	}
}

func prefixFor(i int) string {
	return "10." + itoa(i/256) + "." + itoa(i%256) + ".0/24"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func bits(idx ...int) *peerbitset.Set {
	s := peerbitset.New()
	for _, i := range idx {
		s.Set(i)
	}
	return s
}

// TestManagerLeaveSplitsAndMerges exercises spec scenario 6: a group
// with peers {A,B} and ribs {R1,R2} via edges (A,R1) (A,R2) (B,R1)
// (B,R2). Removing (A,R2) leaves the component whole. Removing
// (B,R2) then strands nothing new (R1 still connects A and B) but
// leaves R2 peerless. Removing (B,R1) leaves B with no edge, so {A,R1}
// and {B} split apart. Joining A and B to a shared rib R3 reunites them.
func TestManagerLeaveSplitsAndMerges(t *testing.T) {
	s := sched.New(zap.NewNop(), 0)
	mgr := NewManager(s, 0)
	rib1, _, _ := newRib(t)
	rib2, _, _ := newRib(t)

	a, b := peer.Handle("A"), peer.Handle("B")
	mgr.Join("A", a, "R1", rib1)
	mgr.Join("A", a, "R2", rib2)
	mgr.Join("B", b, "R1", rib1)
	mgr.Join("B", b, "R2", rib2)
	s.Wait()

	if mgr.GroupCount() != 1 {
		t.Fatalf("want one group after a fully connected join, got %d", mgr.GroupCount())
	}
	group := mgr.Group("A")

	mgr.Leave("A", "R2")
	s.Wait()
	if mgr.GroupCount() != 1 {
		t.Fatalf("removing one edge of a still-connected component must not split, got %d groups", mgr.GroupCount())
	}
	if mgr.Group("R2") != group {
		t.Fatalf("R2 remains reachable via B and must stay in the original group")
	}

	mgr.Leave("B", "R2")
	s.Wait()
	if mgr.GroupCount() != 2 {
		t.Fatalf("R2 becoming peerless must split it into its own group, got %d groups", mgr.GroupCount())
	}
	r2Group := mgr.Group("R2")
	if r2Group == nil || r2Group.HasPeer("A") || r2Group.HasPeer("B") {
		t.Fatalf("R2's split-off group must contain no peers")
	}
	if mgr.Group("A") != mgr.Group("B") {
		t.Fatalf("A and B must remain together, still joined via R1")
	}

	mgr.Leave("B", "R1")
	s.Wait()
	// B's last remaining edge is gone, so {A,R1} and {B} are now two
	// distinct components of what had been one group — on top of R2's
	// earlier split, that's 3 groups in total.
	if mgr.GroupCount() != 3 {
		t.Fatalf("want 3 groups once B's last edge is gone, got %d", mgr.GroupCount())
	}
	if mgr.Group("A").HasPeer("B") {
		t.Fatalf("B no longer has any edge and must not remain in A's group")
	}
	if mgr.Group("A").PeerCount() != 1 {
		t.Fatalf("A's group should now hold only A, got %d peers", mgr.Group("A").PeerCount())
	}

	// Joining both peers to a new shared rib R3 puts them back in one group.
	mgr.Join("A", a, "R3", rib1)
	mgr.Join("B", b, "R3", rib1)
	s.Wait()
	if mgr.Group("A") != mgr.Group("B") {
		t.Fatalf("A and B must be reunited once they share rib R3")
	}
	if mgr.Group("A").PeerCount() != 2 {
		t.Fatalf("want 2 peers in the reunited group, got %d", mgr.Group("A").PeerCount())
	}
}

var _ external.PeerHandle = peer.Handle("")
