package updatequeue

import (
	"testing"

	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
)

func bits(idx ...int) *peerbitset.Set {
	s := peerbitset.New()
	for _, i := range idx {
		s.Set(i)
	}
	return s
}

func newRU(prefix string, target *peerbitset.Set, attrs *ribout.Attr) *ribout.RouteUpdate {
	ru := ribout.NewRouteUpdate(prefixRef(prefix), ribout.Update)
	ru.SetUpdates(ribout.NewUpdateInfoSList(&ribout.UpdateInfo{Target: target, Attrs: attrs}))
	return ru
}

type prefixRef string

func (p prefixRef) Prefix() string { return string(p) }

func reachable(seq uint64) *ribout.Attr {
	return ribout.NewAttr(&ribout.AttrObject{Seq: seq}, []ribout.NextHop{{Address: "10.0.0.1"}})
}

// TestQueueTailMarkerInvariant exercises P3: exactly one tail marker,
// and every subscribed peer belongs to exactly one marker.
func TestQueueTailMarkerInvariant(t *testing.T) {
	q := New(ribout.Update)
	q.Join(0)
	q.Join(1)
	if got := q.MarkerCount(); got != 3 {
		t.Fatalf("want 3 markers (tail + one per joiner), got %d", got)
	}
	if q.InSync(0) {
		t.Fatalf("a freshly joined peer must not start at the tail")
	}

	// Leave clears the peer but must never remove the tail marker.
	q.Leave(0)
	q.Leave(1)
	if got := q.MarkerCount(); got != 1 {
		t.Fatalf("want exactly the tail marker once every non-tail marker empties, got %d", got)
	}
}

// TestQueueJoinSeesEverythingPending exercises spec scenario 5's
// ordering guarantee in miniature: a peer joining mid-queue must walk
// every already-queued RouteUpdate before reaching the tail.
func TestQueueJoinSeesEverythingPending(t *testing.T) {
	q := New(ribout.Update)
	ru := newRU("10.0.0.0/24", bits(5), reachable(1)) // peer 5 unrelated to the joiner
	q.Enqueue(ru)

	q.Join(0)
	if q.InSync(0) {
		t.Fatalf("peer 0 must not be in sync while a RouteUpdate sits ahead of its marker")
	}

	got, reachedTail := q.NextForPeer(0)
	if got != ru || reachedTail {
		t.Fatalf("NextForPeer must surface the RouteUpdate enqueued before Join")
	}
	q.AdvancePastForPeer(0, ru)
	if _, reachedTail = q.NextForPeer(0); !reachedTail {
		t.Fatalf("after walking past the only pending entry, the peer should reach the tail")
	}
	if !q.InSync(0) {
		t.Fatalf("peer should be in sync once its marker merges into the tail")
	}
}

// TestQueueNextForPeerMergesEmptyMarkers: a joiner with nothing
// pending merges straight into the tail on its first walk.
func TestQueueNextForPeerMergesEmptyMarkers(t *testing.T) {
	q := New(ribout.Bulk)
	q.Join(0)
	if ru, reachedTail := q.NextForPeer(0); ru != nil || !reachedTail {
		t.Fatalf("walking an empty queue must merge the joiner into the tail")
	}
	if q.MarkerCount() != 1 {
		t.Fatalf("the joiner's marker must be absorbed, leaving only the tail")
	}
}

// TestQueueAdvanceSplitsSharedMarker: advancing one member of a
// shared marker must not drag the other members past an entry they
// were never sent.
func TestQueueAdvanceSplitsSharedMarker(t *testing.T) {
	q := New(ribout.Update)
	ru := newRU("10.0.0.0/24", bits(0, 1), reachable(1))
	q.Enqueue(ru)
	q.Join(0)
	q.Join(1)
	// Walk peer 1 up against peer 0's marker so the two share one.
	if got, _ := q.NextForPeer(1); got != ru {
		t.Fatalf("peer 1 should surface the pending RouteUpdate")
	}
	if q.MarkerFor(0) != q.MarkerFor(1) {
		t.Fatalf("adjacent markers with nothing between them must have merged")
	}

	q.AdvancePastForPeer(1, ru)
	if q.MarkerFor(0) == q.MarkerFor(1) {
		t.Fatalf("advancing peer 1 must split it off, leaving peer 0 behind")
	}
	if got, _ := q.NextForPeer(0); got != ru {
		t.Fatalf("peer 0's cursor must still sit before the unsent RouteUpdate")
	}
	if _, reachedTail := q.NextForPeer(1); !reachedTail {
		t.Fatalf("peer 1 should have reached the tail")
	}
}

// TestQueueSplitTailBlocked exercises the blocked half of spec
// scenario 4: peers split off the tail land on a marker from which a
// FIFO rewalk sees every entry still targeting them.
func TestQueueSplitTailBlocked(t *testing.T) {
	q := New(ribout.Update)
	q.Join(0)
	q.Join(1)
	q.NextForPeer(0)
	q.NextForPeer(1) // both now at the tail

	ru := newRU("10.0.0.0/24", bits(0, 1), reachable(1))
	q.Enqueue(ru)

	split := q.SplitTailBlocked(bits(1))
	if !split.Equals(bits(1)) {
		t.Fatalf("want peer 1 split off the tail, got %v", split)
	}
	if q.InSync(1) {
		t.Fatalf("blocked peer must no longer be in sync")
	}
	if !q.InSync(0) {
		t.Fatalf("unblocked peer must remain in sync")
	}
	if got, reachedTail := q.NextForPeer(1); got != ru || reachedTail {
		t.Fatalf("the blocked peer's rewalk must surface the undelivered RouteUpdate")
	}
}

// TestQueueSplitTailBlockedEmptyQueue: with nothing pending there is
// nothing for a blocked peer to miss, so it stays at the tail.
func TestQueueSplitTailBlockedEmptyQueue(t *testing.T) {
	q := New(ribout.Update)
	q.Join(0)
	q.NextForPeer(0)

	split := q.SplitTailBlocked(bits(0))
	if !split.Empty() {
		t.Fatalf("an empty queue must not split anyone off the tail, got %v", split)
	}
	if !q.InSync(0) {
		t.Fatalf("peer 0 should remain at the tail")
	}
}

// TestQueueSnapshotFIFOOrder: Snapshot reflects enqueue order, the
// order PeerDequeue replays in.
func TestQueueSnapshotFIFOOrder(t *testing.T) {
	q := New(ribout.Update)
	ru1 := newRU("10.0.0.0/24", bits(0), reachable(2))
	ru2 := newRU("10.0.1.0/24", bits(0), reachable(1))
	q.Enqueue(ru1)
	q.Enqueue(ru2)

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0] != ru1 || snap[1] != ru2 {
		t.Fatalf("Snapshot must preserve FIFO order regardless of attribute order")
	}
	if !q.Contains(ru1) || !q.Contains(ru2) {
		t.Fatalf("Contains must report both enqueued RouteUpdates")
	}
	q.Dequeue(ru1)
	if q.Contains(ru1) {
		t.Fatalf("Contains must report false after Dequeue")
	}
}

func TestQueueLenAndEmpty(t *testing.T) {
	q := New(ribout.Bulk)
	if !q.Empty() {
		t.Fatalf("a fresh queue must be empty")
	}
	ru := newRU("10.0.0.0/24", bits(0), reachable(1))
	q.Enqueue(ru)
	if q.Empty() || q.Len() != 1 {
		t.Fatalf("want 1 pending RouteUpdate after Enqueue, got len=%d empty=%v", q.Len(), q.Empty())
	}
	q.Dequeue(ru)
	if !q.Empty() {
		t.Fatalf("want empty after Dequeue")
	}
}

func TestQueueDequeueUnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Dequeue of a RouteUpdate never enqueued on this queue must panic")
		}
	}()
	q := New(ribout.Update)
	ru := newRU("10.0.0.0/24", bits(0), reachable(1))
	q.Dequeue(ru)
}
