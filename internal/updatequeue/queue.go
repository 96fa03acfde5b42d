// Package updatequeue implements the per-RibOut, per-priority FIFO
// that RouteUpdates ride on: a sequence of RouteUpdates interleaved
// with UpdateMarkers, where every peer is a member of exactly one
// marker at all times.
//
// A peer's marker records how far behind it is: the tail marker means
// "fully caught up", any other marker means "must still walk every
// RouteUpdate between here and the tail". The queue only owns the
// linkage; the dequeue algorithms themselves live in internal/dequeue
// and drive the linkage through the primitives here (Snapshot,
// NextForPeer, AdvancePastForPeer, SplitTailBlocked), so that the
// queue mutex is never held across message building, sends, or any
// RouteUpdate lock. Lock order across the pipeline is route entry,
// then UpdateList/RouteUpdate, then this queue's mutex; nothing here
// calls back out while holding the mutex.
package updatequeue

import (
	"container/list"
	"sync"

	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
)

// Marker is an UpdateMarker.
type Marker struct {
	Members *RibPeerSet
}

// RibPeerSet is an alias kept local to this package so callers don't
// need to import peerbitset directly just to read Marker.Members.
type RibPeerSet = ribout.RibPeerSet

func newMarker() *Marker { return &Marker{Members: peerbitset.New()} }

type entryKind int

const (
	kindUpdate entryKind = iota
	kindMarker
)

type queueEntry struct {
	kind   entryKind
	update *ribout.RouteUpdate
	marker *Marker
}

// UpdateQueue is the FIFO for one queue-id (BULK or UPDATE) of one
// RibOut. The tail marker is always the last element; Enqueue inserts
// immediately before it, so every RouteUpdate sits between the head
// and the tail.
type UpdateQueue struct {
	mu         sync.Mutex
	queueID    ribout.QueueID
	order      *list.List
	updateElem map[*ribout.RouteUpdate]*list.Element
	markerElem map[*Marker]*list.Element
	memberOf   map[int]*Marker
	tail       *Marker
}

// New returns an empty queue for queueID, seeded with a tail marker
// that has no members.
func New(queueID ribout.QueueID) *UpdateQueue {
	q := &UpdateQueue{
		queueID:    queueID,
		order:      list.New(),
		updateElem: make(map[*ribout.RouteUpdate]*list.Element),
		markerElem: make(map[*Marker]*list.Element),
		memberOf:   make(map[int]*Marker),
		tail:       newMarker(),
	}
	q.markerElem[q.tail] = q.order.PushBack(&queueEntry{kind: kindMarker, marker: q.tail})
	return q
}

// QueueID reports which priority class this queue serves.
func (q *UpdateQueue) QueueID() ribout.QueueID { return q.queueID }

// TailMembers returns a copy of the tail marker's membership: the
// peers that are fully caught up on this queue.
func (q *UpdateQueue) TailMembers() *peerbitset.Set {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail.Members.Clone()
}

// Enqueue appends ru immediately ahead of the tail marker.
func (q *UpdateQueue) Enqueue(ru *ribout.RouteUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tailElem := q.markerElem[q.tail]
	elem := q.order.InsertBefore(&queueEntry{kind: kindUpdate, update: ru}, tailElem)
	q.updateElem[ru] = elem
}

// Dequeue removes ru from the FIFO. Calling Dequeue on a RouteUpdate
// that isn't on this queue is a contract violation — callers are
// expected to track queue membership via RouteUpdate.QueueID() and to
// hold the owning route's lock so nobody removes it concurrently.
func (q *UpdateQueue) Dequeue(ru *ribout.RouteUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.updateElem[ru]
	if !ok {
		panic(&ribout.InvariantViolation{Msg: "Dequeue of RouteUpdate not enqueued on this UpdateQueue"})
	}
	q.order.Remove(elem)
	delete(q.updateElem, ru)
}

// Contains reports whether ru currently sits on this queue's FIFO.
func (q *UpdateQueue) Contains(ru *ribout.RouteUpdate) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.updateElem[ru]
	return ok
}

// Join admits bit as a new member at the head of the FIFO: the peer
// has seen nothing from this queue and must walk every RouteUpdate
// currently present before reaching the tail.
func (q *UpdateQueue) Join(bit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.memberOf[bit]; ok {
		return
	}
	m := newMarker()
	m.Members.Set(bit)
	front := q.order.Front()
	elem := q.order.InsertBefore(&queueEntry{kind: kindMarker, marker: m}, front)
	q.markerElem[m] = elem
	q.memberOf[bit] = m
}

// Leave removes bit from its current marker, discarding the marker
// (other than the tail) if it becomes empty.
func (q *UpdateQueue) Leave(bit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.memberOf[bit]
	if !ok {
		return
	}
	m.Members.Reset(bit)
	delete(q.memberOf, bit)
	if m != q.tail && m.Members.Empty() {
		elem := q.markerElem[m]
		q.order.Remove(elem)
		delete(q.markerElem, m)
	}
}

// MarkerFor returns the marker currently tracking bit, or nil if bit
// isn't a member of this queue.
func (q *UpdateQueue) MarkerFor(bit int) *Marker {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.memberOf[bit]
}

// InSync reports whether bit's marker is the tail marker.
func (q *UpdateQueue) InSync(bit int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.memberOf[bit] == q.tail
}

// Empty reports whether the queue holds no pending RouteUpdates.
func (q *UpdateQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.updateElem) == 0
}

// Len reports how many RouteUpdates are pending.
func (q *UpdateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.updateElem)
}

// MarkerCount reports how many distinct markers (including the tail)
// currently thread through the FIFO, for telemetry.
func (q *UpdateQueue) MarkerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.markerElem)
}

// Head returns the first RouteUpdate in the FIFO, or nil if none is
// pending. Used for metrics, not by the dequeue algorithms themselves.
func (q *UpdateQueue) Head() *ribout.RouteUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.order.Front(); e != nil; e = e.Next() {
		if qe := e.Value.(*queueEntry); qe.kind == kindUpdate {
			return qe.update
		}
	}
	return nil
}

// Snapshot returns every pending RouteUpdate in FIFO order. The
// returned slice is a point-in-time copy of the linkage; callers must
// re-check Contains (under the owning route's lock) before acting on
// any element, since a producer may dequeue entries between the
// snapshot and the send.
func (q *UpdateQueue) Snapshot() []*ribout.RouteUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*ribout.RouteUpdate, 0, len(q.updateElem))
	for e := q.order.Front(); e != nil; e = e.Next() {
		if qe := e.Value.(*queueEntry); qe.kind == kindUpdate {
			out = append(out, qe.update)
		}
	}
	return out
}

// NextForPeer returns the first RouteUpdate at or after bit's marker,
// merging the marker through any adjacent markers it meets on the
// way. It returns (nil, true) once the marker merges into the tail:
// the peer is back in sync. A peer-dequeue for a bit that isn't a
// member of this queue is a contract violation.
func (q *UpdateQueue) NextForPeer(bit int) (*ribout.RouteUpdate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.memberOf[bit]
	if !ok {
		panic(&ribout.InvariantViolation{Msg: "peer dequeue for a peer not subscribed to this UpdateQueue"})
	}
	for {
		if m == q.tail {
			return nil, true
		}
		next := q.markerElem[m].Next()
		qe := next.Value.(*queueEntry)
		if qe.kind == kindUpdate {
			return qe.update, false
		}
		dst := qe.marker
		q.mergeMarkerLocked(m, dst)
		m = dst
	}
}

// AdvancePastForPeer moves bit's read-cursor past ru. If bit shares
// its marker with other peers, it is first split out into a marker of
// its own so the others don't skip an entry they were never sent;
// they stay behind at the original position.
func (q *UpdateQueue) AdvancePastForPeer(bit int, ru *ribout.RouteUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.memberOf[bit]
	if !ok || m == q.tail {
		return
	}
	if m.Members.Count() > 1 {
		m.Members.Reset(bit)
		solo := newMarker()
		solo.Members.Set(bit)
		q.memberOf[bit] = solo
		m = solo
	}
	q.moveMarkerAfterLocked(m, ru)
}

// SplitTailBlocked removes the peers in blocked from the tail marker
// and plants them on a marker at the head of the FIFO, from which a
// later PeerDequeue walks forward in strict FIFO order. Entries the
// peers already received no longer carry their bits, so the rewalk
// skips them cheaply; planting at the head rather than mid-queue
// avoids inspecting RouteUpdate targets (owned by their route locks)
// while holding the queue mutex. Peers with nothing pending at all
// are left at the tail; the subset actually split off is returned.
func (q *UpdateQueue) SplitTailBlocked(blocked *peerbitset.Set) *peerbitset.Set {
	q.mu.Lock()
	defer q.mu.Unlock()
	split := peerbitset.IntersectionOf(q.tail.Members, blocked)
	if split.Empty() || len(q.updateElem) == 0 {
		return peerbitset.New()
	}
	q.tail.Members.Difference(split)
	m := newMarker()
	m.Members.Union(split)
	elem := q.order.InsertBefore(&queueEntry{kind: kindMarker, marker: m}, q.order.Front())
	q.markerElem[m] = elem
	split.Range(func(bit int) bool {
		q.memberOf[bit] = m
		return true
	})
	return split
}

// moveMarkerAfterLocked relocates m to sit immediately after ru,
// merging it into whatever marker is already there if one is. Caller
// must hold q.mu and must have verified ru is still enqueued.
func (q *UpdateQueue) moveMarkerAfterLocked(m *Marker, ru *ribout.RouteUpdate) {
	updElem, ok := q.updateElem[ru]
	if !ok {
		panic(&ribout.InvariantViolation{Msg: "marker advance past a RouteUpdate not on this UpdateQueue"})
	}
	if markerElem, ok := q.markerElem[m]; ok {
		q.order.Remove(markerElem)
		delete(q.markerElem, m)
	}
	if next := updElem.Next(); next != nil {
		if ne := next.Value.(*queueEntry); ne.kind == kindMarker {
			q.mergeMarkerLocked(m, ne.marker)
			return
		}
	}
	newElem := q.order.InsertAfter(&queueEntry{kind: kindMarker, marker: m}, updElem)
	q.markerElem[m] = newElem
}

// mergeMarkerLocked folds src's membership into dst and discards src.
// Caller must hold q.mu.
func (q *UpdateQueue) mergeMarkerLocked(src, dst *Marker) {
	if src == dst {
		return
	}
	dst.Members.Union(src.Members)
	src.Members.Range(func(bit int) bool {
		q.memberOf[bit] = dst
		return true
	})
	if elem, ok := q.markerElem[src]; ok {
		q.order.Remove(elem)
		delete(q.markerElem, src)
	}
}
