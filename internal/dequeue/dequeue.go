// Package dequeue implements RibOutUpdates: the consumer half of the
// RIB-OUT pipeline. It packs pending UpdateInfos into wire messages
// and hands them to a peer's transport, running the two dequeue
// algorithms (TailDequeue, PeerDequeue) a scheduling group worker
// drives over a RibOut's two UpdateQueues.
//
// Every send-and-record step runs inside the route locks the
// UpdateMonitor owns (EntryLocker), so a producer cannot re-shape a
// route's pending state between the moment a message is packed and
// the moment history records it as sent. Inside that bracket the lock
// order is RouteUpdate, then UpdateQueue — the same order the
// monitor's own paths use.
package dequeue

import (
	"context"
	"sort"
	"sync"

	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
	"github.com/route-beacon/bgp-ribout/internal/updatequeue"
)

// EntryLocker serializes access to one route's DBState between this
// dequeuer and the producer/membership paths. *updatemonitor.Monitor
// is the implementation used in production wiring.
type EntryLocker interface {
	LockEntry(entry external.RouteEntry) (unlock func())
	LockEntries(entries []external.RouteEntry) (unlock func())
}

// RibOutUpdates owns the pair of UpdateQueues (BULK, UPDATE) for one
// RibOut and the machinery to drain them.
type RibOutUpdates struct {
	listener  external.ListenerID
	table     external.RouteTable
	builder   external.MessageBuilder
	transport external.Transport
	locker    EntryLocker
	queues    [ribout.QueueCount]*updatequeue.UpdateQueue
	sendReady func(bit int)

	mu      sync.RWMutex
	peers   map[int]external.PeerHandle
	peerIdx *peerbitset.Allocator
	byKey   map[string]int
}

// New returns a RibOutUpdates for one RibOut's listener id, draining
// the given queue pair (shared with the RibOut's UpdateMonitor, which
// is also the locker). sendReady is invoked (from whatever goroutine
// the transport chooses) once a blocked peer's transport becomes
// writable again; it should schedule a PeerDequeue work item,
// typically via internal/scheduling.Group.SendReady.
func New(table external.RouteTable, listener external.ListenerID, builder external.MessageBuilder, transport external.Transport, locker EntryLocker, queues [ribout.QueueCount]*updatequeue.UpdateQueue, sendReady func(bit int)) *RibOutUpdates {
	return &RibOutUpdates{
		listener:  listener,
		table:     table,
		builder:   builder,
		transport: transport,
		locker:    locker,
		queues:    queues,
		sendReady: sendReady,
		peers:     make(map[int]external.PeerHandle),
		peerIdx:   peerbitset.NewAllocator(),
		byKey:     make(map[string]int),
	}
}

// Queue returns the underlying FIFO for one priority class.
func (u *RibOutUpdates) Queue(id ribout.QueueID) *updatequeue.UpdateQueue { return u.queues[id] }

// Empty reports whether both queues are drained.
func (u *RibOutUpdates) Empty() bool {
	return u.queues[ribout.Bulk].Empty() && u.queues[ribout.Update].Empty()
}

// AllocatePeer admits key to this RibOut's own rib-local PeerIndex
// namespace (distinct from any scheduling group's group-local
// namespace) and records the transport handle used to reach it. It is
// idempotent: calling it again for a key already registered returns
// the existing bit.
func (u *RibOutUpdates) AllocatePeer(key string, peer external.PeerHandle) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if bit, ok := u.byKey[key]; ok {
		return bit
	}
	bit := u.peerIdx.Allocate()
	u.peers[bit] = peer
	u.byKey[key] = bit
	return bit
}

// ReleasePeer releases key's rib-local PeerIndex back to the
// free-list and forgets its transport handle.
func (u *RibOutUpdates) ReleasePeer(key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	bit, ok := u.byKey[key]
	if !ok {
		return
	}
	delete(u.byKey, key)
	delete(u.peers, bit)
	u.peerIdx.Release(bit)
}

// PeerBit returns key's rib-local PeerIndex and whether it is
// currently registered.
func (u *RibOutUpdates) PeerBit(key string) (int, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	bit, ok := u.byKey[key]
	return bit, ok
}

// PeerKeyForBit reverses PeerBit, letting a sendReady callback (which
// only sees a rib-local bit) recover the peer key a scheduling group
// keys its own bookkeeping on.
func (u *RibOutUpdates) PeerKeyForBit(bit int) (string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for key, b := range u.byKey {
		if b == bit {
			return key, true
		}
	}
	return "", false
}

// Members returns the rib-local bits of every peer currently
// registered on this RibOut, the set export.Exporter treats as its
// candidate peer set for a route change.
func (u *RibOutUpdates) Members() *peerbitset.Set {
	u.mu.RLock()
	defer u.mu.RUnlock()
	set := peerbitset.New()
	for bit := range u.peers {
		set.Set(bit)
	}
	return set
}

func (u *RibOutUpdates) peer(bit int) external.PeerHandle {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.peers[bit]
}

func (u *RibOutUpdates) routeEntry(ru *ribout.RouteUpdate) external.RouteEntry {
	entry, _ := ru.Route().(external.RouteEntry)
	return entry
}

// sendPayloads delivers payloads in order to every peer in targets,
// returning the subset whose transport reported blocked.
func (u *RibOutUpdates) sendPayloads(ctx context.Context, payloads [][]byte, targets *peerbitset.Set) *peerbitset.Set {
	blocked := peerbitset.New()
	targets.Range(func(bit int) bool {
		peer := u.peer(bit)
		if peer == nil {
			return true
		}
		for _, payload := range payloads {
			ok := u.transport.Send(ctx, peer, payload, func() {
				if u.sendReady != nil {
					u.sendReady(bit)
				}
			})
			if !ok {
				blocked.Set(bit)
				break
			}
		}
		return true
	})
	return blocked
}

// finishDrain converts a fully-sent RouteUpdate back into steady-state
// DBState: a RouteState if history remains, nothing at all otherwise.
// When ru was part of an UpdateList it is unlinked from the list
// first, which may itself collapse the list to a lone RouteUpdate or
// a RouteState. The caller holds the route's entry lock and has
// already removed ru from its queue.
func (u *RibOutUpdates) finishDrain(ru *ribout.RouteUpdate) {
	entry := u.routeEntry(ru)
	if entry == nil {
		return
	}

	if ru.OnUpdateList() {
		state, ok := entry.GetDBState(u.table, u.listener)
		if !ok {
			return
		}
		ul, ok := state.(*ribout.UpdateList)
		if !ok {
			return
		}
		ul.Lock()
		defer ul.Unlock()
		ul.Remove(ru)
		switch ul.Count() {
		case 0:
			if ul.History().Empty() {
				entry.ClearDBState(u.table, u.listener)
				return
			}
			rs := ribout.NewRouteState()
			ul.MoveHistoryToRouteState(rs)
			entry.SetDBState(u.table, u.listener, rs)
		case 1:
			sole := ul.Single()
			ul.Remove(sole)
			ul.MoveHistoryTo(sole)
			entry.SetDBState(u.table, u.listener, sole)
		}
		return
	}

	if ru.History().Empty() {
		entry.ClearDBState(u.table, u.listener)
		return
	}
	rs := ribout.NewRouteState()
	ru.MoveHistoryToState(rs)
	entry.SetDBState(u.table, u.listener, rs)
}

// tailItem is one (RouteUpdate, UpdateInfo) pair snapshotted from the
// FIFO span for a TailDequeue pass, with the sort keys copied out so
// ordering doesn't touch the RouteUpdate after its lock is dropped.
type tailItem struct {
	ru     *ribout.RouteUpdate
	info   *ribout.UpdateInfo
	attrs  *ribout.Attr
	ts     uint64
	prefix string
}

// TailDequeue drains queueID on behalf of every peer whose marker
// currently sits at the tail, restricted to mready (the peers whose
// transport is writable). Pending UpdateInfos are walked in the
// spec's by-attributes order — (attrs, RouteUpdate timestamp, prefix)
// — so routes carrying one attribute set toward one peer set ride a
// single wire message; the index is rebuilt per pass from whatever
// the queue actually holds, since producers coalesce pending state in
// place between passes. Tail members not in mready fall behind
// immediately, the same as a failed send would leave them.
//
// The returned set holds the peers split off the tail this pass; the
// scheduling group marks them not send_ready / not in_sync and a
// later PeerDequeue walks them back.
func (u *RibOutUpdates) TailDequeue(ctx context.Context, queueID ribout.QueueID, mready *peerbitset.Set) *peerbitset.Set {
	q := u.queues[queueID]
	msync := q.TailMembers()

	blocked := msync.Clone()
	blocked.Difference(mready)
	candidate := peerbitset.IntersectionOf(msync, mready)

	for !candidate.Empty() {
		if !u.tailPass(ctx, q, candidate, blocked) {
			break
		}
	}
	return q.SplitTailBlocked(blocked)
}

// tailPass runs one full by-attributes sweep over the queue. It
// reports whether anything was sent; a pass that sends nothing means
// the queue holds no deliverable data for the remaining candidates
// and the caller should stop.
func (u *RibOutUpdates) tailPass(ctx context.Context, q *updatequeue.UpdateQueue, candidate, blocked *peerbitset.Set) bool {
	var items []tailItem
	for _, ru := range q.Snapshot() {
		ru.Lock()
		for _, info := range ru.Updates().Items() {
			if peerbitset.IntersectionOf(info.Target, candidate).Empty() {
				continue
			}
			items = append(items, tailItem{
				ru:     ru,
				info:   info,
				attrs:  info.Attrs,
				ts:     ru.Timestamp(),
				prefix: ru.Route().Prefix(),
			})
		}
		ru.Unlock()
	}
	if len(items) == 0 {
		return false
	}

	sort.Slice(items, func(i, j int) bool {
		if c := items[i].attrs.Compare(items[j].attrs); c != 0 {
			return c < 0
		}
		if items[i].ts != items[j].ts {
			return items[i].ts < items[j].ts
		}
		return items[i].prefix < items[j].prefix
	})

	sent := false
	for i := 0; i < len(items) && !candidate.Empty(); {
		j := i + 1
		for j < len(items) && items[j].attrs.Compare(items[i].attrs) == 0 {
			j++
		}
		if u.sendAttrRun(ctx, q, items[i:j], candidate, blocked) {
			sent = true
		}
		i = j
	}
	return sent
}

// sendAttrRun delivers one run of items sharing an attribute set. It
// takes the route locks for every prefix in the run, revalidates each
// item against the live queue and pending state (a producer may have
// superseded any of them since the snapshot), batches the survivors
// by exactly-equal candidate target — a packed message must be
// something every addressee actually needs, in full — and sends each
// batch, recording history and draining emptied RouteUpdates before
// the locks drop.
func (u *RibOutUpdates) sendAttrRun(ctx context.Context, q *updatequeue.UpdateQueue, run []tailItem, candidate, blocked *peerbitset.Set) bool {
	entries := make([]external.RouteEntry, 0, len(run))
	for _, it := range run {
		entries = append(entries, u.routeEntry(it.ru))
	}
	unlock := u.locker.LockEntries(entries)
	defer unlock()

	type liveItem struct {
		tailItem
		isect *peerbitset.Set
	}
	var live []liveItem
	for _, it := range run {
		if !q.Contains(it.ru) {
			continue
		}
		it.ru.Lock()
		still := false
		for _, info := range it.ru.Updates().Items() {
			if info == it.info {
				still = true
				break
			}
		}
		var isect *peerbitset.Set
		if still {
			isect = peerbitset.IntersectionOf(it.info.Target, candidate)
		}
		it.ru.Unlock()
		if still && !isect.Empty() {
			live = append(live, liveItem{it, isect})
		}
	}

	sentAny := false
	for len(live) > 0 {
		target := live[0].isect
		batch := live[:0:0]
		rest := live[:0:0]
		for _, l := range live {
			if l.isect.Equals(target) {
				batch = append(batch, l)
			} else {
				rest = append(rest, l)
			}
		}
		live = rest

		var payloads [][]byte
		msg := u.builder.Start(u.listener)
		for _, l := range batch {
			if !u.builder.Add(msg, l.prefix, l.attrs) {
				payloads = append(payloads, u.builder.Finish(msg))
				msg = u.builder.Start(u.listener)
				u.builder.Add(msg, l.prefix, l.attrs)
			}
		}
		payloads = append(payloads, u.builder.Finish(msg))

		blockedBits := u.sendPayloads(ctx, payloads, target)
		sentPeers := target.Clone()
		sentPeers.Difference(blockedBits)

		for _, l := range batch {
			l.ru.Lock()
			if !sentPeers.Empty() {
				l.ru.RecordSent(l.info, sentPeers)
			}
			l.ru.Updates().RemoveEmpty()
			drained := l.ru.Updates().Empty()
			l.ru.Unlock()
			if drained {
				q.Dequeue(l.ru)
				u.finishDrain(l.ru)
			}
		}

		if !sentPeers.Empty() {
			sentAny = true
		}
		if !blockedBits.Empty() {
			blocked.Union(blockedBits)
			candidate.Difference(blockedBits)
			kept := live[:0]
			for _, l := range live {
				l.isect.Difference(blockedBits)
				if !l.isect.Empty() {
					kept = append(kept, l)
				}
			}
			live = kept
		}
	}
	return sentAny
}

// PeerDequeue drains queueID on behalf of a single behind peer,
// walking strictly in FIFO order from its own marker. It stops at the
// first blocked send and returns false; it returns true once the
// peer's marker merges into the tail.
func (u *RibOutUpdates) PeerDequeue(ctx context.Context, queueID ribout.QueueID, bit int) bool {
	q := u.queues[queueID]
	target := peerbitset.New()
	target.Set(bit)

	for {
		ru, reachedTail := q.NextForPeer(bit)
		if ru == nil {
			return reachedTail
		}

		entry := u.routeEntry(ru)
		unlock := u.locker.LockEntry(entry)
		if !q.Contains(ru) {
			// A producer dequeued it between the lookup and the lock;
			// whatever replaced it sits further down the FIFO.
			unlock()
			continue
		}

		ru.Lock()
		okSend := true
		for _, info := range ru.Updates().Items() {
			if !info.Target.Test(bit) {
				continue
			}
			msg := u.builder.Start(u.listener)
			u.builder.Add(msg, ru.Route().Prefix(), info.Attrs)
			payload := u.builder.Finish(msg)
			blockedBits := u.sendPayloads(ctx, [][]byte{payload}, target)
			if blockedBits.Test(bit) {
				okSend = false
				break
			}
			ru.RecordSent(info, target)
		}
		ru.Updates().RemoveEmpty()
		drained := ru.Updates().Empty()
		ru.Unlock()

		switch {
		case drained:
			q.Dequeue(ru)
			u.finishDrain(ru)
		case okSend:
			q.AdvancePastForPeer(bit, ru)
		}
		unlock()

		if !okSend {
			return false
		}
	}
}

// Join admits bit to queueID's FIFO at the head, per membership Join
// processing.
func (u *RibOutUpdates) Join(queueID ribout.QueueID, bit int) { u.queues[queueID].Join(bit) }

// Leave removes bit from queueID's FIFO, per membership Leave
// processing.
func (u *RibOutUpdates) Leave(queueID ribout.QueueID, bit int) { u.queues[queueID].Leave(bit) }
