// Package scheduling implements SchedulingGroup (C10) and
// SchedulingGroupManager (C11): the unit of single-threaded draining
// over a connected component of the peer<->rib membership graph, and
// the bookkeeping that keeps that partition correct as peers join and
// leave ribs at runtime.
package scheduling

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/route-beacon/bgp-ribout/internal/dequeue"
	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/metrics"
	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
)

// queueLabel is the metrics label for a queue id.
func queueLabel(id ribout.QueueID) string {
	if id == ribout.Bulk {
		return "bulk"
	}
	return "update"
}

// DefaultBulkCreditRatio bounds how often a BULK work item may run
// ahead of pending UPDATE work when a Group isn't given an explicit
// ratio: at most one BULK item per this many UPDATE items, so
// peer-join table walks make progress without starving steady-state
// traffic. Tunable; spec leaves the exact ratio unspecified beyond
// "UPDATE before BULK, BULK not starved".
const DefaultBulkCreditRatio = 16

type workKind int

const (
	workTailDequeue workKind = iota
	workPeerDequeue
)

type workItem struct {
	kind    workKind
	ribKey  string
	peerKey string
	queueID ribout.QueueID
}

type peerState struct {
	handle    external.PeerHandle
	bit       int
	sendReady atomic.Bool
	// inSync[ribKey][queueID] tracks per-(rib,queue) sync state; a peer
	// is fully in_sync only when every entry is true.
	inSync map[string][ribout.QueueCount]bool
}

type ribState struct {
	bit      int
	rib      *dequeue.RibOutUpdates
	ribLocal map[string]int // peerKey -> this RibOut's own rib-local PeerIndex
}

// Group is one SchedulingGroup: one worker goroutine, FIFO work
// queue, single-threaded against its own state.
type Group struct {
	id    string
	sched external.TaskScheduler
	class string

	mu              sync.Mutex
	peerAlloc       *peerbitset.Allocator
	ribAlloc        *peerbitset.Allocator
	peers           map[string]*peerState
	ribs            map[string]*ribState
	work            []workItem
	running         bool
	updateRun       int // UPDATE work items processed since the last BULK item ran
	bulkCreditRatio int
}

// NewGroup returns an empty group identified by id, whose worker runs
// under task class "send.<id>" (mutually exclusive with membership
// and send-ready per the scheduler's class rules). bulkCreditRatio <=
// 0 falls back to DefaultBulkCreditRatio.
func NewGroup(id string, sched external.TaskScheduler, bulkCreditRatio int) *Group {
	if bulkCreditRatio <= 0 {
		bulkCreditRatio = DefaultBulkCreditRatio
	}
	return &Group{
		id:              id,
		sched:           sched,
		class:           "send." + id,
		peerAlloc:       peerbitset.NewAllocator(),
		ribAlloc:        peerbitset.NewAllocator(),
		peers:           make(map[string]*peerState),
		ribs:            make(map[string]*ribState),
		bulkCreditRatio: bulkCreditRatio,
	}
}

// ID reports the group's identifier.
func (g *Group) ID() string { return g.id }

// PeerCount reports how many peers currently belong to this group.
func (g *Group) PeerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.peers)
}

// HasPeer reports whether peerKey already belongs to this group.
func (g *Group) HasPeer(peerKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.peers[peerKey]
	return ok
}

// HasRib reports whether ribKey already belongs to this group.
func (g *Group) HasRib(ribKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.ribs[ribKey]
	return ok
}

// addPeerLocked registers peerKey in the group if it isn't already
// present. Caller must hold g.mu.
func (g *Group) addPeerLocked(peerKey string, handle external.PeerHandle) *peerState {
	if ps, ok := g.peers[peerKey]; ok {
		return ps
	}
	ps := &peerState{
		handle: handle,
		bit:    g.peerAlloc.Allocate(),
		inSync: make(map[string][ribout.QueueCount]bool),
	}
	// A peer starts writable until a blocked Send proves otherwise;
	// nothing else would ever flip this for a peer that never blocks.
	ps.sendReady.Store(true)
	g.peers[peerKey] = ps
	return ps
}

// addRibLocked registers ribKey in the group if it isn't already
// present. Caller must hold g.mu.
func (g *Group) addRibLocked(ribKey string, rib *dequeue.RibOutUpdates) *ribState {
	if rs, ok := g.ribs[ribKey]; ok {
		return rs
	}
	rs := &ribState{
		bit:      g.ribAlloc.Allocate(),
		rib:      rib,
		ribLocal: make(map[string]int),
	}
	g.ribs[ribKey] = rs
	return rs
}

// Join records the (peer, rib) edge, admitting each side to the
// group's index space if new, and seeds the work items that start the
// new edge's catch-up moving.
func (g *Group) Join(peerKey string, peer external.PeerHandle, ribKey string, rib *dequeue.RibOutUpdates) {
	g.mu.Lock()
	ps := g.addPeerLocked(peerKey, peer)
	rs := g.addRibLocked(ribKey, rib)
	ps.inSync[ribKey] = [ribout.QueueCount]bool{}
	g.mu.Unlock()

	ribBit := rib.AllocatePeer(peerKey, peer)
	rib.Join(ribout.Bulk, ribBit)
	rib.Join(ribout.Update, ribBit)
	g.mu.Lock()
	rs.ribLocal[peerKey] = ribBit
	g.mu.Unlock()

	// A joiner's marker starts at the head of each FIFO, behind the
	// tail: it is fed by PeerDequeue until it catches the tail (an
	// empty queue merges it immediately), after which TailDequeue
	// serves it along with everyone else. The membership task that
	// called us also enqueues the BULK replay before any send worker
	// runs, so the PeerDequeue below walks the full replay.
	g.enqueue(workItem{kind: workPeerDequeue, ribKey: ribKey, peerKey: peerKey, queueID: ribout.Bulk})
	g.enqueue(workItem{kind: workPeerDequeue, ribKey: ribKey, peerKey: peerKey, queueID: ribout.Update})
	g.enqueue(workItem{kind: workTailDequeue, ribKey: ribKey, queueID: ribout.Bulk})
	g.enqueue(workItem{kind: workTailDequeue, ribKey: ribKey, queueID: ribout.Update})

	g.mu.Lock()
	active := len(rs.ribLocal)
	g.mu.Unlock()
	metrics.RibActivePeers.WithLabelValues(ribKey).Set(float64(active))
}

// Leave drops the (peer, rib) edge. A peer losing its last edge is
// removed from the group entirely and its group-local index freed, so
// indices stay dense across churn; a rib losing its last member peer
// is dropped the same way. Any work items already queued that
// reference either are silently skipped by the worker once it next
// pops them, per the cancellation contract.
func (g *Group) Leave(peerKey string, ribKey string) {
	g.mu.Lock()
	ps, ok := g.peers[peerKey]
	if !ok {
		g.mu.Unlock()
		return
	}
	rs, ok := g.ribs[ribKey]
	if !ok {
		g.mu.Unlock()
		return
	}
	ribBit, member := rs.ribLocal[peerKey]
	delete(rs.ribLocal, peerKey)
	delete(ps.inSync, ribKey)
	peerGone := len(ps.inSync) == 0
	if peerGone {
		delete(g.peers, peerKey)
		g.peerAlloc.Release(ps.bit)
	}
	ribGone := len(rs.ribLocal) == 0
	if ribGone {
		delete(g.ribs, ribKey)
		g.ribAlloc.Release(rs.bit)
	}
	active := len(rs.ribLocal)
	g.mu.Unlock()

	if member {
		rs.rib.Leave(ribout.Bulk, ribBit)
		rs.rib.Leave(ribout.Update, ribBit)
	}
	rs.rib.ReleasePeer(peerKey)

	metrics.RibActivePeers.WithLabelValues(ribKey).Set(float64(active))
	if peerGone {
		metrics.PeerSendReady.DeleteLabelValues(peerKey)
	}
}

// RemovePeer fully removes a peer from the group (session close).
func (g *Group) RemovePeer(peerKey string) {
	g.mu.Lock()
	ps, ok := g.peers[peerKey]
	if !ok {
		g.mu.Unlock()
		return
	}
	type removal struct {
		rs     *ribState
		ribKey string
		bit    int
	}
	var removals []removal
	for ribKey, rs := range g.ribs {
		if bit, member := rs.ribLocal[peerKey]; member {
			delete(rs.ribLocal, peerKey)
			removals = append(removals, removal{rs: rs, ribKey: ribKey, bit: bit})
		}
	}
	delete(g.peers, peerKey)
	g.peerAlloc.Release(ps.bit)
	g.mu.Unlock()

	for _, r := range removals {
		r.rs.rib.Leave(ribout.Bulk, r.bit)
		r.rs.rib.Leave(ribout.Update, r.bit)
		r.rs.rib.ReleasePeer(peerKey)

		g.mu.Lock()
		active := len(r.rs.ribLocal)
		g.mu.Unlock()
		metrics.RibActivePeers.WithLabelValues(r.ribKey).Set(float64(active))
	}
	metrics.PeerSendReady.DeleteLabelValues(peerKey)
}

// SendReady marks peerKey's transport writable again and, for every
// rib it's a member of but not in sync with, schedules a PeerDequeue.
func (g *Group) SendReady(peerKey string) {
	g.mu.Lock()
	ps, ok := g.peers[peerKey]
	if !ok {
		g.mu.Unlock()
		return
	}
	ps.sendReady.Store(true)
	metrics.PeerSendReady.WithLabelValues(peerKey).Set(1)
	var items []workItem
	for ribKey := range ps.inSync {
		for qid := ribout.QueueID(0); qid < ribout.QueueCount; qid++ {
			if !ps.inSync[ribKey][qid] {
				items = append(items, workItem{kind: workPeerDequeue, ribKey: ribKey, peerKey: peerKey, queueID: qid})
			}
		}
	}
	g.mu.Unlock()
	for _, it := range items {
		g.enqueue(it)
	}
}

// notifier adapts a single (group, rib) pair to export.ActivityNotifier.
type notifier struct {
	g      *Group
	ribKey string
}

// RibOutActive satisfies export.ActivityNotifier.
func (n notifier) RibOutActive(queueID ribout.QueueID) {
	n.g.enqueue(workItem{kind: workTailDequeue, ribKey: n.ribKey, queueID: queueID})
}

// Notifier returns the export.ActivityNotifier a RibOut's Exporter
// should wake whenever queueID transitions from empty to non-empty.
func (g *Group) Notifier(ribKey string) interface {
	RibOutActive(ribout.QueueID)
} {
	return notifier{g: g, ribKey: ribKey}
}

// enqueue appends item to the work queue and schedules the worker if
// it isn't already running, per the one-shot re-arm pattern: the
// running flag avoids a thundering herd of redundant scheduler
// submissions while the worker drains.
func (g *Group) enqueue(item workItem) {
	g.mu.Lock()
	g.work = append(g.work, item)
	start := !g.running
	if start {
		g.running = true
	}
	g.mu.Unlock()
	if start && g.sched != nil {
		g.sched.Go(g.class, g.run)
	}
}

// popLocked selects the next work item to run, preferring UPDATE over
// BULK except once every bulkCreditRatio UPDATE items, when a pending
// BULK item (if any) is let through to avoid starving table walks.
// Caller must hold g.mu.
func (g *Group) popLocked() (workItem, bool) {
	if len(g.work) == 0 {
		return workItem{}, false
	}
	updateIdx, bulkIdx := -1, -1
	for i, it := range g.work {
		if it.queueID == ribout.Update && updateIdx == -1 {
			updateIdx = i
		}
		if it.queueID == ribout.Bulk && bulkIdx == -1 {
			bulkIdx = i
		}
		if updateIdx != -1 && bulkIdx != -1 {
			break
		}
	}

	pick := 0
	switch {
	case updateIdx == -1:
		pick = bulkIdx
	case bulkIdx == -1:
		pick = updateIdx
	case g.updateRun >= g.bulkCreditRatio:
		pick = bulkIdx
	default:
		pick = updateIdx
	}
	if pick == -1 {
		pick = 0
	}

	item := g.work[pick]
	g.work = append(g.work[:pick], g.work[pick+1:]...)
	if item.queueID == ribout.Update {
		g.updateRun++
	} else {
		g.updateRun = 0
	}
	return item, true
}

// run drains the work queue. It is submitted to the scheduler under
// class "send.<id>", never concurrently with itself or with
// membership/send-ready tasks.
func (g *Group) run(ctx context.Context) {
	for {
		g.mu.Lock()
		item, ok := g.popLocked()
		if !ok {
			g.running = false
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()
		g.process(ctx, item)
	}
}

func (g *Group) process(ctx context.Context, item workItem) {
	g.mu.Lock()
	rs, ribOK := g.ribs[item.ribKey]
	var ps *peerState
	if item.peerKey != "" {
		ps, _ = g.peers[item.peerKey]
	}
	g.mu.Unlock()
	if !ribOK {
		return
	}

	switch item.kind {
	case workTailDequeue:
		ready := g.readyPeerBits(rs)
		blocked := rs.rib.TailDequeue(ctx, item.queueID, ready)
		g.markBlocked(rs, item.ribKey, item.queueID, blocked)
	case workPeerDequeue:
		if ps == nil || !ps.sendReady.Load() {
			return
		}
		g.mu.Lock()
		ribBit, member := rs.ribLocal[item.peerKey]
		g.mu.Unlock()
		if !member {
			return
		}
		reachedTail := rs.rib.PeerDequeue(ctx, item.queueID, ribBit)
		g.mu.Lock()
		if st, ok := ps.inSync[item.ribKey]; ok {
			st[item.queueID] = reachedTail
			ps.inSync[item.ribKey] = st
		}
		g.mu.Unlock()
		if !reachedTail {
			ps.sendReady.Store(false)
		}
		inSyncValue := 0.0
		if reachedTail {
			inSyncValue = 1.0
		}
		metrics.PeerInSync.WithLabelValues(item.peerKey, item.ribKey, queueLabel(item.queueID)).Set(inSyncValue)
	}

	q := rs.rib.Queue(item.queueID)
	metrics.QueuePending.WithLabelValues(item.ribKey, queueLabel(item.queueID)).Set(float64(q.Len()))
	metrics.QueueMarkers.WithLabelValues(item.ribKey, queueLabel(item.queueID)).Set(float64(q.MarkerCount()))
}

// readyPeerBits returns rs's rib-local PeerIndex bits (the RibOut's
// own namespace, unrelated to this group's group-local indices) for
// every member peer that is currently send_ready. This is what
// RibOutUpdates.TailDequeue expects as its mready argument.
func (g *Group) readyPeerBits(rs *ribState) *peerbitset.Set {
	g.mu.Lock()
	defer g.mu.Unlock()
	ready := peerbitset.New()
	for peerKey, ribBit := range rs.ribLocal {
		if ps, ok := g.peers[peerKey]; ok && ps.sendReady.Load() {
			ready.Set(ribBit)
		}
	}
	return ready
}

// markBlocked flags every peer whose rib-local bit appears in blocked
// as no longer send_ready, and not in sync for (ribKey, queueID).
func (g *Group) markBlocked(rs *ribState, ribKey string, queueID ribout.QueueID, blocked *peerbitset.Set) {
	if blocked.Empty() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for peerKey, ribBit := range rs.ribLocal {
		if !blocked.Test(ribBit) {
			continue
		}
		ps, ok := g.peers[peerKey]
		if !ok {
			continue
		}
		ps.sendReady.Store(false)
		metrics.PeerSendReady.WithLabelValues(peerKey).Set(0)
		if st, ok := ps.inSync[ribKey]; ok {
			st[queueID] = false
			ps.inSync[ribKey] = st
			metrics.PeerInSync.WithLabelValues(peerKey, ribKey, queueLabel(queueID)).Set(0)
		}
	}
}
