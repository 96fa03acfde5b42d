// Package updatemonitor implements RibUpdateMonitor: the single point
// of access for a RibOut's DBState (RouteState / RouteUpdate /
// UpdateList) that keeps that state and the two UpdateQueues
// (internal/updatequeue) consistent with each other.
//
// The monitor owns the per-route locks that serialize the producer
// path (export running on partition tasks), the dequeuer (the
// scheduling group's worker), and join/leave against each other for a
// single prefix. Callers bracket every compound read-modify-write of
// one route's DBState — including the drain bookkeeping on the
// consumer side — with LockEntry/LockEntries; the methods below
// assume the caller holds the route's lock. Inside that bracket, lock
// order is UpdateList/RouteUpdate first, then UpdateQueue.
package updatemonitor

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
	"github.com/route-beacon/bgp-ribout/internal/updatequeue"
)

// entryLockStripes bounds the number of distinct route locks; routes
// hash onto a stripe by prefix. Collisions only cost unnecessary
// serialization, never correctness.
const entryLockStripes = 128

// Monitor is the sole entity allowed to add or remove entries from a
// RibOut's UpdateQueues, or to change the DBState a route maps a
// listener id to.
type Monitor struct {
	table    external.RouteTable
	listener external.ListenerID
	queues   [ribout.QueueCount]*updatequeue.UpdateQueue
	locks    [entryLockStripes]sync.Mutex
}

// New returns a Monitor for one RibOut's listener id, backed by its
// two priority queues (index with ribout.Bulk / ribout.Update).
func New(table external.RouteTable, listener external.ListenerID, queues [ribout.QueueCount]*updatequeue.UpdateQueue) *Monitor {
	return &Monitor{table: table, listener: listener, queues: queues}
}

func stripeFor(entry external.RouteEntry) int {
	h := fnv.New32a()
	h.Write([]byte(entry.Prefix()))
	return int(h.Sum32() % entryLockStripes)
}

// LockEntry acquires entry's route lock and returns the matching
// unlock. Every compound operation on one route's DBState — the
// producer's export step, join/leave processing, and the dequeuer's
// send-and-record step — runs inside this bracket.
func (m *Monitor) LockEntry(entry external.RouteEntry) func() {
	if entry == nil {
		return func() {}
	}
	s := stripeFor(entry)
	m.locks[s].Lock()
	return m.locks[s].Unlock
}

// LockEntries acquires the route locks for every entry at once (the
// dequeuer packs routes sharing one attribute set into one message,
// so its send step spans several routes). Stripes are deduplicated
// and taken in ascending order so two concurrent multi-entry holders
// cannot deadlock.
func (m *Monitor) LockEntries(entries []external.RouteEntry) func() {
	seen := make(map[int]bool, len(entries))
	stripes := make([]int, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		s := stripeFor(e)
		if !seen[s] {
			seen[s] = true
			stripes = append(stripes, s)
		}
	}
	sort.Ints(stripes)
	for _, s := range stripes {
		m.locks[s].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			m.locks[stripes[i]].Unlock()
		}
	}
}

// Queue returns the underlying FIFO for one priority class.
func (m *Monitor) Queue(id ribout.QueueID) *updatequeue.UpdateQueue { return m.queues[id] }

func historyEntries(state ribout.DBState) []*ribout.AdvertiseInfo {
	switch s := state.(type) {
	case *ribout.RouteState:
		return s.History().Entries()
	case *ribout.RouteUpdate:
		return s.History().Entries()
	case *ribout.UpdateList:
		return s.History().Entries()
	}
	return nil
}

// GetDBStateAndDequeue fetches entry's DBState for this listener and,
// if it names a pending RouteUpdate or UpdateList, dequeues the
// relevant RouteUpdate(s) from their UpdateQueues before returning.
// The caller must hold entry's route lock (LockEntry) across this
// call and any follow-up mutation of the returned state.
//
// Three outcomes:
//   - no DBState at all: (nil, false)
//   - a pending RouteUpdate that isDuplicate reports as already
//     matching the caller's intended state: (nil, true)
//   - otherwise: the surviving DBState (a *ribout.RouteState, or a
//     *ribout.RouteUpdate on the UPDATE queue with any UpdateList
//     history already folded in), dequeued and ready for the caller
//     to repopulate or discard.
func (m *Monitor) GetDBStateAndDequeue(entry external.RouteEntry, isDuplicate func(*ribout.RouteUpdate) bool) (ribout.DBState, bool) {
	state, ok := entry.GetDBState(m.table, m.listener)
	if !ok || state == nil {
		return nil, false
	}
	switch s := state.(type) {
	case *ribout.RouteState:
		return s, false
	case *ribout.RouteUpdate:
		s.Lock()
		dup := isDuplicate(s)
		s.Unlock()
		if dup {
			return nil, true
		}
		m.Queue(s.QueueID()).Dequeue(s)
		if s.QueueID() != ribout.Update {
			s.SetQueueID(ribout.Update)
		}
		return s, false
	case *ribout.UpdateList:
		s.Lock()
		defer s.Unlock()
		var merged *ribout.RouteUpdate
		for qid := ribout.QueueID(0); qid < ribout.QueueCount; qid++ {
			ru := s.Get(qid)
			if ru == nil {
				continue
			}
			m.Queue(qid).Dequeue(ru)
			s.Remove(ru)
			if merged == nil {
				ru.SetQueueID(ribout.Update)
				merged = ru
			} else {
				ru.Lock()
				merged.MergeUpdates(ru.Updates())
				ru.Unlock()
			}
		}
		if merged == nil {
			rs := ribout.NewRouteState()
			s.MoveHistoryToRouteState(rs)
			entry.SetDBState(m.table, m.listener, rs)
			return rs, false
		}
		s.MoveHistoryTo(merged)
		entry.SetDBState(m.table, m.listener, merged)
		return merged, false
	}
	return nil, false
}

// MergeUpdate merges ru into whatever is already pending for entry on
// ru's queue, creating or promoting DBState as needed. The caller
// must hold entry's route lock. It returns true when ru was newly
// enqueued and the owning RibOut's scheduling group needs to be
// kicked active for that queue.
func (m *Monitor) MergeUpdate(entry external.RouteEntry, ru *ribout.RouteUpdate) bool {
	state, ok := entry.GetDBState(m.table, m.listener)
	if !ok || state == nil {
		entry.SetDBState(m.table, m.listener, ru)
		m.Queue(ru.QueueID()).Enqueue(ru)
		return true
	}
	switch s := state.(type) {
	case *ribout.RouteState:
		ru.AdoptHistoryFromState(s)
		entry.SetDBState(m.table, m.listener, ru)
		m.Queue(ru.QueueID()).Enqueue(ru)
		return true
	case *ribout.RouteUpdate:
		if s.QueueID() == ru.QueueID() {
			s.Lock()
			s.MergeUpdates(ru.Updates())
			s.Unlock()
			return false
		}
		ul := ribout.Promote(s)
		ul.Add(ru)
		entry.SetDBState(m.table, m.listener, ul)
		m.Queue(ru.QueueID()).Enqueue(ru)
		return true
	case *ribout.UpdateList:
		s.Lock()
		defer s.Unlock()
		if existing := s.Get(ru.QueueID()); existing != nil {
			existing.Lock()
			existing.MergeUpdates(ru.Updates())
			existing.Unlock()
			return false
		}
		s.Add(ru)
		m.Queue(ru.QueueID()).Enqueue(ru)
		return true
	}
	return false
}

// GetPeerSetCurrentAndScheduled reports, for entry, the peers already
// advertised the current state (current) and the peers with a
// pending-but-not-yet-sent update (scheduled) on queueID. Pass
// ribout.QueueCount to consider every queue. The caller must hold
// entry's route lock.
func (m *Monitor) GetPeerSetCurrentAndScheduled(entry external.RouteEntry, queueID ribout.QueueID) (current, scheduled *peerbitset.Set) {
	current = peerbitset.New()
	scheduled = peerbitset.New()
	state, ok := entry.GetDBState(m.table, m.listener)
	if !ok || state == nil {
		return current, scheduled
	}
	for _, e := range historyEntries(state) {
		current.Union(e.Target)
	}
	switch s := state.(type) {
	case *ribout.RouteUpdate:
		if queueID == ribout.QueueCount || s.QueueID() == queueID {
			for _, u := range s.Updates().Items() {
				scheduled.Union(u.Target)
			}
		}
	case *ribout.UpdateList:
		for qid := ribout.QueueID(0); qid < ribout.QueueCount; qid++ {
			if queueID != ribout.QueueCount && qid != queueID {
				continue
			}
			if ru := s.Get(qid); ru != nil {
				for _, u := range ru.Updates().Items() {
					scheduled.Union(u.Target)
				}
			}
		}
	}
	return current, scheduled
}

// ClearPeerSetCurrentAndScheduled removes bits from every pending
// UpdateInfo and AdvertiseInfo associated with entry across all
// queues, dropping entries, RouteUpdates and the DBState itself as
// they empty out. Used for peer Leave processing; the caller must
// hold entry's route lock.
func (m *Monitor) ClearPeerSetCurrentAndScheduled(entry external.RouteEntry, bits *peerbitset.Set) {
	state, ok := entry.GetDBState(m.table, m.listener)
	if !ok || state == nil {
		return
	}
	switch s := state.(type) {
	case *ribout.RouteState:
		for _, e := range s.History().Entries() {
			e.Target.Difference(bits)
		}
		s.History().RemoveEmpty()
		if s.Empty() {
			entry.ClearDBState(m.table, m.listener)
		}
	case *ribout.RouteUpdate:
		s.Lock()
		s.ResetTargets(bits)
		for _, e := range s.History().Entries() {
			e.Target.Difference(bits)
		}
		s.History().RemoveEmpty()
		empty := s.Empty() && s.History().Empty()
		qid := s.QueueID()
		s.Unlock()
		if empty {
			m.Queue(qid).Dequeue(s)
			entry.ClearDBState(m.table, m.listener)
		}
	case *ribout.UpdateList:
		s.Lock()
		for _, e := range s.History().Entries() {
			e.Target.Difference(bits)
		}
		s.History().RemoveEmpty()
		for qid := ribout.QueueID(0); qid < ribout.QueueCount; qid++ {
			ru := s.Get(qid)
			if ru == nil {
				continue
			}
			ru.Lock()
			ru.ResetTargets(bits)
			empty := ru.Empty()
			ru.Unlock()
			if empty {
				m.Queue(qid).Dequeue(ru)
				s.Remove(ru)
			}
		}
		count := s.Count()
		histEmpty := s.History().Empty()
		s.Unlock()
		switch {
		case count == 0 && histEmpty:
			entry.ClearDBState(m.table, m.listener)
		case count == 1:
			sole := s.Single()
			s.Lock()
			s.Remove(sole)
			s.Unlock()
			entry.SetDBState(m.table, m.listener, sole)
		}
	}
}
