// Package export implements BgpExport: the producer half of the
// RIB-OUT pipeline. It reacts to route changes (Export), peer joins
// (Join) and peer leaves (Leave), turning each into pending
// RouteUpdates on the appropriate internal/updatequeue queue.
package export

import (
	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/metrics"
	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
	"github.com/route-beacon/bgp-ribout/internal/updatemonitor"
)

// ActivityNotifier wakes the scheduling group responsible for a
// RibOut once a queue it watches has gone from empty to non-empty.
// internal/scheduling.Group implements this.
type ActivityNotifier interface {
	RibOutActive(queueID ribout.QueueID)
}

// Exporter is BgpExport for one RibOut.
type Exporter struct {
	listener external.ListenerID
	table    external.RouteTable
	policy   external.ExportPolicy
	monitor  *updatemonitor.Monitor
	notifier ActivityNotifier
	peerSet  func() *peerbitset.Set
}

// New returns an Exporter for one RibOut. peerSet must return the
// RibOut's current full UPDATE-queue membership (it is re-read on
// every call, so it can be backed by a mutable field).
func New(table external.RouteTable, listener external.ListenerID, policy external.ExportPolicy, monitor *updatemonitor.Monitor, notifier ActivityNotifier, peerSet func() *peerbitset.Set) *Exporter {
	return &Exporter{
		table:    table,
		listener: listener,
		policy:   policy,
		monitor:  monitor,
		notifier: notifier,
		peerSet:  peerSet,
	}
}

// Export reacts to a route change.
//
//  1. Compute the desired attributes via the export policy.
//  2. Dequeue any existing DBState for this route, short-circuiting if
//     it already matches the desired state.
//  3. Diff the desired state against advertise history, generating a
//     withdraw for peers no longer covered and trimming peers that
//     already have the right attributes.
//  4. Enqueue whatever remains.
func (ex *Exporter) Export(entry external.RouteEntry) {
	var (
		reach bool
		uinfo *ribout.UpdateInfoSList
	)
	if !entry.IsDeleted() {
		if ps := ex.peerSet(); !ps.Empty() {
			reach, uinfo = ex.policy.Export(ex.listener, entry, ps)
		}
	}
	if uinfo == nil {
		uinfo = ribout.NewUpdateInfoSList()
	}

	// The whole read-modify-write below — dequeue, diff against
	// history, re-enqueue — is atomic per route with respect to the
	// dequeuer and join/leave.
	unlock := ex.monitor.LockEntry(entry)
	defer unlock()

	dbstate, duplicate := ex.monitor.GetDBStateAndDequeue(entry, func(existing *ribout.RouteUpdate) bool {
		return existing.CompareUpdateInfo(uinfo)
	})
	if dbstate == nil && duplicate {
		return
	}

	var ru *ribout.RouteUpdate
	switch s := dbstate.(type) {
	case nil:
		if !reach {
			metrics.ExportDroppedTotal.WithLabelValues("unreachable").Inc()
			return
		}
		ru = ribout.NewRouteUpdate(entry, ribout.Update)
	case *ribout.RouteState:
		if s.CompareUpdateInfo(uinfo) {
			return
		}
		ru = ribout.NewRouteUpdate(entry, ribout.Update)
		ru.AdoptHistoryFromState(s)
	case *ribout.RouteUpdate:
		ru = s
		ru.Lock()
		ru.ClearUpdates()
		historyEmpty := ru.History().Empty()
		ru.Unlock()
		if historyEmpty && !reach {
			entry.ClearDBState(ex.table, ex.listener)
			metrics.ExportDroppedTotal.WithLabelValues("unreachable").Inc()
			return
		}
	}

	ru.Lock()
	if negative := ribout.BuildNegative(ru.History(), uinfo); negative != nil {
		uinfo.PushFront(negative)
	}
	ribout.TrimRedundant(ru.History(), uinfo)
	if uinfo.Empty() {
		rs := ribout.NewRouteState()
		ru.MoveHistoryToState(rs)
		ru.Unlock()
		entry.SetDBState(ex.table, ex.listener, rs)
		return
	}
	ru.SetUpdates(uinfo)
	ru.SetTimestampNow()
	ru.Unlock()

	entry.SetDBState(ex.table, ex.listener, ru)
	ex.monitor.Queue(ru.QueueID()).Enqueue(ru)
	if ex.notifier != nil {
		ex.notifier.RibOutActive(ru.QueueID())
	}
}

// Join schedules a bulk-queue replay of the route's current state for
// the peers in mjoin, trimmed to whichever of them don't already have
// it current or scheduled.
func (ex *Exporter) Join(entry external.RouteEntry, mjoin *peerbitset.Set) {
	if entry.IsDeleted() {
		return
	}
	unlock := ex.monitor.LockEntry(entry)
	defer unlock()

	mcurrent, mscheduled := ex.monitor.GetPeerSetCurrentAndScheduled(entry, ribout.Update)
	subset := mjoin.Clone()
	subset.Difference(mcurrent)
	subset.Difference(mscheduled)
	if subset.Empty() {
		return
	}

	reach, uinfo := ex.policy.Export(ex.listener, entry, subset)
	if !reach {
		return
	}

	ru := ribout.NewRouteUpdate(entry, ribout.Bulk)
	ru.SetUpdates(uinfo)

	needKick := ex.monitor.MergeUpdate(entry, ru)
	if needKick && ex.notifier != nil {
		ex.notifier.RibOutActive(ribout.Bulk)
	}
}

// Leave cancels any current or scheduled state for the peers in
// mleave.
func (ex *Exporter) Leave(entry external.RouteEntry, mleave *peerbitset.Set) {
	unlock := ex.monitor.LockEntry(entry)
	defer unlock()

	mcurrent, mscheduled := ex.monitor.GetPeerSetCurrentAndScheduled(entry, ribout.QueueCount)
	union := peerbitset.UnionOf(mcurrent, mscheduled)
	subset := peerbitset.IntersectionOf(mleave, union)
	if subset.Empty() {
		return
	}
	ex.monitor.ClearPeerSetCurrentAndScheduled(entry, subset)
}
