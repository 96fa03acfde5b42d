package ribout

import (
	"fmt"
	"sync"
	"time"

	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
)

// QueueID selects between the two priority queues a RouteUpdate can
// live on.
type QueueID int

const (
	Bulk QueueID = iota
	Update
	QueueCount
)

func (q QueueID) String() string {
	switch q {
	case Bulk:
		return "BULK"
	case Update:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// RouteRef is the minimal shape RouteUpdate needs from the owning
// route; it lets this package stay independent of the route-table
// package.
type RouteRef interface {
	Prefix() string
}

// DBState is the tagged union stored against a (route, listener)
// pair: RouteState, RouteUpdate or UpdateList.
type DBState interface {
	isDBState()
}

// InvariantViolation marks a contract violation per the error-handling
// design: these are bugs, not runtime conditions, and the caller is
// expected to let the process abort after logging.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string { return "ribout: invariant violation: " + e.Msg }

// RouteUpdate is the per-prefix, per-queue pending-update entity.
// Either Updates() is non-empty (the entry is pending) or it has been
// converted to a RouteState and removed from the queue.
type RouteUpdate struct {
	mu           sync.Mutex
	route        RouteRef
	queueID      QueueID
	updates      *UpdateInfoSList
	history      *AdvertiseHistory
	timestamp    uint64
	onUpdateList bool
}

// NewRouteUpdate creates an empty RouteUpdate for route on the given
// queue.
func NewRouteUpdate(route RouteRef, queueID QueueID) *RouteUpdate {
	return &RouteUpdate{
		route:   route,
		queueID: queueID,
		updates: NewUpdateInfoSList(),
		history: NewAdvertiseHistory(),
	}
}

func (*RouteUpdate) isDBState() {}

// Lock/Unlock guard the RouteUpdate's own fields (Updates, History,
// flags) — not its linkage in the UpdateQueue FIFO, which is guarded
// separately by the queue's own mutex.
func (ru *RouteUpdate) Lock()   { ru.mu.Lock() }
func (ru *RouteUpdate) Unlock() { ru.mu.Unlock() }

func (ru *RouteUpdate) Route() RouteRef       { return ru.route }
func (ru *RouteUpdate) QueueID() QueueID      { return ru.queueID }
func (ru *RouteUpdate) SetQueueID(id QueueID) { ru.queueID = id }

func (ru *RouteUpdate) Updates() *UpdateInfoSList   { return ru.updates }
func (ru *RouteUpdate) History() *AdvertiseHistory  { return ru.history }
func (ru *RouteUpdate) Timestamp() uint64           { return ru.timestamp }
func (ru *RouteUpdate) SetTimestampNow()            { ru.timestamp = uint64(time.Now().UnixNano()) }
func (ru *RouteUpdate) OnUpdateList() bool          { return ru.onUpdateList }
func (ru *RouteUpdate) SetOnUpdateList(v bool)      { ru.onUpdateList = v }
func (ru *RouteUpdate) Empty() bool                 { return ru.updates.Empty() }
func (ru *RouteUpdate) IsAdvertised() bool          { return !ru.history.Empty() }
func (ru *RouteUpdate) FindHistory(attrs *Attr) *AdvertiseInfo { return ru.history.Find(attrs) }

// SetUpdates installs the pending deltas. The caller must have
// ensured Updates() was empty; a non-empty install is a contract
// violation (two producers racing to populate the same RouteUpdate).
func (ru *RouteUpdate) SetUpdates(list *UpdateInfoSList) {
	if !ru.updates.Empty() {
		panic(&InvariantViolation{Msg: fmt.Sprintf("SetUpdates on non-empty RouteUpdate for %s", ru.route.Prefix())})
	}
	for _, u := range list.Items() {
		u.Update = ru
	}
	ru.updates = list
}

// ClearUpdates drops all pending deltas, retaining history.
func (ru *RouteUpdate) ClearUpdates() { ru.updates.Clear() }

// MergeUpdates folds incoming deltas into the existing pending list:
// an UpdateInfo with matching Attrs has its target unioned in;
// otherwise those bits are cleared from every existing UpdateInfo
// (preserving disjointness) and the new one is inserted at the head.
// This is how a peer JOIN's bulk-queue update is combined with a
// concurrent bulk RouteUpdate already pending for the same prefix.
func (ru *RouteUpdate) MergeUpdates(list *UpdateInfoSList) {
	for _, incoming := range list.Items() {
		if existing := ru.updates.Find(incoming.Attrs); existing != nil {
			existing.Target.Union(incoming.Target)
			continue
		}
		for _, other := range ru.updates.Items() {
			other.Target.Difference(incoming.Target)
		}
		ru.updates.RemoveEmpty()
		incoming.Update = ru
		ru.updates.PushFront(incoming)
	}
}

// ResetTargets clears bits from every pending UpdateInfo's target and
// drops entries that become empty. Used when a peer blocks or
// unsubscribes mid-dequeue.
func (ru *RouteUpdate) ResetTargets(bits *peerbitset.Set) {
	for _, u := range ru.updates.Items() {
		u.Target.Difference(bits)
	}
	ru.updates.RemoveEmpty()
}

// RecordSent updates history for the peers actually transmitted and
// removes them from uinfo's own target; the caller is responsible for
// dropping uinfo (and this RouteUpdate) if they subsequently empty
// out.
func (ru *RouteUpdate) RecordSent(uinfo *UpdateInfo, sentPeers *peerbitset.Set) {
	ru.history.Upsert(uinfo.Attrs, sentPeers)
	uinfo.Target.Difference(sentPeers)
}

// CompareUpdateInfo reports whether list describes exactly the state
// already pending on this RouteUpdate (used for duplicate detection).
func (ru *RouteUpdate) CompareUpdateInfo(list *UpdateInfoSList) bool {
	if ru.updates.Len() != list.Len() {
		return false
	}
	for _, u := range list.Items() {
		existing := ru.updates.Find(u.Attrs)
		if existing == nil || !existing.Target.Equals(u.Target) {
			return false
		}
	}
	return true
}

// MoveHistoryToState moves this RouteUpdate's history into rs,
// leaving this RouteUpdate's history empty.
func (ru *RouteUpdate) MoveHistoryToState(rs *RouteState) {
	rs.history = ru.history
	ru.history = NewAdvertiseHistory()
}

// AdoptHistoryFromState takes ownership of rs's history.
func (ru *RouteUpdate) AdoptHistoryFromState(rs *RouteState) {
	ru.history = rs.history
	rs.history = NewAdvertiseHistory()
}

// RouteState is the history-only stand-in kept as DB state on a route
// when no update is pending.
type RouteState struct {
	history *AdvertiseHistory
}

// NewRouteState returns an empty RouteState.
func NewRouteState() *RouteState {
	return &RouteState{history: NewAdvertiseHistory()}
}

func (*RouteState) isDBState() {}

func (rs *RouteState) History() *AdvertiseHistory              { return rs.history }
func (rs *RouteState) Empty() bool                             { return rs.history.Empty() }
func (rs *RouteState) FindHistory(attrs *Attr) *AdvertiseInfo   { return rs.history.Find(attrs) }
func (rs *RouteState) CompareUpdateInfo(l *UpdateInfoSList) bool { return rs.history.Compare(l) }
