// Package routetable provides a concurrent in-memory RouteTable: the
// default implementation of the external.RouteTable / external.RouteEntry
// contracts the RIB-OUT core consumes. Production deployments with a
// real routing table would implement those interfaces directly against
// their own storage instead of this package; this one exists so the
// core is independently testable and runnable standalone. It carries
// no dependency on the rest of the pipeline (dequeue, scheduling,
// export, updatemonitor) precisely so those packages' tests can use it
// without an import cycle back through internal/ribtable's registry.
package routetable

import (
	"context"
	"strconv"
	"sync"

	"github.com/route-beacon/bgp-ribout/internal/bgp"
	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
)

// Table is a partitioned, mutex-protected map of prefix -> Route. It
// satisfies external.RouteTable.
type Table struct {
	mu         sync.RWMutex
	partitions int
	routes     map[string]*Route
	nextID     external.ListenerID
	listeners  map[external.ListenerID]func(int, external.RouteEntry)
	sched      external.TaskScheduler
}

// New returns an empty Table with the given partition count (the
// granularity at which "partition.*" tasks may run route-change
// callbacks concurrently). sched may be nil, in which case listener
// callbacks run inline on the calling goroutine (tests and other
// single-threaded callers).
func New(partitions int, sched external.TaskScheduler) *Table {
	if partitions < 1 {
		partitions = 1
	}
	return &Table{
		partitions: partitions,
		routes:     make(map[string]*Route),
		listeners:  make(map[external.ListenerID]func(int, external.RouteEntry)),
		sched:      sched,
	}
}

// RegisterListener satisfies external.RouteTable.
func (t *Table) RegisterListener(cb func(partition int, entry external.RouteEntry)) external.ListenerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = cb
	return id
}

// Unregister satisfies external.RouteTable.
func (t *Table) Unregister(id external.ListenerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, id)
	for _, r := range t.routes {
		r.mu.Lock()
		delete(r.dbstate, id)
		r.mu.Unlock()
	}
}

// PartitionCount satisfies external.RouteTable.
func (t *Table) PartitionCount() int { return t.partitions }

func (t *Table) partitionOf(prefix string) int {
	h := 2166136261
	for i := 0; i < len(prefix); i++ {
		h = (h ^ int(prefix[i])) * 16777619
	}
	if h < 0 {
		h = -h
	}
	return h % t.partitions
}

// Upsert installs or replaces attrs as route's path attributes and
// notifies every registered listener on the prefix's partition. A nil
// attrs marks the route withdrawn (IsDeleted() becomes true) without
// removing it from the table — DB state is reclaimed once every
// listener has drained it, same as a real RIB would keep a withdrawn
// route around only as long as RIB-OUT state references it.
func (t *Table) Upsert(prefix string, attrs *bgp.PathAttributes) *Route {
	t.mu.Lock()
	r, ok := t.routes[prefix]
	if !ok {
		r = &Route{table: t, prefix: prefix, dbstate: make(map[external.ListenerID]ribout.DBState)}
		t.routes[prefix] = r
	}
	cbs := make([]func(int, external.RouteEntry), 0, len(t.listeners))
	for _, cb := range t.listeners {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()

	r.mu.Lock()
	r.attrs = attrs
	r.deleted = attrs == nil
	r.mu.Unlock()

	part := t.partitionOf(prefix)
	for _, cb := range cbs {
		cb := cb
		if t.sched != nil {
			t.sched.Go("partition."+strconv.Itoa(part), func(ctx context.Context) { cb(part, r) })
		} else {
			cb(part, r)
		}
	}
	return r
}

// Range calls fn for every route currently in the table, stopping
// early if fn returns false. Used to seed a newly subscribed peer's
// initial state (spec's bulk-catchup table walk) and has no ordering
// guarantee beyond "every route is visited once".
func (t *Table) Range(fn func(entry external.RouteEntry) bool) {
	t.mu.RLock()
	routes := make([]*Route, 0, len(t.routes))
	for _, r := range t.routes {
		routes = append(routes, r)
	}
	t.mu.RUnlock()

	for _, r := range routes {
		if !fn(r) {
			return
		}
	}
}

// Route is the Table's external.RouteEntry implementation: one prefix,
// its current attributes, and a per-listener DBState slot.
type Route struct {
	table   *Table
	prefix  string
	mu      sync.Mutex
	attrs   *bgp.PathAttributes
	deleted bool
	dbstate map[external.ListenerID]ribout.DBState
}

// Prefix satisfies ribout.RouteRef / external.RouteEntry.
func (r *Route) Prefix() string { return r.prefix }

// IsDeleted satisfies external.RouteEntry.
func (r *Route) IsDeleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleted
}

// Attrs returns the route's current path attributes, or nil if
// withdrawn.
func (r *Route) Attrs() *bgp.PathAttributes {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attrs
}

// GetDBState satisfies external.RouteEntry.
func (r *Route) GetDBState(table external.RouteTable, id external.ListenerID) (ribout.DBState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.dbstate[id]
	return s, ok
}

// SetDBState satisfies external.RouteEntry.
func (r *Route) SetDBState(table external.RouteTable, id external.ListenerID, state ribout.DBState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dbstate[id] = state
}

// ClearDBState satisfies external.RouteEntry.
func (r *Route) ClearDBState(table external.RouteTable, id external.ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dbstate, id)
}
