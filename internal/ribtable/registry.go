package ribtable

import (
	"context"
	"sync"

	"github.com/route-beacon/bgp-ribout/internal/dequeue"
	"github.com/route-beacon/bgp-ribout/internal/export"
	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/metrics"
	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
	"github.com/route-beacon/bgp-ribout/internal/routetable"
	"github.com/route-beacon/bgp-ribout/internal/scheduling"
	"github.com/route-beacon/bgp-ribout/internal/updatemonitor"
	"github.com/route-beacon/bgp-ribout/internal/updatequeue"
)

// RibOut bundles the pieces a peer subscription needs against one
// export policy: its own table listener, update monitor, exporter,
// and pending-update queues. RibOutRegistry owns its lifecycle.
type RibOut struct {
	key      string
	listener external.ListenerID
	policy   external.ExportPolicy
	updates  *dequeue.RibOutUpdates
	monitor  *updatemonitor.Monitor
	exporter *export.Exporter
	peers    map[string]external.PeerHandle
}

// dynamicNotifier adapts a (manager, ribKey) pair to
// export.ActivityNotifier, re-resolving which scheduling group
// currently owns ribKey on every call since a merge or split can move
// it between groups over the RibOut's lifetime.
type dynamicNotifier struct {
	manager *scheduling.Manager
	ribKey  string
}

func (n dynamicNotifier) RibOutActive(queueID ribout.QueueID) {
	g := n.manager.Group(n.ribKey)
	if g == nil {
		return
	}
	g.Notifier(n.ribKey).RibOutActive(queueID)
}

// RibOutRegistry implements spec's RibOut lifecycle rule: a RibOut is
// created on first peer subscription with a given export policy and
// torn down once its last peer unsubscribes. RegisterPeer and
// UnregisterPeer are the spec's register_peer/unregister_peer entry
// points, both serialized onto the scheduler's membership task class
// so Join/Leave of the same (peer, rib) pair never race each other.
type RibOutRegistry struct {
	table     *routetable.Table
	manager   *scheduling.Manager
	sched     external.TaskScheduler
	builder   external.MessageBuilder
	transport external.Transport

	mu   sync.Mutex
	ribs map[string]*RibOut
}

// NewRibOutRegistry returns an empty registry backed by table. builder
// and transport are shared across every RibOut it creates.
func NewRibOutRegistry(table *routetable.Table, manager *scheduling.Manager, sched external.TaskScheduler, builder external.MessageBuilder, transport external.Transport) *RibOutRegistry {
	return &RibOutRegistry{
		table:     table,
		manager:   manager,
		sched:     sched,
		builder:   builder,
		transport: transport,
		ribs:      make(map[string]*RibOut),
	}
}

// RibCount reports how many RibOuts are currently live, for telemetry.
func (reg *RibOutRegistry) RibCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.ribs)
}

// newRibLocked constructs a RibOut for ribKey. Caller must hold reg.mu.
func (reg *RibOutRegistry) newRibLocked(ribKey string, policy external.ExportPolicy) *RibOut {
	r := &RibOut{key: ribKey, policy: policy, peers: make(map[string]external.PeerHandle)}

	r.listener = reg.table.RegisterListener(func(partition int, entry external.RouteEntry) {
		r.exporter.Export(entry)
	})

	var queues [ribout.QueueCount]*updatequeue.UpdateQueue
	for qid := ribout.QueueID(0); qid < ribout.QueueCount; qid++ {
		queues[qid] = updatequeue.New(qid)
	}
	r.monitor = updatemonitor.New(reg.table, r.listener, queues)

	r.updates = dequeue.New(reg.table, r.listener, reg.builder, reg.transport, r.monitor, queues, func(bit int) {
		reg.sched.Go("send-ready", func(ctx context.Context) {
			peerKey, ok := r.updates.PeerKeyForBit(bit)
			if !ok {
				return
			}
			if g := reg.manager.Group(peerKey); g != nil {
				g.SendReady(peerKey)
			}
		})
	})
	r.exporter = export.New(reg.table, r.listener, policy, r.monitor, dynamicNotifier{manager: reg.manager, ribKey: ribKey}, r.updates.Members)

	return r
}

// RegisterPeer is register_peer(ribout, peer, export_policy): it
// creates ribKey's RibOut lazily on first use, admits peerKey to it
// (idempotent — a peer already registered is a no-op), and replays
// every route in the table as a BULK-queue catch-up for that peer
// alone. policy is only consulted the first time ribKey is seen.
func (reg *RibOutRegistry) RegisterPeer(ribKey string, policy external.ExportPolicy, peerKey string, peer external.PeerHandle) {
	done := make(chan struct{})
	reg.sched.Go("membership", func(ctx context.Context) {
		defer close(done)

		reg.mu.Lock()
		r, ok := reg.ribs[ribKey]
		if !ok {
			r = reg.newRibLocked(ribKey, policy)
			reg.ribs[ribKey] = r
		}
		if _, already := r.peers[peerKey]; already {
			reg.mu.Unlock()
			return
		}
		r.peers[peerKey] = peer
		reg.mu.Unlock()

		reg.manager.Join(peerKey, peer, ribKey, r.updates)

		bit, ok := r.updates.PeerBit(peerKey)
		if !ok {
			return
		}
		mjoin := peerbitset.New()
		mjoin.Set(bit)
		reg.table.Range(func(entry external.RouteEntry) bool {
			r.exporter.Join(entry, mjoin)
			return true
		})
	})
	<-done
}

// PeerSendReady is peer_send_ready(peer): the session layer calls it
// when peerKey's socket becomes writable again. It schedules the
// owning group's catch-up dequeues on the send-ready task class, the
// same path the transport's own writable callback uses.
func (reg *RibOutRegistry) PeerSendReady(peerKey string) {
	reg.sched.Go("send-ready", func(ctx context.Context) {
		if g := reg.manager.Group(peerKey); g != nil {
			g.SendReady(peerKey)
		}
	})
}

// UnregisterPeer is unregister_peer(ribout, peer): it cancels peerKey's
// current and scheduled state on ribKey, removes it from the
// scheduling graph, and tears ribKey's RibOut down once it was the
// last peer subscribed. Per spec, no further updates are sent to
// peerKey on ribKey once this returns. A peer or rib not currently
// registered is absorbed silently.
func (reg *RibOutRegistry) UnregisterPeer(ribKey, peerKey string) {
	done := make(chan struct{})
	reg.sched.Go("membership", func(ctx context.Context) {
		defer close(done)

		reg.mu.Lock()
		r, ok := reg.ribs[ribKey]
		if !ok {
			reg.mu.Unlock()
			metrics.MembershipNoopTotal.WithLabelValues("unknown_rib").Inc()
			return
		}
		if _, member := r.peers[peerKey]; !member {
			reg.mu.Unlock()
			metrics.MembershipNoopTotal.WithLabelValues("non_member_leave").Inc()
			return
		}
		bit, hasBit := r.updates.PeerBit(peerKey)
		delete(r.peers, peerKey)
		lastPeer := len(r.peers) == 0
		reg.mu.Unlock()

		if hasBit {
			mleave := peerbitset.New()
			mleave.Set(bit)
			reg.table.Range(func(entry external.RouteEntry) bool {
				r.exporter.Leave(entry, mleave)
				return true
			})
		}
		reg.manager.Leave(peerKey, ribKey)

		if !lastPeer {
			return
		}
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if len(r.peers) == 0 {
			reg.table.Unregister(r.listener)
			delete(reg.ribs, ribKey)
		}
	})
	<-done
}
