package scheduling

import (
	"fmt"
	"sync"

	"github.com/route-beacon/bgp-ribout/internal/dequeue"
	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/metrics"
)

// Manager is SchedulingGroupManager: it keeps the partition of the
// (peer, rib) bipartite membership graph into connected components in
// lockstep with one Group per component, merging groups a Join
// connects and splitting a group a Leave disconnects.
type Manager struct {
	mu              sync.Mutex
	sched           external.TaskScheduler
	bulkCreditRatio int
	nextID          int
	groups    map[string]*Group
	peerGroup map[string]string
	ribGroup  map[string]string
	// adjacency, keyed independently of any group, so Leave can
	// recompute connectivity after a group is torn down to the edges
	// that remain.
	peerRibs map[string]map[string]bool
	ribPeers map[string]map[string]bool
	// live peer/rib handles, needed to replay membership into a newly
	// created group during merge/split.
	peerHandle map[string]external.PeerHandle
	ribHandle  map[string]*dequeue.RibOutUpdates
}

// NewManager returns an empty SchedulingGroupManager whose groups'
// workers are submitted to sched under class "send.<group-id>".
// bulkCreditRatio is passed through to every Group it creates (see
// NewGroup); pass 0 to use DefaultBulkCreditRatio.
func NewManager(sched external.TaskScheduler, bulkCreditRatio int) *Manager {
	return &Manager{
		sched:           sched,
		bulkCreditRatio: bulkCreditRatio,
		groups:          make(map[string]*Group),
		peerGroup:       make(map[string]string),
		ribGroup:        make(map[string]string),
		peerRibs:        make(map[string]map[string]bool),
		ribPeers:        make(map[string]map[string]bool),
		peerHandle:      make(map[string]external.PeerHandle),
		ribHandle:       make(map[string]*dequeue.RibOutUpdates),
	}
}

// GroupCount reports how many connected components the membership
// graph currently has, satisfying httpapi's GroupCounter.
func (m *Manager) GroupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// Group returns the group a peer or rib key currently belongs to, or
// nil if it belongs to none.
func (m *Manager) Group(key string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.peerGroup[key]; ok {
		return m.groups[id]
	}
	if id, ok := m.ribGroup[key]; ok {
		return m.groups[id]
	}
	return nil
}

func (m *Manager) newGroupLocked() *Group {
	m.nextID++
	id := fmt.Sprintf("g%d", m.nextID)
	g := NewGroup(id, m.sched, m.bulkCreditRatio)
	m.groups[id] = g
	metrics.SchedulingGroups.Set(float64(len(m.groups)))
	return g
}

func (m *Manager) addEdgeLocked(peerKey, ribKey string) {
	if m.peerRibs[peerKey] == nil {
		m.peerRibs[peerKey] = make(map[string]bool)
	}
	if m.ribPeers[ribKey] == nil {
		m.ribPeers[ribKey] = make(map[string]bool)
	}
	m.peerRibs[peerKey][ribKey] = true
	m.ribPeers[ribKey][peerKey] = true
}

func (m *Manager) removeEdgeLocked(peerKey, ribKey string) {
	delete(m.peerRibs[peerKey], ribKey)
	delete(m.ribPeers[ribKey], peerKey)
	if len(m.peerRibs[peerKey]) == 0 {
		delete(m.peerRibs, peerKey)
	}
	if len(m.ribPeers[ribKey]) == 0 {
		delete(m.ribPeers, ribKey)
	}
}

// Join admits the (peer, rib) edge, creating, extending, or merging
// groups as needed to preserve the connected-components invariant.
func (m *Manager) Join(peerKey string, peer external.PeerHandle, ribKey string, rib *dequeue.RibOutUpdates) {
	m.mu.Lock()
	m.peerHandle[peerKey] = peer
	m.ribHandle[ribKey] = rib
	m.addEdgeLocked(peerKey, ribKey)

	pgID, peerIn := m.peerGroup[peerKey]
	rgID, ribIn := m.ribGroup[ribKey]

	switch {
	case !peerIn && !ribIn:
		g := m.newGroupLocked()
		m.peerGroup[peerKey] = g.ID()
		m.ribGroup[ribKey] = g.ID()
		m.mu.Unlock()
		g.Join(peerKey, peer, ribKey, rib)

	case peerIn && !ribIn:
		m.ribGroup[ribKey] = pgID
		g := m.groups[pgID]
		m.mu.Unlock()
		g.Join(peerKey, peer, ribKey, rib)

	case !peerIn && ribIn:
		m.peerGroup[peerKey] = rgID
		g := m.groups[rgID]
		m.mu.Unlock()
		g.Join(peerKey, peer, ribKey, rib)

	case pgID == rgID:
		g := m.groups[pgID]
		m.mu.Unlock()
		g.Join(peerKey, peer, ribKey, rib)

	default:
		dest, src := m.groups[pgID], m.groups[rgID]
		if src.PeerCount() > dest.PeerCount() {
			dest, src = src, dest
		}
		destID, srcID := dest.ID(), src.ID()
		m.reassignLocked(srcID, destID)
		m.mu.Unlock()
		m.absorb(dest, src)
		dest.Join(peerKey, peer, ribKey, rib)
	}
}

// reassignLocked points every peer/rib currently mapped to srcID at
// destID instead. Caller must hold m.mu.
func (m *Manager) reassignLocked(srcID, destID string) {
	for k, id := range m.peerGroup {
		if id == srcID {
			m.peerGroup[k] = destID
		}
	}
	for k, id := range m.ribGroup {
		if id == srcID {
			m.ribGroup[k] = destID
		}
	}
	delete(m.groups, srcID)
	metrics.SchedulingGroups.Set(float64(len(m.groups)))
}

// absorb replays every (peer, rib) edge src held into dest. src is
// discarded afterward; its worker, having no more work enqueued, exits
// on its own once its current queue drains.
func (m *Manager) absorb(dest, src *Group) {
	m.mu.Lock()
	type edge struct{ peerKey, ribKey string }
	var edges []edge
	for ribKey, peers := range m.ribPeers {
		if m.ribGroup[ribKey] != dest.ID() {
			continue
		}
		for peerKey := range peers {
			if src.HasPeer(peerKey) || dest.HasPeer(peerKey) {
				edges = append(edges, edge{peerKey, ribKey})
			}
		}
	}
	peerHandles := m.peerHandle
	ribHandles := m.ribHandle
	m.mu.Unlock()

	for _, e := range edges {
		dest.Join(e.peerKey, peerHandles[e.peerKey], e.ribKey, ribHandles[e.ribKey])
	}
}

// Leave removes the (peer, rib) edge. If doing so disconnects the
// owning group's component graph, every peer and rib of the group no
// longer reachable from peerKey moves into a freshly created group,
// whichever side is larger.
func (m *Manager) Leave(peerKey, ribKey string) {
	m.mu.Lock()
	m.removeEdgeLocked(peerKey, ribKey)
	gid, ok := m.peerGroup[peerKey]
	if !ok {
		gid, ok = m.ribGroup[ribKey]
	}
	if !ok {
		m.mu.Unlock()
		return
	}
	g := m.groups[gid]

	reachable := m.bfsLocked(peerKey)
	var groupPeers, groupRibs []string
	for k, id := range m.peerGroup {
		if id == gid {
			groupPeers = append(groupPeers, k)
		}
	}
	for k, id := range m.ribGroup {
		if id == gid {
			groupRibs = append(groupRibs, k)
		}
	}

	var strandedPeers, strandedRibs []string
	for _, k := range groupPeers {
		if !reachable[peerNode(k)] {
			strandedPeers = append(strandedPeers, k)
		}
	}
	for _, k := range groupRibs {
		if !reachable[ribNode(k)] {
			strandedRibs = append(strandedRibs, k)
		}
	}

	if len(strandedPeers) == 0 && len(strandedRibs) == 0 {
		m.mu.Unlock()
		g.Leave(peerKey, ribKey)
		return
	}

	split := m.newGroupLocked()
	for _, k := range strandedPeers {
		m.peerGroup[k] = split.ID()
	}
	for _, k := range strandedRibs {
		m.ribGroup[k] = split.ID()
	}
	peerHandles := m.peerHandle
	ribHandles := m.ribHandle
	ribPeers := m.ribPeers
	m.mu.Unlock()

	g.Leave(peerKey, ribKey)
	for _, rk := range strandedRibs {
		for pk := range ribPeers[rk] {
			g.Leave(pk, rk)
			split.Join(pk, peerHandles[pk], rk, ribHandles[rk])
		}
	}
}

type graphNode struct {
	rib  bool
	key  string
}

func peerNode(key string) graphNode { return graphNode{key: key} }
func ribNode(key string) graphNode  { return graphNode{rib: true, key: key} }

// bfsLocked walks the remaining edges reachable from peerKey, used to
// test whether removing an edge disconnected the component. Caller
// must hold m.mu.
func (m *Manager) bfsLocked(peerKey string) map[graphNode]bool {
	seen := map[graphNode]bool{peerNode(peerKey): true}
	queue := []graphNode{peerNode(peerKey)}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if !n.rib {
			for rk := range m.peerRibs[n.key] {
				rn := ribNode(rk)
				if !seen[rn] {
					seen[rn] = true
					queue = append(queue, rn)
				}
			}
			continue
		}
		for pk := range m.ribPeers[n.key] {
			pn := peerNode(pk)
			if !seen[pn] {
				seen[pn] = true
				queue = append(queue, pn)
			}
		}
	}
	return seen
}
