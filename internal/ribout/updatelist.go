package ribout

import "sync"

// UpdateList replaces a single RouteUpdate when a prefix has pending
// deltas on both queues at once. Promotion to UpdateList happens when
// a second queue acquires a pending update for a prefix that already
// has one on the other queue; demotion back to a lone RouteUpdate
// happens when one side drains. The two RouteUpdates share a single
// AdvertiseHistory — advertise history is per prefix, not per queue.
type UpdateList struct {
	mu      sync.Mutex
	history *AdvertiseHistory
	slots   [QueueCount]*RouteUpdate
}

// NewUpdateList returns an UpdateList seeded with history (ownership
// transfers; the caller should not mutate it afterward). history is
// usually lifted from whichever of the two RouteUpdates survives the
// promotion.
func NewUpdateList(history *AdvertiseHistory) *UpdateList {
	if history == nil {
		history = NewAdvertiseHistory()
	}
	return &UpdateList{history: history}
}

func (*UpdateList) isDBState() {}

// Promote upgrades a lone RouteUpdate to an UpdateList containing
// just it, taking over its history. Called when a second queue
// acquires a pending update for a prefix that already has one active
// on the other queue.
func Promote(ru *RouteUpdate) *UpdateList {
	ul := NewUpdateList(ru.history)
	ul.Add(ru)
	return ul
}

// MoveHistoryTo hands this list's shared history to ru, leaving the
// list's history empty. Used when an UpdateList demotes back down to
// a lone RouteUpdate.
func (ul *UpdateList) MoveHistoryTo(ru *RouteUpdate) {
	ru.history = ul.history
	ul.history = NewAdvertiseHistory()
}

// MoveHistoryToRouteState hands this list's shared history to rs,
// leaving the list's history empty. Used when every RouteUpdate on
// the list drains and the list collapses back to a steady-state
// RouteState.
func (ul *UpdateList) MoveHistoryToRouteState(rs *RouteState) {
	rs.history = ul.history
	ul.history = NewAdvertiseHistory()
}

func (ul *UpdateList) Lock()   { ul.mu.Lock() }
func (ul *UpdateList) Unlock() { ul.mu.Unlock() }

// History returns the shared advertise history.
func (ul *UpdateList) History() *AdvertiseHistory { return ul.history }

// Get returns the RouteUpdate occupying queueID, or nil.
func (ul *UpdateList) Get(queueID QueueID) *RouteUpdate { return ul.slots[queueID] }

// Add installs ru in its queue's slot and detaches ru's own history in
// favor of the list's shared one.
func (ul *UpdateList) Add(ru *RouteUpdate) {
	ul.slots[ru.queueID] = ru
	ru.SetOnUpdateList(true)
	ru.history = ul.history
}

// Remove detaches ru from the list, handing it back a private copy of
// the (possibly since-diverged) shared history so it can stand alone
// again.
func (ul *UpdateList) Remove(ru *RouteUpdate) {
	ul.slots[ru.queueID] = nil
	ru.SetOnUpdateList(false)
	ru.history = ul.history.clone()
}

// Count returns how many of the two queue slots are occupied.
func (ul *UpdateList) Count() int {
	n := 0
	for _, ru := range ul.slots {
		if ru != nil {
			n++
		}
	}
	return n
}

// Single returns the sole occupied RouteUpdate when Count() == 1, or
// nil otherwise.
func (ul *UpdateList) Single() *RouteUpdate {
	var only *RouteUpdate
	for _, ru := range ul.slots {
		if ru != nil {
			if only != nil {
				return nil
			}
			only = ru
		}
	}
	return only
}

// Empty reports whether both queue slots are unoccupied.
func (ul *UpdateList) Empty() bool { return ul.Count() == 0 }
