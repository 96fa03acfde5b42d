package ribout

import "github.com/route-beacon/bgp-ribout/internal/peerbitset"

// AdvertiseInfo records, for one distinct set of attributes, which
// peers were last sent that advertise. Attrs is always reachable —
// withdrawals are not stored; their absence from the history is the
// record that a withdraw was sent.
type AdvertiseInfo struct {
	Target *peerbitset.Set
	Attrs  *Attr
}

// AdvertiseHistory is the per-prefix record of what was last
// advertised, sharded by attribute: at most one AdvertiseInfo per
// distinct Attrs value, and the Target sets across all entries are
// disjoint (P1/P2 in the testable-properties list).
type AdvertiseHistory struct {
	entries []*AdvertiseInfo
}

// NewAdvertiseHistory returns an empty history.
func NewAdvertiseHistory() *AdvertiseHistory {
	return &AdvertiseHistory{}
}

// Empty reports whether the history holds no entries.
func (h *AdvertiseHistory) Empty() bool { return len(h.entries) == 0 }

// Entries returns the history's entries. Callers must not mutate the
// returned slice or its elements' Target sets directly; use Upsert.
func (h *AdvertiseHistory) Entries() []*AdvertiseInfo { return h.entries }

// Find returns the entry with structurally-equal attrs, or nil.
func (h *AdvertiseHistory) Find(attrs *Attr) *AdvertiseInfo {
	for _, e := range h.entries {
		if e.Attrs.Equal(attrs) {
			return e
		}
	}
	return nil
}

// Upsert merges peers into the entry for attrs, clearing those bits
// from every other entry and dropping any entry whose target becomes
// empty. If attrs is unreachable (a withdraw), it only performs the
// clearing — withdrawals are never stored as history entries.
func (h *AdvertiseHistory) Upsert(attrs *Attr, peers *peerbitset.Set) {
	var match *AdvertiseInfo
	kept := h.entries[:0]
	for _, e := range h.entries {
		if !attrs.Reachable() && e.Attrs.Equal(attrs) {
			// Unreachable attrs never match a stored (always-reachable)
			// entry by construction, but guard anyway for symmetry.
			continue
		}
		if attrs.Reachable() && e.Attrs.Equal(attrs) {
			match = e
			kept = append(kept, e)
			continue
		}
		e.Target.Difference(peers)
		if !e.Target.Empty() {
			kept = append(kept, e)
		}
	}
	h.entries = kept

	if !attrs.Reachable() {
		return
	}
	if match != nil {
		match.Target.Union(peers)
		return
	}
	h.entries = append(h.entries, &AdvertiseInfo{
		Target: peers.Clone(),
		Attrs:  attrs,
	})
}

// RemoveEmpty drops every entry whose Target has become empty, e.g.
// after peers in it have left.
func (h *AdvertiseHistory) RemoveEmpty() {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if !e.Target.Empty() {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Compare reports whether the set of (attrs, target) tuples in the
// history equals that of the pending list, used to detect back-to-back
// no-op churn (A -> B -> A where only the final state was observed).
func (h *AdvertiseHistory) Compare(pending *UpdateInfoSList) bool {
	if len(h.entries) != pending.Len() {
		return false
	}
	for _, e := range h.entries {
		u := pending.Find(e.Attrs)
		if u == nil || !u.Target.Equals(e.Target) {
			return false
		}
	}
	return true
}

// clone deep-copies the history (used when moving it between owners
// would otherwise alias the Target bitsets).
func (h *AdvertiseHistory) clone() *AdvertiseHistory {
	c := &AdvertiseHistory{entries: make([]*AdvertiseInfo, len(h.entries))}
	for i, e := range h.entries {
		c.entries[i] = &AdvertiseInfo{Target: e.Target.Clone(), Attrs: e.Attrs}
	}
	return c
}
