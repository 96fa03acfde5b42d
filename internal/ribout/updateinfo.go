package ribout

import "github.com/route-beacon/bgp-ribout/internal/peerbitset"

// UpdateInfo is a pending delta for one prefix: a target peer set and
// the attributes to advertise (or withdraw) to them, plus a back
// pointer to the owning RouteUpdate. Within one RouteUpdate, no two
// UpdateInfos share Attrs, and the union of all Target sets is
// disjoint (P1).
type UpdateInfo struct {
	Target    *peerbitset.Set
	Attrs     *Attr
	Update    *RouteUpdate
	Timestamp uint64
}

// UpdateInfoSList is the small ordered list of UpdateInfo entries
// owned by a single RouteUpdate (or built transiently by export
// policy before being installed into one).
type UpdateInfoSList struct {
	items []*UpdateInfo
}

// NewUpdateInfoSList wraps the given items (ownership transfers to
// the list).
func NewUpdateInfoSList(items ...*UpdateInfo) *UpdateInfoSList {
	return &UpdateInfoSList{items: items}
}

// Len returns the number of entries.
func (l *UpdateInfoSList) Len() int { return len(l.items) }

// Empty reports whether the list has no entries.
func (l *UpdateInfoSList) Empty() bool { return len(l.items) == 0 }

// Items returns the underlying slice; callers may range over it but
// must use the mutating methods below to modify the list.
func (l *UpdateInfoSList) Items() []*UpdateInfo { return l.items }

// Find returns the entry with structurally-equal Attrs, or nil.
func (l *UpdateInfoSList) Find(attrs *Attr) *UpdateInfo {
	for _, u := range l.items {
		if u.Attrs.Equal(attrs) {
			return u
		}
	}
	return nil
}

// PushFront prepends an entry (used for the withdraw UpdateInfo built
// by BuildNegative, which must be evaluated ahead of the rest).
func (l *UpdateInfoSList) PushFront(u *UpdateInfo) {
	l.items = append([]*UpdateInfo{u}, l.items...)
}

// PushBack appends an entry.
func (l *UpdateInfoSList) PushBack(u *UpdateInfo) {
	l.items = append(l.items, u)
}

// RemoveEmpty drops every entry whose Target has become empty.
func (l *UpdateInfoSList) RemoveEmpty() {
	kept := l.items[:0]
	for _, u := range l.items {
		if !u.Target.Empty() {
			kept = append(kept, u)
		}
	}
	l.items = kept
}

// Clear drops every entry.
func (l *UpdateInfoSList) Clear() { l.items = nil }
