// Package ribout holds the per-prefix, per-peer RIB-OUT data model:
// the interned attribute+next-hop tuple (Attr), the advertise history
// kept per prefix (AdvertiseHistory), and the pending-update entity
// that rides the UpdateQueue FIFO (RouteUpdate / UpdateList /
// RouteState).
package ribout

import "github.com/route-beacon/bgp-ribout/internal/peerbitset"

// AttrObject is the external, opaque BGP path attribute object that
// the attribute database interns and hands out as a stable shared
// pointer. The core never looks inside it — it only uses pointer
// identity and the Seq field (assigned once, at intern time, by the
// attribute database) to get a total order without comparing raw
// pointers.
type AttrObject struct {
	Seq     uint64
	Payload any
}

// NextHop is one element of a RibOutAttr's ordered next-hop list.
type NextHop struct {
	Address     string
	Label       uint32
	TunnelEncap []string
}

// Compare returns -1/0/1 comparing n to o: address, then label, then
// the tunnel encap list element-wise.
func (n NextHop) Compare(o NextHop) int {
	if n.Address != o.Address {
		if n.Address < o.Address {
			return -1
		}
		return 1
	}
	if n.Label != o.Label {
		if n.Label < o.Label {
			return -1
		}
		return 1
	}
	if len(n.TunnelEncap) != len(o.TunnelEncap) {
		if len(n.TunnelEncap) < len(o.TunnelEncap) {
			return -1
		}
		return 1
	}
	for i := range n.TunnelEncap {
		if n.TunnelEncap[i] != o.TunnelEncap[i] {
			if n.TunnelEncap[i] < o.TunnelEncap[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (n NextHop) equal(o NextHop) bool { return n.Compare(o) == 0 }

// Attr is RibOutAttr: an immutable (attribute, next-hop list) tuple.
// A reachable Attr has a non-nil attribute object; an unreachable one
// (a withdrawal) has a nil attribute and an empty next-hop list.
type Attr struct {
	attr     *AttrObject
	nexthops []NextHop
}

// NewAttr constructs a reachable Attr from an interned attribute
// object and its next-hop list.
func NewAttr(attr *AttrObject, nexthops []NextHop) *Attr {
	return &Attr{attr: attr, nexthops: append([]NextHop(nil), nexthops...)}
}

// NewECMPAttr constructs a reachable Attr fanning out over several
// equal-cost next hops, deduplicated by (address, label, encap) with
// first-seen order preserved. This is the multi-next-hop shape the
// XMPP encoding advertises, one hop per eligible path.
func NewECMPAttr(attr *AttrObject, hops []NextHop) *Attr {
	uniq := make([]NextHop, 0, len(hops))
	for _, h := range hops {
		dup := false
		for _, u := range uniq {
			if u.Compare(h) == 0 {
				dup = true
				break
			}
		}
		if !dup {
			uniq = append(uniq, h)
		}
	}
	return &Attr{attr: attr, nexthops: uniq}
}

// Withdraw returns the unreachable Attr used for withdrawals.
func Withdraw() *Attr {
	return &Attr{}
}

// Reachable reports whether this Attr carries an attribute (i.e. is
// an advertise rather than a withdraw).
func (a *Attr) Reachable() bool { return a != nil && a.attr != nil }

// AttrObject returns the interned attribute object, or nil for a
// withdrawal.
func (a *Attr) AttrObject() *AttrObject { return a.attr }

// NextHops returns the ordered next-hop list.
func (a *Attr) NextHops() []NextHop { return a.nexthops }

// SetAttr replaces the attribute on an unreachable Attr, transitioning
// it to reachable. Per the hard invariant inherited from the original
// source, this must only be called before the Attr is shared with any
// other owner (e.g. while building a fresh UpdateInfo); a reachable
// Attr's next-hop list is never rewritten in place.
func (a *Attr) SetAttr(attr *AttrObject, nexthops []NextHop) {
	if a.attr != nil {
		panic(&InvariantViolation{Msg: "SetAttr called on an already-reachable Attr"})
	}
	a.attr = attr
	a.nexthops = append([]NextHop(nil), nexthops...)
}

// Equal is structural on the next-hop list and pointer-identity on
// the attribute object.
func (a *Attr) Equal(b *Attr) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.attr != b.attr {
		return false
	}
	if len(a.nexthops) != len(b.nexthops) {
		return false
	}
	for i := range a.nexthops {
		if !a.nexthops[i].equal(b.nexthops[i]) {
			return false
		}
	}
	return true
}

func attrSeq(a *AttrObject) int64 {
	if a == nil {
		return -1
	}
	return int64(a.Seq)
}

// Compare gives the total order: attribute identity first (via the
// interning sequence number), then lexicographic next-hop order.
func (a *Attr) Compare(b *Attr) int {
	sa, sb := attrSeq(a.attr), attrSeq(b.attr)
	if sa != sb {
		if sa < sb {
			return -1
		}
		return 1
	}
	if a.attr != b.attr {
		// Distinct objects that, pathologically, share a sequence number
		// (e.g. both zero-value/withdrawal) — fall back to length then
		// a stable false ordering isn't possible without identity, so
		// nexthop-list comparison below is the remaining discriminator.
	}
	na, nb := a.nexthops, b.nexthops
	if len(na) != len(nb) {
		if len(na) < len(nb) {
			return -1
		}
		return 1
	}
	for i := range na {
		if c := na[i].Compare(nb[i]); c != 0 {
			return c
		}
	}
	return 0
}

// RibPeerSet is the PeerBitSet type used throughout this package.
type RibPeerSet = peerbitset.Set
