// Package policy implements the default external.ExportPolicy: the pure
// function that turns a route's current attributes into the set of
// advertisements a batch of peers should receive. Real deployments
// would typically layer route-maps / communities filtering on top;
// this package provides the unconditional "advertise as received"
// policy plus a community-based filter as a worked example of
// composing policies.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/route-beacon/bgp-ribout/internal/bgp"
	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
	"github.com/route-beacon/bgp-ribout/internal/routetable"
)

// AttrDB interns attribute sets into stable, comparable handles.
type AttrDB interface {
	LocateSync(key external.AttrKey) *ribout.AttrObject
}

// NextHopSelf is the default export policy: it advertises the route's
// current attributes, unmodified, to every peer in peers, and
// withdraws (by reporting anyReachable=false) when the route carries
// no attributes (is withdrawn) or has no next-hop.
//
// A fixed interned attribute handle is shared by every call for a
// given route+generation, since SetAttr forbids an unreachable ->
// reachable next-hop rewrite on an already-reachable Attr (the
// invariant the original source hard-codes); NextHopSelf therefore
// builds a fresh ribout.Attr per Export rather than mutating one.
type NextHopSelf struct {
	DB AttrDB

	// Fallback intern table used when no database is configured
	// (standalone/test mode). Attribute equality across the pipeline is
	// pointer identity on the AttrObject, so even without persistence
	// the same attribute set must resolve to the same object — handing
	// out a fresh object per Export would defeat duplicate suppression
	// and history trimming entirely.
	mu      sync.Mutex
	local   map[string]*ribout.AttrObject
	nextSeq uint64
}

func (p *NextHopSelf) locate(key external.AttrKey) *ribout.AttrObject {
	if p.DB != nil {
		return p.DB.LocateSync(key)
	}
	ck := canonicalKey(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		p.local = make(map[string]*ribout.AttrObject)
	}
	if obj, ok := p.local[ck]; ok {
		return obj
	}
	p.nextSeq++
	obj := &ribout.AttrObject{Seq: p.nextSeq, Payload: key}
	p.local[ck] = obj
	return obj
}

func canonicalKey(key external.AttrKey) string {
	return fmt.Sprintf("%s|%d|%d|%s|%s",
		key.RouteDistinguisher, key.LocalPref, key.MED, key.ASPath,
		strings.Join(key.Communities, ","))
}

// Export satisfies external.ExportPolicy.
func (p *NextHopSelf) Export(listener external.ListenerID, route external.RouteEntry, peers *peerbitset.Set) (bool, *ribout.UpdateInfoSList) {
	list := ribout.NewUpdateInfoSList()

	r, ok := route.(*routetable.Route)
	if !ok {
		return false, list
	}
	attrs := r.Attrs()
	if attrs == nil || attrs.Nexthop == "" {
		return false, list
	}

	obj := p.locate(keyFor(attrs))
	attr := ribout.NewAttr(obj, []ribout.NextHop{{Address: attrs.Nexthop}})

	list.PushBack(&ribout.UpdateInfo{Target: peers.Clone(), Attrs: attr})
	return true, list
}

func keyFor(attrs *bgp.PathAttributes) external.AttrKey {
	var lp, med uint32
	if attrs.LocalPref != nil {
		lp = *attrs.LocalPref
	}
	if attrs.MED != nil {
		med = *attrs.MED
	}
	comms := append([]string(nil), attrs.CommStd...)
	return external.AttrKey{
		LocalPref:   lp,
		MED:         med,
		ASPath:      attrs.ASPath,
		Communities: comms,
	}
}

// ECMPFanOut advertises every equal-cost next hop of a route inside
// one multi-next-hop attribute — the shape the XMPP encoding uses —
// instead of NextHopSelf's single best hop. The hop list is the best
// path's next hop followed by the route's equal-cost alternates,
// deduplicated by (address, label, encap) via ribout.NewECMPAttr.
type ECMPFanOut struct {
	NextHopSelf
}

// Export satisfies external.ExportPolicy.
func (p *ECMPFanOut) Export(listener external.ListenerID, route external.RouteEntry, peers *peerbitset.Set) (bool, *ribout.UpdateInfoSList) {
	list := ribout.NewUpdateInfoSList()

	r, ok := route.(*routetable.Route)
	if !ok {
		return false, list
	}
	attrs := r.Attrs()
	if attrs == nil || attrs.Nexthop == "" {
		return false, list
	}

	hops := make([]ribout.NextHop, 0, 1+len(attrs.ECMPNexthops))
	hops = append(hops, ribout.NextHop{Address: attrs.Nexthop})
	for _, nh := range attrs.ECMPNexthops {
		hops = append(hops, ribout.NextHop{Address: nh})
	}

	obj := p.locate(keyFor(attrs))
	attr := ribout.NewECMPAttr(obj, hops)

	list.PushBack(&ribout.UpdateInfo{Target: peers.Clone(), Attrs: attr})
	return true, list
}

// CommunityFilter wraps another policy and drops peers tagged (via
// BlockedByComm) as filtered by a well-known no-export-style community,
// leaving every other peer's result untouched.
type CommunityFilter struct {
	Next          external.ExportPolicy
	NoExport      string
	BlockedByComm map[string]*peerbitset.Set // community value -> peers to exclude
}

// Export satisfies external.ExportPolicy.
func (f *CommunityFilter) Export(listener external.ListenerID, route external.RouteEntry, peers *peerbitset.Set) (bool, *ribout.UpdateInfoSList) {
	r, ok := route.(*routetable.Route)
	if ok {
		if attrs := r.Attrs(); attrs != nil {
			for _, c := range attrs.CommStd {
				if c == f.NoExport {
					return false, ribout.NewUpdateInfoSList()
				}
			}
		}
	}

	subset := peers.Clone()
	if ok {
		if attrs := r.Attrs(); attrs != nil {
			for _, c := range attrs.CommStd {
				if blocked, has := f.BlockedByComm[c]; has {
					subset.Difference(blocked)
				}
			}
		}
	}
	if subset.Empty() {
		return false, ribout.NewUpdateInfoSList()
	}
	return f.Next.Export(listener, route, subset)
}
