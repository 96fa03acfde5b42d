package ribout

import "github.com/route-beacon/bgp-ribout/internal/peerbitset"

// BuildNegative compares history (what was last advertised) against
// list (what is about to be advertised) and, if any peer in history
// has no corresponding entry in list, returns a withdraw UpdateInfo
// targeting exactly those peers. It returns nil when there is nothing
// to withdraw.
func BuildNegative(history *AdvertiseHistory, list *UpdateInfoSList) *UpdateInfo {
	peers := peerbitset.New()
	for _, e := range history.Entries() {
		peers.Union(e.Target)
	}
	for _, u := range list.Items() {
		peers.Difference(u.Target)
	}
	if peers.Empty() {
		return nil
	}
	return &UpdateInfo{Target: peers, Attrs: Withdraw()}
}

// TrimRedundant removes, from each UpdateInfo in list, the peers that
// history shows already received that exact set of attributes,
// dropping any UpdateInfo whose target becomes empty as a result.
func TrimRedundant(history *AdvertiseHistory, list *UpdateInfoSList) {
	for _, e := range history.Entries() {
		if u := list.Find(e.Attrs); u != nil {
			u.Target.Difference(e.Target)
		}
	}
	list.RemoveEmpty()
}
