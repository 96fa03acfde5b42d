// Package external defines the seams between the RIB-OUT update
// pipeline and the rest of a BGP control plane: the route table it
// listens to, the export policy that decides what to advertise, the
// attribute database that interns path attributes, the message
// builder that serializes them, and the transport that carries bytes
// to a peer.
//
// The pipeline depends only on these interfaces. internal/routetable,
// internal/ribtable, internal/policy, internal/attrdb,
// internal/msgbuilder and internal/transport provide the default
// implementations used by cmd/bgp-ribout; tests substitute fakes.
package external

import (
	"context"

	"github.com/route-beacon/bgp-ribout/internal/peerbitset"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
)

// ListenerID is re-exported so callers of this package don't also
// need to import internal/ribout just to register a listener.
type ListenerID = ribout.ListenerID

// RouteEntry is one prefix in a RouteTable. Implementations store
// ribout.DBState per registered listener.
type RouteEntry interface {
	Prefix() string
	IsDeleted() bool
	GetDBState(table RouteTable, id ListenerID) (ribout.DBState, bool)
	SetDBState(table RouteTable, id ListenerID, state ribout.DBState)
	ClearDBState(table RouteTable, id ListenerID)
}

// RouteTable is the partitioned route store a RibOut listens on.
// RegisterListener returns the ListenerID this RibOut should use when
// reading or writing DBState on entries from this table.
type RouteTable interface {
	RegisterListener(cb func(partition int, entry RouteEntry)) ListenerID
	Unregister(id ListenerID)
	PartitionCount() int
}

// ExportPolicy computes, for one route and a candidate peer set,
// which of those peers are reachable and what to advertise to them.
// anyReachable is false (and updates is empty) when the route should
// be withdrawn from every peer in peers.
type ExportPolicy interface {
	Export(listener ListenerID, route RouteEntry, peers *peerbitset.Set) (anyReachable bool, updates *ribout.UpdateInfoSList)
}

// AttrKey identifies the attribute a route carries before interning;
// Locate returns the shared, interned object for it (assigning a
// fresh Seq the first time a given key is seen).
type AttrKey struct {
	RouteDistinguisher string
	LocalPref          uint32
	MED                uint32
	ASPath             string
	Communities        []string
}

// AttributeDB interns path attributes so that equal attributes on
// different routes share one AttrObject and one Seq.
type AttributeDB interface {
	Locate(ctx context.Context, key AttrKey) (*ribout.AttrObject, error)
}

// PeerHandle identifies a peer to a Transport; it carries no
// behavior, only identity.
type PeerHandle interface {
	PeerKey() string
}

// Message is an opaque, in-progress wire message being assembled by a
// MessageBuilder.
type Message interface {
	PeerCount() int
}

// MessageBuilder packs one or more prefixes destined for the same
// peer set into wire messages, respecting whatever size limit the
// underlying protocol imposes.
type MessageBuilder interface {
	Start(listener ListenerID) Message
	// Add attempts to append prefix/attrs to msg. It returns false when
	// msg is already full and must be finished before more data can be
	// packed.
	Add(msg Message, prefix string, attrs *ribout.Attr) bool
	Finish(msg Message) []byte
}

// Transport carries a built message to one peer. onWritable is
// invoked (from some other goroutine) once the peer can accept more
// data, if Send reported the peer blocked.
//
// Send returns true if the payload was accepted (queued or sent
// immediately) and false if the peer's outbound path is currently
// blocked and onWritable will be called when it clears.
type Transport interface {
	Send(ctx context.Context, peer PeerHandle, payload []byte, onWritable func()) bool
}

// TaskScheduler runs a function under one of the four cooperative
// task classes (internal/sched.Scheduler is the concrete
// implementation).
type TaskScheduler interface {
	Go(class string, fn func(context.Context))
}
