// Package peer provides the trivial external.PeerHandle used when a
// peer's identity is exactly its session key (router ID, neighbor
// address, or similar) and carries no other behavior.
package peer

// Handle is a string-keyed external.PeerHandle.
type Handle string

// PeerKey satisfies external.PeerHandle.
func (h Handle) PeerKey() string { return string(h) }
