package ribout

// ListenerID identifies a RibOut's registration with a route table —
// the index used to look up a route's per-RibOut DBState. It is a
// dense, rib-local namespace, unrelated to the PeerIndex namespaces.
type ListenerID int

// InvalidListenerID marks "not registered".
const InvalidListenerID ListenerID = -1
