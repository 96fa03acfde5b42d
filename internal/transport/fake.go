package transport

import (
	"context"
	"sync"

	"github.com/route-beacon/bgp-ribout/internal/external"
)

// Fake is an in-memory external.Transport for tests: Send records the
// payload delivered unless the peer has been marked via Block, in
// which case Send returns false and the onWritable callback is
// stashed for the test to fire via Unblock. It is safe for use from
// the scheduler's worker goroutines concurrently with test
// assertions.
type Fake struct {
	mu      sync.Mutex
	sent    map[string][][]byte
	blocked map[string]bool
	pending map[string]func()
}

// NewFake returns an empty Fake transport.
func NewFake() *Fake {
	return &Fake{
		sent:    make(map[string][][]byte),
		blocked: make(map[string]bool),
		pending: make(map[string]func()),
	}
}

// Send satisfies external.Transport.
func (f *Fake) Send(_ context.Context, peer external.PeerHandle, payload []byte, onWritable func()) bool {
	key := peer.PeerKey()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked[key] {
		f.pending[key] = onWritable
		return false
	}
	f.sent[key] = append(f.sent[key], payload)
	return true
}

// Block marks key's transport as unwritable: subsequent Sends to it
// report blocked.
func (f *Fake) Block(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[key] = true
}

// Unblock clears the blocked state for key and invokes the onWritable
// callback stashed by the Send call that reported it blocked, if any.
func (f *Fake) Unblock(key string) {
	f.mu.Lock()
	f.blocked[key] = false
	cb := f.pending[key]
	delete(f.pending, key)
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// SentCount reports how many messages key has received.
func (f *Fake) SentCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[key])
}

// Payloads returns a copy of the messages key has received, in order.
func (f *Fake) Payloads(key string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent[key]))
	copy(out, f.sent[key])
	return out
}
