package peerbitset

// Allocator hands out small non-negative integer indices from a
// free-list, reusing indices freed by Release. It is the PeerIndex
// allocator described for both the rib-local and group-local
// namespaces; the two namespaces are kept as separate Allocator
// values because an index from one is never valid in the other.
type Allocator struct {
	free []int
	next int
}

// NewAllocator returns an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate returns a released index if any is available, the most
// recently released first; otherwise the next never-used index.
func (a *Allocator) Allocate() int {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		return idx
	}
	idx := a.next
	a.next++
	return idx
}

// Release returns idx to the free-list for reuse.
func (a *Allocator) Release(idx int) {
	a.free = append(a.free, idx)
}

// Size returns one past the highest index ever allocated (i.e. the
// dense upper bound callers should size bitsets to).
func (a *Allocator) Size() int {
	return a.next
}
