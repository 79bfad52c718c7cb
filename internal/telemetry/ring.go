package telemetry

import "sync"

// Ring is a fixed-capacity buffer of snapshots that overwrites the oldest
// entry when full.
type Ring struct {
	mu    sync.Mutex
	buf   []Snapshot
	next  int
	count int
}

// NewRing returns an empty Ring holding at most size snapshots.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{buf: make([]Snapshot, size)}
}

// Add appends s, evicting the oldest snapshot when the ring is full.
func (r *Ring) Add(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Items returns a copy of the contents, oldest first.
func (r *Ring) Items() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Len returns the number of retained snapshots.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
