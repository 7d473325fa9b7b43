// Package framebuffer keeps the most recent encoded frames of one camera in a
// fixed-capacity ring.
//
// A Ring is not safe for concurrent use. The proxy touches it only from its
// dispatch loop.
package framebuffer

// DefaultCapacity is the number of frames retained when no capacity is given.
const DefaultCapacity = 60

type Ring struct {
	slots   [][]byte
	cursor  int
	written uint64
}

// New creates a ring holding at most capacity frames. A capacity <= 0 falls
// back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Ring{
		slots:  make([][]byte, capacity),
		cursor: -1,
	}
}

// Put stores frame in the next slot, overwriting the oldest one once the ring
// is full.
func (r *Ring) Put(frame []byte) {
	r.cursor = (r.cursor + 1) % len(r.slots)
	r.slots[r.cursor] = frame
	r.written++
}

// Peek returns the most recently stored frame. ok is false if nothing was
// ever stored.
func (r *Ring) Peek() (frame []byte, ok bool) {
	if r.cursor == -1 {
		return nil, false
	}

	return r.slots[r.cursor], true
}

func (r *Ring) Capacity() int {
	return len(r.slots)
}

// Written is the total number of Put calls since creation or the last Reset.
// It doubles as the sequence number of the frame returned by Peek.
func (r *Ring) Written() uint64 {
	return r.written
}

// Len is the number of occupied slots.
func (r *Ring) Len() int {
	if r.written > uint64(len(r.slots)) {
		return len(r.slots)
	}

	return int(r.written)
}

// Reset drops every stored frame and returns the ring to its never-written
// state.
func (r *Ring) Reset() {
	for i := range r.slots {
		r.slots[i] = nil
	}
	r.cursor = -1
	r.written = 0
}
