package bus

import "github.com/Mindburn-Labs/eventfabric/pkg/envelope"

// ring is a bounded FIFO. When full, push evicts the oldest element.
// It is not safe for concurrent use; the bus guards it with qmu.
type ring struct {
	buf  []*envelope.Envelope
	head int
	size int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]*envelope.Envelope, capacity)}
}

func (r *ring) len() int { return r.size }

// push appends env and returns the evicted element, if any.
func (r *ring) push(env *envelope.Envelope) (evicted *envelope.Envelope) {
	if r.size == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[r.head] = env
		r.head = (r.head + 1) % len(r.buf)
		return evicted
	}
	r.buf[(r.head+r.size)%len(r.buf)] = env
	r.size++
	return nil
}

func (r *ring) pop() *envelope.Envelope {
	if r.size == 0 {
		return nil
	}
	env := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return env
}

// popN appends up to n elements to dst in FIFO order.
func (r *ring) popN(dst []*envelope.Envelope, n int) []*envelope.Envelope {
	for ; n > 0 && r.size > 0; n-- {
		dst = append(dst, r.pop())
	}
	return dst
}

// drain removes and returns every element.
func (r *ring) drain() []*envelope.Envelope {
	if r.size == 0 {
		return nil
	}
	return r.popN(make([]*envelope.Envelope, 0, r.size), r.size)
}
