package registry

import "github.com/agentstation/ordersync/pkg/envelope"

// ring retains the most recent envelopes of one restaurant in publish order.
type ring struct {
	buf   []envelope.Envelope
	start int
	n     int
	// floor is the highest sequence evicted from the ring. Pre-stamped
	// envelopes arrive out of order, so one below floor may still be held
	// and one above it may already be gone.
	floor uint64
}

func newRing(size int) *ring {
	return &ring{buf: make([]envelope.Envelope, size)}
}

func (r *ring) len() int {
	return r.n
}

func (r *ring) push(env envelope.Envelope) {
	if len(r.buf) == 0 {
		if env.Sequence > r.floor {
			r.floor = env.Sequence
		}
		return
	}
	if r.n == len(r.buf) {
		if old := r.buf[r.start]; old.Sequence > r.floor {
			r.floor = old.Sequence
		}
		r.buf[r.start] = env
		r.start = (r.start + 1) % len(r.buf)
		return
	}
	r.buf[(r.start+r.n)%len(r.buf)] = env
	r.n++
}

func (r *ring) at(i int) envelope.Envelope {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *ring) contains(seq uint64) bool {
	for i := 0; i < r.n; i++ {
		if r.at(i).Sequence == seq {
			return true
		}
	}
	return false
}

// since returns the retained envelopes stamped after the given sequence, in
// publish order, and whether they are all of them. A zero after is a fresh
// join and replays nothing.
func (r *ring) since(after, last uint64) ([]envelope.Envelope, bool) {
	if after == 0 {
		return nil, false
	}
	if after > last || after < r.floor {
		return nil, false
	}
	var out []envelope.Envelope
	for i := 0; i < r.n; i++ {
		if env := r.at(i); env.Sequence > after {
			out = append(out, env)
		}
	}
	return out, true
}
