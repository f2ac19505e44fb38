package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/protocol"
)

// Queue is a bounded, non-blocking outbound frame queue. Transports embed it
// to implement Member and drain Frames from their writer goroutine.
type Queue struct {
	id       string
	frames   chan protocol.Frame
	done     chan struct{}
	lastSeen atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a queue holding up to size frames.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		id:     uuid.NewString(),
		frames: make(chan protocol.Frame, size),
		done:   make(chan struct{}),
	}
	q.Touch()
	return q
}

// ID returns the member id.
func (q *Queue) ID() string {
	return q.id
}

// Joined enqueues the join acknowledgement, followed by a resync notice when
// the requested resume point could not be replayed.
func (q *Queue) Joined(ack protocol.JoinAck) bool {
	if !q.offer(protocol.JoinedFrame(ack)) {
		return false
	}
	if ack.NeedsResync() {
		return q.offer(protocol.ResyncFrame(ack.Sequence))
	}
	return true
}

// Deliver enqueues an envelope without blocking.
func (q *Queue) Deliver(env envelope.Envelope) bool {
	return q.offer(protocol.EventFrame(env))
}

// Fail enqueues a fatal error frame.
func (q *Queue) Fail(code, message string) bool {
	return q.offer(protocol.ErrorFrame(code, message))
}

func (q *Queue) offer(f protocol.Frame) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.frames <- f:
		return true
	default:
		return false
	}
}

// Frames returns the outbound frame channel.
func (q *Queue) Frames() <-chan protocol.Frame {
	return q.frames
}

// Done is closed once the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	return len(q.frames)
}

// Free returns how many more frames fit without blocking.
func (q *Queue) Free() int {
	return cap(q.frames) - len(q.frames)
}

// Touch records liveness.
func (q *Queue) Touch() {
	q.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the last time the member proved it was alive.
func (q *Queue) LastSeen() time.Time {
	return time.Unix(0, q.lastSeen.Load())
}

// Close stops accepting frames and signals Done. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
