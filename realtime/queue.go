package realtime

import (
	"sync"

	"github.com/ZhiquAI/zhiyue3.0-sub004/protocol"
)

type queuedEnvelope struct {
	seq uint64
	env protocol.Envelope
}

// sendQueue is the bounded FIFO buffer between Send and the write loop.
// When full it evicts the oldest entry so the freshest progress always
// survives. Entries are removed only after a successful write, keyed by
// sequence number, so a failed write leaves the message at the front for
// the next connection to flush.
type sendQueue struct {
	mu       sync.Mutex
	items    []queuedEnvelope
	capacity int
	nextSeq  uint64
	wake     chan struct{}
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{
		items:    make([]queuedEnvelope, 0, capacity),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Push appends env, evicting the oldest entry when the queue is full.
// It reports whether an eviction happened.
func (q *sendQueue) Push(env protocol.Envelope) bool {
	q.mu.Lock()
	evicted := false
	if len(q.items) >= q.capacity {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		evicted = true
	}
	q.nextSeq++
	q.items = append(q.items, queuedEnvelope{seq: q.nextSeq, env: env})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return evicted
}

// Peek returns the front entry without removing it.
func (q *sendQueue) Peek() (uint64, protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, protocol.Envelope{}, false
	}
	front := q.items[0]
	return front.seq, front.env, true
}

// Remove drops the front entry if it still carries seq. A no-op when the
// entry was already evicted by a full queue.
func (q *sendQueue) Remove(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].seq != seq {
		return
	}
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
}

// Len returns the number of queued envelopes.
func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake signals when a new entry arrives.
func (q *sendQueue) Wake() <-chan struct{} {
	return q.wake
}

// Drain removes and returns every queued envelope in order.
func (q *sendQueue) Drain() []protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	envs := make([]protocol.Envelope, len(q.items))
	for i, item := range q.items {
		envs[i] = item.env
	}
	q.items = q.items[:0]
	return envs
}

// Load prepends envs ahead of the current entries, preserving their order.
// The combined queue is trimmed to capacity from the front so the oldest
// restores are the first to go.
func (q *sendQueue) Load(envs []protocol.Envelope) {
	if len(envs) == 0 {
		return
	}

	q.mu.Lock()
	merged := make([]queuedEnvelope, 0, len(envs)+len(q.items))
	for _, env := range envs {
		q.nextSeq++
		merged = append(merged, queuedEnvelope{seq: q.nextSeq, env: env})
	}
	// Re-sequence existing entries so seq stays monotonically increasing
	// front to back.
	for _, item := range q.items {
		q.nextSeq++
		merged = append(merged, queuedEnvelope{seq: q.nextSeq, env: item.env})
	}
	if len(merged) > q.capacity {
		merged = merged[len(merged)-q.capacity:]
	}
	q.items = merged
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}
