package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueuedOp is one outgoing operation buffered while disconnected.
type QueuedOp struct {
	ID        string
	Type      string
	Payload   json.RawMessage
	Timestamp time.Time
}

// OfflineQueue is a bounded FIFO of operations created while offline.
// Expired entries are evicted before every enqueue and flush; at capacity
// the oldest entry is dropped. Presence updates are never queued — only
// document operations pass through here.
type OfflineQueue struct {
	mu  sync.Mutex
	max int
	ttl time.Duration
	ops []QueuedOp
	now func() time.Time
}

func NewOfflineQueue(max int, ttl time.Duration) *OfflineQueue {
	return &OfflineQueue{max: max, ttl: ttl, now: time.Now}
}

// Enqueue buffers an operation, evicting expired entries first and dropping
// the oldest when full.
func (q *OfflineQueue) Enqueue(opType string, payload json.RawMessage) QueuedOp {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictExpiredLocked()
	if q.max > 0 && len(q.ops) >= q.max {
		q.ops = q.ops[1:]
	}
	op := QueuedOp{
		ID:        uuid.NewString(),
		Type:      opType,
		Payload:   payload,
		Timestamp: q.now(),
	}
	q.ops = append(q.ops, op)
	return op
}

// Flush returns the live entries in FIFO order and empties the queue.
func (q *OfflineQueue) Flush() []QueuedOp {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictExpiredLocked()
	out := q.ops
	q.ops = nil
	return out
}

// Clear discards everything, used on explicit disconnect.
func (q *OfflineQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
}

func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *OfflineQueue) evictExpiredLocked() {
	if q.ttl <= 0 {
		return
	}
	cutoff := q.now().Add(-q.ttl)
	i := 0
	for i < len(q.ops) && q.ops[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		q.ops = q.ops[i:]
	}
}
