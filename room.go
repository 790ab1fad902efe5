package main

import (
	"sync"
	"time"
)

// member is one live connection inside a room. Outbound frames go through
// the send channel; the write pump drains it onto the socket.
type member struct {
	connID   string
	userID   string
	userName string
	send     chan []byte

	closeOnce sync.Once
}

func (m *member) close() {
	m.closeOnce.Do(func() {
		close(m.send)
	})
}

// enqueue hands a frame to the member's write pump, dropping it if the
// buffer is full (slow consumer).
func (m *member) enqueue(frame []byte) bool {
	select {
	case m.send <- frame:
		return true
	default:
		return false
	}
}

// Room is the per-process state for one canvas document: the authoritative
// in-memory snapshot plus the local connections.
type Room struct {
	id string

	mu           sync.Mutex
	snapshot     Snapshot
	members      map[string]*member // keyed by connID
	lastActivity time.Time
	handle       ChannelHandle // nil when cross-instance propagation is unavailable
	closed       bool
}

func NewRoom(id string, snapshot Snapshot, handle ChannelHandle) *Room {
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	return &Room{
		id:           id,
		snapshot:     snapshot,
		members:      make(map[string]*member),
		lastActivity: time.Now(),
		handle:       handle,
	}
}

// Add registers the member and pushes the initial frames into its send
// channel under the room lock, so no broadcast can slip in before them.
// It reports false once the room has been closed; the caller must resolve
// a live instance and retry.
func (r *Room) Add(m *member, initial ...[]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.members[m.connID] = m
	r.lastActivity = time.Now()
	for _, frame := range initial {
		m.enqueue(frame)
	}
	return true
}

// Remove drops the member and reports whether any connection for the same
// user remains (multiple tabs share a user id).
func (r *Room) Remove(m *member) (userStillPresent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, m.connID)
	r.lastActivity = time.Now()
	for _, other := range r.members {
		if other.userID == m.userID {
			return true
		}
	}
	return false
}

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// ApplyDiff merges added and updated into the snapshot, then deletes the
// removed keys. Last write wins per key.
func (r *Room) ApplyDiff(d *Diff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked(d)
}

func (r *Room) applyLocked(d *Diff) {
	for k, v := range d.Added {
		r.snapshot[k] = v
	}
	for k, v := range d.Updated {
		r.snapshot[k] = v
	}
	for _, k := range d.Removed {
		delete(r.snapshot, k)
	}
	r.lastActivity = time.Now()
}

// SnapshotCopy returns a shallow copy safe to hand to the persistence layer.
func (r *Room) SnapshotCopy() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.Clone()
}

// Broadcast sends a frame to every member except the sender connection.
// Pass an empty senderConnID to reach everyone.
func (r *Room) Broadcast(senderConnID string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActivity = time.Now()
	for _, m := range r.members {
		if m.connID == senderConnID {
			continue
		}
		m.enqueue(frame)
	}
}

// Handle returns the cross-instance handle, or nil.
func (r *Room) Handle() ChannelHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// CloseAll marks the room closed and closes every member's send channel;
// the write pumps then emit a close frame and shut the sockets down. A
// closed room rejects further registrations.
func (r *Room) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, m := range r.members {
		m.close()
	}
}
