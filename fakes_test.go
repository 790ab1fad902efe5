package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

func testConfig() *Config {
	return &Config{
		MaxMessageSize:    1048576,
		RoomIdleTimeout:   1 * time.Hour,
		SweepInterval:     1 * time.Hour,
		SaveDebounce:      1 * time.Hour,
		RateLimitPerIP:    1000,
		UserMessageLimit:  10,
		UserMessageWindow: 1 * time.Second,
	}
}

// memStore is an in-memory SnapshotStore.
type memStore struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	saves     int
}

func newMemStore() *memStore {
	return &memStore{snapshots: make(map[string]Snapshot)}
}

func (s *memStore) Load(ctx context.Context, roomID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[roomID]
	if !ok {
		return nil, nil
	}
	return snap.Clone(), nil
}

func (s *memStore) Save(ctx context.Context, roomID string, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[roomID] = snapshot.Clone()
	s.saves++
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// memChannel simulates the propagation layer shared by several "instances":
// every handle opened for a room sees the other handles' puts and deletes.
type memChannel struct {
	mu   sync.Mutex
	data map[string]Snapshot
	subs map[string][]*memHandle
}

func newMemChannel() *memChannel {
	return &memChannel{
		data: make(map[string]Snapshot),
		subs: make(map[string][]*memHandle),
	}
}

func (c *memChannel) seed(roomID string, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[roomID] = snap.Clone()
}

func (c *memChannel) Open(roomID string, onUpdate func(RemoteUpdate)) (ChannelHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &memHandle{ch: c, roomID: roomID, onUpdate: onUpdate}
	c.subs[roomID] = append(c.subs[roomID], h)
	return h, nil
}

type memHandle struct {
	ch       *memChannel
	roomID   string
	onUpdate func(RemoteUpdate)
	closed   bool
}

func (h *memHandle) GetAll(ctx context.Context) (Snapshot, error) {
	h.ch.mu.Lock()
	defer h.ch.mu.Unlock()
	snap, ok := h.ch.data[h.roomID]
	if !ok {
		return Snapshot{}, nil
	}
	return snap.Clone(), nil
}

func (h *memHandle) PutBatch(ctx context.Context, records map[string]json.RawMessage) error {
	h.ch.mu.Lock()
	if h.closed {
		h.ch.mu.Unlock()
		return errors.New("handle closed")
	}
	snap, ok := h.ch.data[h.roomID]
	if !ok {
		snap = Snapshot{}
		h.ch.data[h.roomID] = snap
	}
	for k, v := range records {
		snap[k] = v
	}
	peers := peersOf(h)
	h.ch.mu.Unlock()

	for _, p := range peers {
		p.onUpdate(RemoteUpdate{Put: records})
	}
	return nil
}

func (h *memHandle) Delete(ctx context.Context, key string) error {
	h.ch.mu.Lock()
	if h.closed {
		h.ch.mu.Unlock()
		return errors.New("handle closed")
	}
	if snap, ok := h.ch.data[h.roomID]; ok {
		delete(snap, key)
	}
	peers := peersOf(h)
	h.ch.mu.Unlock()

	for _, p := range peers {
		p.onUpdate(RemoteUpdate{Removed: []string{key}})
	}
	return nil
}

func peersOf(h *memHandle) []*memHandle {
	var peers []*memHandle
	for _, other := range h.ch.subs[h.roomID] {
		if other != h && !other.closed {
			peers = append(peers, other)
		}
	}
	return peers
}

func (h *memHandle) Close() error {
	h.ch.mu.Lock()
	defer h.ch.mu.Unlock()
	h.closed = true
	subs := h.ch.subs[h.roomID]
	for i, other := range subs {
		if other == h {
			h.ch.subs[h.roomID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func newTestMember(connID, userID, userName string) *member {
	return &member{
		connID:   connID,
		userID:   userID,
		userName: userName,
		send:     make(chan []byte, 32),
	}
}

// drainFrames empties a member's send channel and returns the decoded
// message types in order.
func drainFrames(m *member) []map[string]json.RawMessage {
	var out []map[string]json.RawMessage
	for {
		select {
		case frame := <-m.send:
			var decoded map[string]json.RawMessage
			if json.Unmarshal(frame, &decoded) == nil {
				out = append(out, decoded)
			}
		default:
			return out
		}
	}
}

func frameType(f map[string]json.RawMessage) string {
	var t string
	_ = json.Unmarshal(f["type"], &t)
	return t
}
