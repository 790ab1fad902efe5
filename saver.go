package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// SnapshotStore is the durable snapshot contract. Load returns (nil, nil)
// when no usable record exists so callers can fall back to an empty
// snapshot.
type SnapshotStore interface {
	Load(ctx context.Context, roomID string) (Snapshot, error)
	Save(ctx context.Context, roomID string, snapshot Snapshot) error
}

// SnapshotSaver debounces durable writes per room: every Schedule resets the
// room's timer, and only the snapshot current at fire time is written.
// Failures are logged, never surfaced to senders.
type SnapshotSaver struct {
	store SnapshotStore
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingSave
}

type pendingSave struct {
	timer *time.Timer
	get   func() Snapshot
}

func NewSnapshotSaver(store SnapshotStore, delay time.Duration) *SnapshotSaver {
	return &SnapshotSaver{
		store:   store,
		delay:   delay,
		pending: make(map[string]*pendingSave),
	}
}

// Schedule arranges a durable write of the room's snapshot after the
// debounce delay. get is invoked when the timer fires, so the write always
// captures the latest state.
func (s *SnapshotSaver) Schedule(roomID string, get func() Snapshot) {
	if s == nil || s.store == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[roomID]; ok {
		p.get = get
		p.timer.Reset(s.delay)
		return
	}
	p := &pendingSave{get: get}
	p.timer = time.AfterFunc(s.delay, func() { s.fire(roomID) })
	s.pending[roomID] = p
}

func (s *SnapshotSaver) fire(roomID string) {
	s.mu.Lock()
	p, ok := s.pending[roomID]
	if ok {
		delete(s.pending, roomID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.write(roomID, p.get())
}

// FlushRoom cancels the room's timer and writes immediately, if a save was
// pending.
func (s *SnapshotSaver) FlushRoom(roomID string) {
	if s == nil || s.store == nil {
		return
	}
	s.mu.Lock()
	p, ok := s.pending[roomID]
	if ok {
		p.timer.Stop()
		delete(s.pending, roomID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.write(roomID, p.get())
}

// FlushAll writes every pending snapshot now. Called on shutdown to shrink
// the loss window; a hard crash still loses at most one debounce interval.
func (s *SnapshotSaver) FlushAll() {
	if s == nil || s.store == nil {
		return
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingSave)
	s.mu.Unlock()

	for roomID, p := range pending {
		p.timer.Stop()
		s.write(roomID, p.get())
	}
}

func (s *SnapshotSaver) write(roomID string, snapshot Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, roomID, snapshot); err != nil {
		log.Printf("snapshot save failed room=%s: %v", roomID, err)
	}
}
