package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// remoteSenderID attributes diffs that arrived from another instance. Real
// user ids are UUIDs issued by the session service and never contain a
// colon, so this identity cannot collide with an authenticated user.
const remoteSenderID = "remote:sync"

// RemoteUpdate is one put/delete batch published by another instance.
type RemoteUpdate struct {
	Put     map[string]json.RawMessage
	Removed []string
}

// Channel is the cross-instance propagation contract. Open failures must
// never prevent room creation; they only disable fan-out.
type Channel interface {
	Open(roomID string, onUpdate func(RemoteUpdate)) (ChannelHandle, error)
}

// ChannelHandle is one room's attachment to the propagation layer.
type ChannelHandle interface {
	GetAll(ctx context.Context) (Snapshot, error)
	PutBatch(ctx context.Context, records map[string]json.RawMessage) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// RoomManager owns every Room in this process: resolution, membership, rate
// limits, diff fan-out and eviction. It is constructed once at process start
// and shut down explicitly so pending saves can flush.
type RoomManager struct {
	cfg      *Config
	store    SnapshotStore // nil when durable persistence is not configured
	channel  Channel       // nil when cross-instance propagation is not configured
	metrics  Metrics
	saver    *SnapshotSaver
	presence *PresenceTracker
	limits   *MessageLimiter

	mu    sync.Mutex
	rooms map[string]*roomEntry

	sweepOnce sync.Once
	sweepStop chan struct{}
}

// roomEntry is one registry slot. The latch resolves the room exactly once,
// outside the registry lock, so a slow cold-path load cannot stall joins to
// other rooms. room is nil until resolution completes; readers other than
// the resolving goroutine access it under the registry lock.
type roomEntry struct {
	once sync.Once
	room *Room
}

func NewRoomManager(cfg *Config, store SnapshotStore, channel Channel, metrics Metrics) *RoomManager {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &RoomManager{
		cfg:       cfg,
		store:     store,
		channel:   channel,
		metrics:   metrics,
		saver:     NewSnapshotSaver(store, cfg.SaveDebounce),
		presence:  NewPresenceTracker(),
		limits:    NewMessageLimiter(cfg.UserMessageLimit, cfg.UserMessageWindow),
		rooms:     make(map[string]*roomEntry),
		sweepStop: make(chan struct{}),
	}
}

// getOrCreateRoom resolves a room for this process: hot cross-instance copy
// first, then the durable store, then empty. The registry lock covers only
// the slot lookup; concurrent joiners block on the slot's latch and share
// one Room instance, so the I/O happens at most once per room per process
// lifetime.
func (m *RoomManager) getOrCreateRoom(ctx context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	e, ok := m.rooms[roomID]
	if !ok {
		e = &roomEntry{}
		m.rooms[roomID] = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		var handle ChannelHandle
		if m.channel != nil {
			h, err := m.channel.Open(roomID, func(u RemoteUpdate) {
				m.applyRemote(roomID, u)
			})
			if err != nil {
				log.Printf("cross-instance channel unavailable room=%s: %v", roomID, err)
			} else {
				handle = h
			}
		}

		snapshot := m.resolveSnapshot(ctx, roomID, handle)
		room := NewRoom(roomID, snapshot, handle)
		m.mu.Lock()
		e.room = room
		m.mu.Unlock()
		log.Printf("room %s created (members=0, keys=%d)", roomID, len(snapshot))
	})
	return e.room, nil
}

func (m *RoomManager) resolveSnapshot(ctx context.Context, roomID string, handle ChannelHandle) Snapshot {
	if handle != nil {
		snap, err := handle.GetAll(ctx)
		if err != nil {
			log.Printf("hot snapshot read failed room=%s: %v", roomID, err)
		} else if len(snap) > 0 {
			return snap
		}
	}
	if m.store != nil {
		snap, err := m.store.Load(ctx, roomID)
		if err != nil {
			log.Printf("durable snapshot load failed room=%s: %v", roomID, err)
		} else if snap != nil {
			// Seed the hot copy so peers resolving later skip the cold path.
			if handle != nil && len(snap) > 0 {
				if err := handle.PutBatch(ctx, snap); err != nil {
					log.Printf("hot snapshot seed failed room=%s: %v", roomID, err)
				}
			}
			return snap
		}
	}
	return Snapshot{}
}

// Join resolves the room, registers the connection and pushes the snapshot
// and current presence roster to it, then announces the updated roster to
// the whole room. A concurrent eviction can close the resolved instance
// before the add lands; eviction removes the registry slot before closing,
// so re-resolving always yields a live room.
func (m *RoomManager) Join(ctx context.Context, roomID string, mbr *member) (*Room, error) {
	for {
		room, err := m.getOrCreateRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}

		// Roster as it stood before this user; the joiner's own entry
		// arrives with the broadcast below.
		ok := room.Add(mbr,
			encodeSnapshot(room.SnapshotCopy()),
			encodePresence(m.presence.GetAll(roomID)),
		)
		if !ok {
			continue
		}
		m.presence.Update(roomID, mbr.userID, mbr.userName, nil)
		m.BroadcastPresence(room)

		m.startSweeper()
		m.metrics.ConnectionOpened()
		log.Printf("user %s (conn=%s) joined room %s", mbr.userID, mbr.connID[:8], roomID)
		return room, nil
	}
}

// Leave removes the connection and, when it was the user's last, the user's
// presence. An emptied room is evicted immediately.
func (m *RoomManager) Leave(room *Room, mbr *member) {
	userStillPresent := room.Remove(mbr)
	if !userStillPresent {
		m.presence.Remove(room.id, mbr.userID)
	}
	m.metrics.ConnectionClosed()
	log.Printf("user %s left room %s", mbr.userID, room.id)

	if room.MemberCount() == 0 {
		m.evict(room.id, room)
		return
	}
	m.BroadcastPresence(room)
}

// CheckRateLimit counts one message against the (room, user) window.
func (m *RoomManager) CheckRateLimit(roomID, userID string) bool {
	return m.limits.Allow(roomID, userID)
}

// UpdatePresence merges the patch and returns the stored entry.
func (m *RoomManager) UpdatePresence(roomID, userID, userName string, patch *PresencePatch) PresenceEntry {
	return m.presence.Update(roomID, userID, userName, patch)
}

// BroadcastDiff applies the diff locally, schedules the debounced durable
// save, publishes to other instances and fans out to local peers except the
// sender. Store and channel failures are logged and swallowed; the in-memory
// path always proceeds.
func (m *RoomManager) BroadcastDiff(ctx context.Context, room *Room, d *Diff, sender *member) {
	room.ApplyDiff(d)
	m.saver.Schedule(room.id, room.SnapshotCopy)

	if h := room.Handle(); h != nil {
		if len(d.Added)+len(d.Updated) > 0 {
			records := make(map[string]json.RawMessage, len(d.Added)+len(d.Updated))
			for k, v := range d.Added {
				records[k] = v
			}
			for k, v := range d.Updated {
				records[k] = v
			}
			if err := h.PutBatch(ctx, records); err != nil {
				log.Printf("cross-instance put failed room=%s: %v", room.id, err)
			}
		}
		for _, k := range d.Removed {
			if err := h.Delete(ctx, k); err != nil {
				log.Printf("cross-instance delete failed room=%s key=%s: %v", room.id, k, err)
			}
		}
	}

	room.Broadcast(sender.connID, encodeDiff(d, sender.userID, sender.userName))
	m.metrics.Message(msgDiff)
}

// BroadcastPresence pushes the room's full roster to every local connection.
func (m *RoomManager) BroadcastPresence(room *Room) {
	room.Broadcast("", encodePresence(m.presence.GetAll(room.id)))
	m.metrics.Message(msgPresence)
}

// applyRemote folds a peer instance's update into the local snapshot and
// rebroadcasts it as a synthetic diff. The reserved sender identity keeps
// receivers from republishing and looping the update.
func (m *RoomManager) applyRemote(roomID string, u RemoteUpdate) {
	m.mu.Lock()
	var room *Room
	if e, ok := m.rooms[roomID]; ok {
		room = e.room
	}
	m.mu.Unlock()
	if room == nil {
		return
	}

	d := &Diff{Updated: u.Put, Removed: u.Removed}
	d.normalize()
	room.ApplyDiff(d)
	m.saver.Schedule(room.id, room.SnapshotCopy)
	room.Broadcast("", encodeDiff(d, remoteSenderID, ""))
	m.metrics.Message(msgDiff)
}

// RoomCount reports the number of resolved rooms in this process.
func (m *RoomManager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// evict removes the room from the registry and releases its resources.
// When expect is non-nil the eviction only proceeds if the registry still
// holds that exact instance, so a late leave cannot tear down a recreated
// room with the same id.
func (m *RoomManager) evict(roomID string, expect *Room) {
	m.mu.Lock()
	var room *Room
	if e, ok := m.rooms[roomID]; ok {
		room = e.room
	}
	if room == nil || (expect != nil && room != expect) {
		room = nil
	}
	if room != nil {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	if room == nil {
		return
	}

	room.CloseAll()
	if h := room.Handle(); h != nil {
		if err := h.Close(); err != nil {
			log.Printf("channel close failed room=%s: %v", roomID, err)
		}
	}
	m.presence.Clear(roomID)
	m.limits.Forget(roomID)
	log.Printf("room %s evicted", roomID)
}

// startSweeper lazily starts the idle-room sweep; fires every SweepInterval
// and evicts rooms idle longer than RoomIdleTimeout.
func (m *RoomManager) startSweeper() {
	m.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(m.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.sweepStop:
					return
				case <-ticker.C:
					m.sweepIdleRooms()
				}
			}
		}()
	})
}

func (m *RoomManager) sweepIdleRooms() {
	m.mu.Lock()
	idle := make(map[string]*Room)
	now := time.Now()
	for id, e := range m.rooms {
		if e.room != nil && now.Sub(e.room.LastActivity()) > m.cfg.RoomIdleTimeout {
			idle[id] = e.room
		}
	}
	m.mu.Unlock()

	for id, room := range idle {
		m.evict(id, room)
		log.Printf("room %s swept (idle timeout)", id)
	}
}

// Shutdown flushes all pending durable writes and evicts every room. In-
// flight saves are not cancelled.
func (m *RoomManager) Shutdown() {
	close(m.sweepStop)
	m.saver.FlushAll()

	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.evict(id, nil)
	}
}
