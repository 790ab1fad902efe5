package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestManager_ResolvesHotCopyFirst(t *testing.T) {
	store := newMemStore()
	store.snapshots["room"] = rawSnap(map[string]string{"cold": `1`})

	channel := newMemChannel()
	channel.seed("room", rawSnap(map[string]string{"hot": `1`}))

	m := NewRoomManager(testConfig(), store, channel, nil)
	defer m.Shutdown()

	room, err := m.getOrCreateRoom(context.Background(), "room")
	if err != nil {
		t.Fatal(err)
	}
	snap := room.SnapshotCopy()
	if _, ok := snap["hot"]; !ok {
		t.Errorf("hot copy should win, got %v", snap)
	}
	if _, ok := snap["cold"]; ok {
		t.Error("durable store should not be consulted when a hot copy exists")
	}
}

func TestManager_StoreFallbackSeedsHotCopy(t *testing.T) {
	store := newMemStore()
	store.snapshots["room"] = rawSnap(map[string]string{"shape": `{"x":1}`})
	channel := newMemChannel()

	m := NewRoomManager(testConfig(), store, channel, nil)
	defer m.Shutdown()

	room, err := m.getOrCreateRoom(context.Background(), "room")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := room.SnapshotCopy()["shape"]; !ok {
		t.Fatal("durable snapshot should load when no hot copy exists")
	}

	channel.mu.Lock()
	seeded := channel.data["room"]
	channel.mu.Unlock()
	if _, ok := seeded["shape"]; !ok {
		t.Error("durable snapshot should be seeded into the hot copy")
	}
}

func TestManager_ResolvesEmptyWhenNothingConfigured(t *testing.T) {
	m := NewRoomManager(testConfig(), nil, nil, nil)
	defer m.Shutdown()

	room, err := m.getOrCreateRoom(context.Background(), "room")
	if err != nil {
		t.Fatal(err)
	}
	if snap := room.SnapshotCopy(); len(snap) != 0 {
		t.Errorf("fresh room should start empty, got %v", snap)
	}
}

func TestManager_JoinPushesSnapshotThenPresence(t *testing.T) {
	m := NewRoomManager(testConfig(), nil, nil, nil)
	defer m.Shutdown()

	alice := newTestMember("conn-alice-1", "alice", "Alice")
	room, err := m.Join(context.Background(), "room", alice)
	if err != nil {
		t.Fatal(err)
	}

	frames := drainFrames(alice)
	if len(frames) < 3 {
		t.Fatalf("expected snapshot, pre-join roster and roster broadcast, got %d frames", len(frames))
	}
	if frameType(frames[0]) != msgSnapshot {
		t.Errorf("first frame = %s, want snapshot", frameType(frames[0]))
	}
	if frameType(frames[1]) != msgPresence {
		t.Errorf("second frame = %s, want presence", frameType(frames[1]))
	}
	// The pre-join roster excludes the joiner.
	var preJoin []PresenceEntry
	if err := json.Unmarshal(frames[1]["data"], &preJoin); err != nil {
		t.Fatal(err)
	}
	if len(preJoin) != 0 {
		t.Errorf("pre-join roster = %v, want empty", preJoin)
	}
	// The broadcast that follows carries the joiner.
	var roster []PresenceEntry
	if err := json.Unmarshal(frames[2]["data"], &roster); err != nil {
		t.Fatal(err)
	}
	if len(roster) != 1 || roster[0].UserID != "alice" {
		t.Errorf("roster broadcast = %v, want [alice]", roster)
	}

	if room.MemberCount() != 1 {
		t.Errorf("member count = %d", room.MemberCount())
	}
}

func TestManager_SecondJoinerSeesExistingRoster(t *testing.T) {
	m := NewRoomManager(testConfig(), nil, nil, nil)
	defer m.Shutdown()

	alice := newTestMember("conn-alice-1", "alice", "Alice")
	if _, err := m.Join(context.Background(), "room", alice); err != nil {
		t.Fatal(err)
	}

	bob := newTestMember("conn-bob-11", "bob", "Bob")
	if _, err := m.Join(context.Background(), "room", bob); err != nil {
		t.Fatal(err)
	}

	frames := drainFrames(bob)
	var preJoin []PresenceEntry
	if err := json.Unmarshal(frames[1]["data"], &preJoin); err != nil {
		t.Fatal(err)
	}
	if len(preJoin) != 1 || preJoin[0].UserID != "alice" {
		t.Errorf("bob's pre-join roster = %v, want [alice]", preJoin)
	}
}

func TestManager_LeaveEvictsEmptyRoom(t *testing.T) {
	channel := newMemChannel()
	m := NewRoomManager(testConfig(), nil, channel, nil)
	defer m.Shutdown()

	alice := newTestMember("conn-alice-1", "alice", "Alice")
	room, err := m.Join(context.Background(), "room", alice)
	if err != nil {
		t.Fatal(err)
	}
	if m.RoomCount() != 1 {
		t.Fatalf("room count = %d", m.RoomCount())
	}

	m.Leave(room, alice)
	if m.RoomCount() != 0 {
		t.Errorf("empty room should be evicted, count = %d", m.RoomCount())
	}
	if len(m.presence.GetAll("room")) != 0 {
		t.Error("presence should be cleared on eviction")
	}

	channel.mu.Lock()
	remaining := len(channel.subs["room"])
	channel.mu.Unlock()
	if remaining != 0 {
		t.Error("channel handle should be closed on eviction")
	}
}

func TestManager_LeaveKeepsMultiTabUserInRoster(t *testing.T) {
	m := NewRoomManager(testConfig(), nil, nil, nil)
	defer m.Shutdown()

	tab1 := newTestMember("conn-tab1-1", "alice", "Alice")
	tab2 := newTestMember("conn-tab2-2", "alice", "Alice")
	room, _ := m.Join(context.Background(), "room", tab1)
	if _, err := m.Join(context.Background(), "room", tab2); err != nil {
		t.Fatal(err)
	}

	m.Leave(room, tab1)
	if all := m.presence.GetAll("room"); len(all) != 1 || all[0].UserID != "alice" {
		t.Errorf("alice still has a tab open, roster = %v", all)
	}

	m.Leave(room, tab2)
	if len(m.presence.GetAll("room")) != 0 {
		t.Error("closing the last tab removes the user")
	}
}

func TestManager_StaleEvictDoesNotTearDownRecreatedRoom(t *testing.T) {
	m := NewRoomManager(testConfig(), nil, nil, nil)
	defer m.Shutdown()

	alice := newTestMember("conn-alice-1", "alice", "Alice")
	old, _ := m.Join(context.Background(), "room", alice)
	m.Leave(old, alice)

	bob := newTestMember("conn-bob-11", "bob", "Bob")
	fresh, err := m.Join(context.Background(), "room", bob)
	if err != nil {
		t.Fatal(err)
	}

	m.evict("room", old)
	if m.RoomCount() != 1 {
		t.Error("eviction keyed to the old instance must not remove the fresh room")
	}
	if fresh.MemberCount() != 1 {
		t.Error("fresh room lost its member")
	}
}

func TestManager_JoinLandsOnLiveRoomAfterEviction(t *testing.T) {
	m := NewRoomManager(testConfig(), nil, nil, nil)
	defer m.Shutdown()

	old, err := m.getOrCreateRoom(context.Background(), "room")
	if err != nil {
		t.Fatal(err)
	}
	m.evict("room", old)

	// The evicted instance rejects registration; a racing joiner that still
	// holds it must not land there.
	if old.Add(newTestMember("conn-late-1", "alice", "Alice")) {
		t.Fatal("evicted room accepted a registration")
	}

	alice := newTestMember("conn-alice-1", "alice", "Alice")
	fresh, err := m.Join(context.Background(), "room", alice)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Fatal("join resolved the evicted instance")
	}
	if fresh.MemberCount() != 1 {
		t.Errorf("member count = %d, want 1", fresh.MemberCount())
	}
	// The fresh room is live: broadcasts reach the member.
	fresh.Broadcast("", []byte("ping"))
	drained := drainFrames(alice)
	if len(drained) == 0 {
		t.Error("member on the fresh room received no frames")
	}
}

func TestManager_BroadcastDiffFansOutExceptSender(t *testing.T) {
	m := NewRoomManager(testConfig(), nil, nil, nil)
	defer m.Shutdown()

	alice := newTestMember("conn-alice-1", "alice", "Alice")
	bob := newTestMember("conn-bob-11", "bob", "Bob")
	room, _ := m.Join(context.Background(), "room", alice)
	m.Join(context.Background(), "room", bob)
	drainFrames(alice)
	drainFrames(bob)

	d := &Diff{Added: map[string]json.RawMessage{"shape-1": json.RawMessage(`{"x":1}`)}}
	d.normalize()
	m.BroadcastDiff(context.Background(), room, d, alice)

	if string(room.SnapshotCopy()["shape-1"]) != `{"x":1}` {
		t.Error("diff not applied to room snapshot")
	}

	bobFrames := drainFrames(bob)
	if len(bobFrames) != 1 || frameType(bobFrames[0]) != msgDiff {
		t.Fatalf("bob frames = %v", bobFrames)
	}
	var userID string
	json.Unmarshal(bobFrames[0]["userId"], &userID)
	if userID != "alice" {
		t.Errorf("diff attributed to %q, want alice", userID)
	}

	if len(drainFrames(alice)) != 0 {
		t.Error("sender must not receive its own diff")
	}
}

func TestManager_RemoteUpdatePropagatesAcrossInstances(t *testing.T) {
	channel := newMemChannel()
	m1 := NewRoomManager(testConfig(), nil, channel, nil)
	defer m1.Shutdown()
	m2 := NewRoomManager(testConfig(), nil, channel, nil)
	defer m2.Shutdown()

	alice := newTestMember("conn-alice-1", "alice", "Alice")
	room1, _ := m1.Join(context.Background(), "room", alice)

	bob := newTestMember("conn-bob-11", "bob", "Bob")
	room2, _ := m2.Join(context.Background(), "room", bob)
	drainFrames(bob)

	d := &Diff{Added: map[string]json.RawMessage{"shape-9": json.RawMessage(`{"w":4}`)}}
	d.normalize()
	m1.BroadcastDiff(context.Background(), room1, d, alice)

	if string(room2.SnapshotCopy()["shape-9"]) != `{"w":4}` {
		t.Fatal("remote diff not folded into the peer instance's snapshot")
	}
	frames := drainFrames(bob)
	if len(frames) != 1 || frameType(frames[0]) != msgDiff {
		t.Fatalf("bob frames = %v", frames)
	}
	var userID string
	json.Unmarshal(frames[0]["userId"], &userID)
	if userID != remoteSenderID {
		t.Errorf("remote diff attributed to %q, want %q", userID, remoteSenderID)
	}
}

func TestManager_RemoteDeletePropagates(t *testing.T) {
	channel := newMemChannel()
	m1 := NewRoomManager(testConfig(), nil, channel, nil)
	defer m1.Shutdown()
	m2 := NewRoomManager(testConfig(), nil, channel, nil)
	defer m2.Shutdown()

	alice := newTestMember("conn-alice-1", "alice", "Alice")
	room1, _ := m1.Join(context.Background(), "room", alice)
	bob := newTestMember("conn-bob-11", "bob", "Bob")
	room2, _ := m2.Join(context.Background(), "room", bob)

	add := &Diff{Added: map[string]json.RawMessage{"shape-1": json.RawMessage(`1`)}}
	add.normalize()
	m1.BroadcastDiff(context.Background(), room1, add, alice)

	del := &Diff{Removed: []string{"shape-1"}}
	del.normalize()
	m1.BroadcastDiff(context.Background(), room1, del, alice)

	if _, ok := room2.SnapshotCopy()["shape-1"]; ok {
		t.Error("remote delete not applied on the peer instance")
	}
}

func TestManager_ShutdownFlushesPendingSaves(t *testing.T) {
	store := newMemStore()
	m := NewRoomManager(testConfig(), store, nil, nil)

	alice := newTestMember("conn-alice-1", "alice", "Alice")
	room, _ := m.Join(context.Background(), "room", alice)

	d := &Diff{Added: map[string]json.RawMessage{"shape-1": json.RawMessage(`1`)}}
	d.normalize()
	m.BroadcastDiff(context.Background(), room, d, alice)

	if store.saveCount() != 0 {
		t.Fatal("save should still be debounced")
	}
	m.Shutdown()
	if store.saveCount() != 1 {
		t.Errorf("shutdown should flush the pending save, got %d", store.saveCount())
	}
	snap, _ := store.Load(context.Background(), "room")
	if _, ok := snap["shape-1"]; !ok {
		t.Errorf("persisted snapshot = %v", snap)
	}

	if m.RoomCount() != 0 {
		t.Error("shutdown should evict every room")
	}
}

func TestManager_IdleRoomSweep(t *testing.T) {
	cfg := testConfig()
	cfg.RoomIdleTimeout = 10 * time.Millisecond
	m := NewRoomManager(cfg, nil, nil, nil)
	defer m.Shutdown()

	if _, err := m.getOrCreateRoom(context.Background(), "room"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	m.sweepIdleRooms()

	if m.RoomCount() != 0 {
		t.Error("idle room should be swept")
	}
}
