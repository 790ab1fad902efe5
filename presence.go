package main

import (
	"sort"
	"sync"
)

// presencePalette is cycled round-robin as users are first seen in a room.
var presencePalette = [...]string{
	"#EF4444", // red
	"#F97316", // orange
	"#EAB308", // yellow
	"#22C55E", // green
	"#14B8A6", // teal
	"#3B82F6", // blue
	"#8B5CF6", // violet
	"#EC4899", // pink
	"#78716C", // stone
	"#06B6D4", // cyan
}

type roomPresence struct {
	entries   map[string]*PresenceEntry
	colors    map[string]string
	nextColor int
}

// PresenceTracker holds the ephemeral per-room presence state. Entries are
// never persisted and never replayed.
type PresenceTracker struct {
	mu    sync.Mutex
	rooms map[string]*roomPresence
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{rooms: make(map[string]*roomPresence)}
}

func (t *PresenceTracker) room(roomID string) *roomPresence {
	rp, ok := t.rooms[roomID]
	if !ok {
		rp = &roomPresence{
			entries: make(map[string]*PresenceEntry),
			colors:  make(map[string]string),
		}
		t.rooms[roomID] = rp
	}
	return rp
}

// AssignColor returns the user's color, assigning the next palette color on
// first sight. Assignments are stable for the life of the room.
func (t *PresenceTracker) AssignColor(roomID, userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.room(roomID).assignColor(userID)
}

func (rp *roomPresence) assignColor(userID string) string {
	if c, ok := rp.colors[userID]; ok {
		return c
	}
	c := presencePalette[rp.nextColor%len(presencePalette)]
	rp.nextColor++
	rp.colors[userID] = c
	return c
}

// Update merges a patch into the user's presence entry, creating it if
// needed, and returns a copy of the stored entry. A nil patch creates the
// entry without touching cursor or selection (used on join).
func (t *PresenceTracker) Update(roomID, userID, userName string, patch *PresencePatch) PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	rp := t.room(roomID)
	e, ok := rp.entries[userID]
	if !ok {
		e = &PresenceEntry{
			UserID:           userID,
			SelectedShapeIDs: []string{},
			Color:            rp.assignColor(userID),
		}
		rp.entries[userID] = e
	}
	e.UserName = userName
	if patch != nil {
		e.Cursor = patch.Cursor
		if patch.SelectedShapeIDs != nil {
			e.SelectedShapeIDs = patch.SelectedShapeIDs
		}
	}
	return *e
}

// Get returns the entry for a user, if present.
func (t *PresenceTracker) Get(roomID, userID string) (PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rp, ok := t.rooms[roomID]
	if !ok {
		return PresenceEntry{}, false
	}
	e, ok := rp.entries[userID]
	if !ok {
		return PresenceEntry{}, false
	}
	return *e, true
}

// GetAll returns the room's entries ordered by user id.
func (t *PresenceTracker) GetAll(roomID string) []PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	rp, ok := t.rooms[roomID]
	if !ok {
		return []PresenceEntry{}
	}
	out := make([]PresenceEntry, 0, len(rp.entries))
	for _, e := range rp.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Remove deletes the user's entry. When the last entry goes, the room's
// presence state (color assignments included) is dropped entirely.
func (t *PresenceTracker) Remove(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rp, ok := t.rooms[roomID]
	if !ok {
		return
	}
	delete(rp.entries, userID)
	if len(rp.entries) == 0 {
		delete(t.rooms, roomID)
	}
}

// Clear drops all presence state for a room, used on eviction.
func (t *PresenceTracker) Clear(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomID)
}
