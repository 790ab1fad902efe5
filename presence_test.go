package main

import (
	"testing"
)

func TestPresence_ColorsDistinctAndStable(t *testing.T) {
	tr := NewPresenceTracker()

	first := tr.AssignColor("room", "alice")
	second := tr.AssignColor("room", "bob")
	if first == second {
		t.Errorf("alice and bob share color %q", first)
	}
	if got := tr.AssignColor("room", "alice"); got != first {
		t.Errorf("alice color changed: %q -> %q", first, got)
	}
}

func TestPresence_PaletteWraps(t *testing.T) {
	tr := NewPresenceTracker()

	seen := make(map[string]bool)
	for i := 0; i < len(presencePalette); i++ {
		seen[tr.AssignColor("room", string(rune('a'+i)))] = true
	}
	if len(seen) != len(presencePalette) {
		t.Errorf("expected %d distinct colors, got %d", len(presencePalette), len(seen))
	}
	// The 11th user cycles back to the first palette entry.
	if got := tr.AssignColor("room", "overflow"); got != presencePalette[0] {
		t.Errorf("11th user color = %q, want %q", got, presencePalette[0])
	}
}

func TestPresence_UpdateMergesPatch(t *testing.T) {
	tr := NewPresenceTracker()

	e := tr.Update("room", "alice", "Alice", nil)
	if e.Cursor != nil || len(e.SelectedShapeIDs) != 0 {
		t.Errorf("join entry should be empty: %+v", e)
	}
	if e.Color == "" {
		t.Error("entry should have a color")
	}

	e = tr.Update("room", "alice", "Alice", &PresencePatch{
		Cursor:           &Cursor{X: 1, Y: 2},
		SelectedShapeIDs: []string{"s1"},
	})
	if e.Cursor == nil || e.Cursor.X != 1 {
		t.Errorf("cursor not merged: %+v", e.Cursor)
	}
	if len(e.SelectedShapeIDs) != 1 || e.SelectedShapeIDs[0] != "s1" {
		t.Errorf("selection not merged: %v", e.SelectedShapeIDs)
	}

	got, ok := tr.Get("room", "alice")
	if !ok || got.Cursor == nil || got.Cursor.Y != 2 {
		t.Errorf("stored entry mismatch: %+v ok=%v", got, ok)
	}
}

func TestPresence_GetAllSorted(t *testing.T) {
	tr := NewPresenceTracker()
	tr.Update("room", "bob", "Bob", nil)
	tr.Update("room", "alice", "Alice", nil)

	all := tr.GetAll("room")
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].UserID != "alice" || all[1].UserID != "bob" {
		t.Errorf("roster not sorted: %s, %s", all[0].UserID, all[1].UserID)
	}
}

func TestPresence_RemoveLastClearsRoomState(t *testing.T) {
	tr := NewPresenceTracker()
	tr.Update("room", "alice", "Alice", nil)
	tr.Update("room", "bob", "Bob", nil)

	tr.Remove("room", "alice")
	if len(tr.GetAll("room")) != 1 {
		t.Fatal("bob should remain")
	}

	tr.Remove("room", "bob")
	if len(tr.GetAll("room")) != 0 {
		t.Error("roster should be empty")
	}
	if _, ok := tr.rooms["room"]; ok {
		t.Error("room presence state should be dropped entirely")
	}
	// Color assignments restart with the room state.
	if got := tr.AssignColor("room", "carol"); got != presencePalette[0] {
		t.Errorf("fresh room should assign palette start, got %q", got)
	}
}

func TestPresence_RemoveUnknownRoomIsNoop(t *testing.T) {
	tr := NewPresenceTracker()
	tr.Remove("ghost", "alice") // must not panic
}
