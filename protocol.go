package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Client → server message types.
const (
	msgDiff     = "diff"
	msgPresence = "presence"
	msgPing     = "ping"
)

// Server → client message types.
const (
	msgSnapshot = "snapshot"
	msgError    = "error"
	msgPong     = "pong"
)

// Wire error codes.
const (
	codeNotFound         = "NOT_FOUND"
	codeForbidden        = "FORBIDDEN"
	codeNotAuthenticated = "NOT_AUTHENTICATED"
	codeRateLimited      = "RATE_LIMITED"
	codeInvalidMessage   = "INVALID_MESSAGE"
	codeInternalError    = "INTERNAL_ERROR"
)

// Snapshot is the full key-value state of a room's document. Values are
// opaque to the sync layer.
type Snapshot map[string]json.RawMessage

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Diff is an incremental change set applied to a snapshot: merge added and
// updated, then delete removed.
type Diff struct {
	Added   map[string]json.RawMessage `json:"added"`
	Updated map[string]json.RawMessage `json:"updated"`
	Removed []string                   `json:"removed"`
}

// normalize replaces nil fields so the diff always serializes with all three
// keys present ({} / []).
func (d *Diff) normalize() {
	if d.Added == nil {
		d.Added = map[string]json.RawMessage{}
	}
	if d.Updated == nil {
		d.Updated = map[string]json.RawMessage{}
	}
	if d.Removed == nil {
		d.Removed = []string{}
	}
}

// Cursor is a canvas-space pointer position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresencePatch is the client-supplied portion of a presence update.
type PresencePatch struct {
	Cursor           *Cursor  `json:"cursor"`
	SelectedShapeIDs []string `json:"selectedShapeIds"`
}

// PresenceEntry is the server-side presence record broadcast to the room.
type PresenceEntry struct {
	UserID           string   `json:"userId"`
	UserName         string   `json:"userName"`
	Cursor           *Cursor  `json:"cursor"`
	SelectedShapeIDs []string `json:"selectedShapeIds"`
	Color            string   `json:"color"`
}

var errInvalidMessage = errors.New("invalid message")

// inboundMessage is a validated client message. Exactly one of Diff and
// Presence is set for the corresponding type; ping carries no payload.
type inboundMessage struct {
	Type     string
	Diff     *Diff
	Presence *PresencePatch
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// Trailing garbage after the value is also a protocol violation.
	if dec.More() {
		return errInvalidMessage
	}
	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseClientMessage validates raw against the closed client-message set.
// Any shape violation yields errInvalidMessage; the caller reports it to the
// client without closing the connection.
func parseClientMessage(raw []byte) (*inboundMessage, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := strictUnmarshal(raw, &env); err != nil {
		return nil, errInvalidMessage
	}

	switch env.Type {
	case msgDiff:
		if isJSONNull(env.Data) {
			return nil, errInvalidMessage
		}
		var d Diff
		if err := strictUnmarshal(env.Data, &d); err != nil {
			return nil, errInvalidMessage
		}
		d.normalize()
		return &inboundMessage{Type: msgDiff, Diff: &d}, nil

	case msgPresence:
		if isJSONNull(env.Data) {
			return nil, errInvalidMessage
		}
		var p struct {
			Cursor           json.RawMessage `json:"cursor"`
			SelectedShapeIDs []string        `json:"selectedShapeIds"`
		}
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return nil, errInvalidMessage
		}
		patch := &PresencePatch{SelectedShapeIDs: p.SelectedShapeIDs}
		if !isJSONNull(p.Cursor) {
			// Cursor must be exactly {x:number, y:number}.
			var c struct {
				X *float64 `json:"x"`
				Y *float64 `json:"y"`
			}
			if err := strictUnmarshal(p.Cursor, &c); err != nil || c.X == nil || c.Y == nil {
				return nil, errInvalidMessage
			}
			patch.Cursor = &Cursor{X: *c.X, Y: *c.Y}
		}
		if patch.SelectedShapeIDs == nil {
			patch.SelectedShapeIDs = []string{}
		}
		return &inboundMessage{Type: msgPresence, Presence: patch}, nil

	case msgPing:
		if !isJSONNull(env.Data) && !bytes.Equal(bytes.TrimSpace(env.Data), []byte("{}")) {
			return nil, errInvalidMessage
		}
		return &inboundMessage{Type: msgPing}, nil
	}

	return nil, fmt.Errorf("%w: unknown type %q", errInvalidMessage, env.Type)
}

// Outbound payload builders. Marshal errors are impossible for these shapes,
// so the encoders return bytes directly.

func encodeSnapshot(s Snapshot) []byte {
	if s == nil {
		s = Snapshot{}
	}
	msg, _ := json.Marshal(struct {
		Type string   `json:"type"`
		Data Snapshot `json:"data"`
	}{msgSnapshot, s})
	return msg
}

func encodeDiff(d *Diff, userID, userName string) []byte {
	d.normalize()
	msg, _ := json.Marshal(struct {
		Type     string `json:"type"`
		Data     *Diff  `json:"data"`
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}{msgDiff, d, userID, userName})
	return msg
}

func encodePresence(entries []PresenceEntry) []byte {
	if entries == nil {
		entries = []PresenceEntry{}
	}
	msg, _ := json.Marshal(struct {
		Type string          `json:"type"`
		Data []PresenceEntry `json:"data"`
	}{msgPresence, entries})
	return msg
}

func encodeError(code, message string) []byte {
	msg, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{msgError, code, message})
	return msg
}

func encodePong() []byte {
	return []byte(`{"type":"pong"}`)
}
