// Package client is the sync engine for canvas applications: it keeps one
// room connection alive across network failures, replays operations queued
// while offline and mirrors the room's presence roster.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrNotConnected is returned when a presence update is attempted while
// offline. Presence is ephemeral and never queued; stale presence is worse
// than missing presence.
var ErrNotConnected = errors.New("not connected")

// Cursor is a canvas-space pointer position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Diff is an incremental change set for the room document.
type Diff struct {
	Added   map[string]json.RawMessage `json:"added"`
	Updated map[string]json.RawMessage `json:"updated"`
	Removed []string                   `json:"removed"`
}

// PresenceEntry is one user's presence as broadcast by the server.
type PresenceEntry struct {
	UserID           string   `json:"userId"`
	UserName         string   `json:"userName"`
	Cursor           *Cursor  `json:"cursor"`
	SelectedShapeIDs []string `json:"selectedShapeIds"`
	Color            string   `json:"color"`
}

// DiffEvent is an inbound diff attributed to its sender.
type DiffEvent struct {
	Diff     Diff
	UserID   string
	UserName string
}

type envelope struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	UserName string          `json:"userName,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Config configures a sync client.
type Config struct {
	// BaseURL is the server origin, e.g. "https://sync.example.com".
	BaseURL string
	RoomID  string
	Token   string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectJitter      float64
	PingInterval         time.Duration
	QueueSize            int
	QueueTTL             time.Duration
	HTTPClient           *http.Client
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 0.5
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 100
	}
	if c.QueueTTL == 0 {
		c.QueueTTL = 5 * time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Handlers carries the application callbacks. All are optional.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnReconnecting func(attempt int, delay time.Duration)
	// OnExhausted fires when reconnect attempts run out; no further
	// automatic reconnection happens until Connect is called again.
	OnExhausted func()
	OnSnapshot  func(snapshot map[string]json.RawMessage)
	OnDiff      func(ev DiffEvent)
	OnPresence  func(entries []PresenceEntry)
	OnServerErr func(code, message string)
}

// Client is a resilient connection to one room.
type Client struct {
	cfg      Config
	handlers Handlers
	backoff  Backoff
	queue    *OfflineQueue

	mu               sync.Mutex
	state            State
	conn             *websocket.Conn
	cancelFn         context.CancelFunc
	intentionalClose bool
	peers            map[string]PresenceEntry
	pingSentAt       time.Time
	latency          time.Duration
}

func New(cfg Config, handlers Handlers) *Client {
	cfg.defaults()
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		backoff: Backoff{
			Base:        cfg.ReconnectBaseDelay,
			Max:         cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.MaxReconnectAttempts,
			Jitter:      cfg.ReconnectJitter,
		},
		queue: NewOfflineQueue(cfg.QueueSize, cfg.QueueTTL),
		state: StateDisconnected,
		peers: make(map[string]PresenceEntry),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Latency returns the round-trip time measured by the last keep-alive ping.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Peers returns the presence roster as last received, ordered by user id.
func (c *Client) Peers() []PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PresenceEntry, 0, len(c.peers))
	for _, e := range c.peers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// QueuedOps reports how many operations wait for the next connection.
func (c *Client) QueuedOps() int {
	return c.queue.Len()
}

func (c *Client) wsURL() string {
	u := strings.Replace(c.cfg.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/api/canvas/sync/" + c.cfg.RoomID + "?token=" + c.cfg.Token
}

// Connect dials the room. On success the backoff counter resets, queued
// operations replay in FIFO order and the keep-alive loop starts. Calling
// Connect after exhaustion restarts the reconnect budget.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.wsURL(), &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
	})
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancelFn = cancel
	c.state = StateConnected
	c.mu.Unlock()
	c.backoff.Reset()

	if h := c.handlers.OnConnected; h != nil {
		h()
	}

	// Replay operations queued while offline before anything new goes out.
	for _, op := range c.queue.Flush() {
		if err := c.write(connCtx, envelope{Type: op.Type, Data: op.Payload}); err != nil {
			break
		}
	}

	go c.readLoop(connCtx, conn)
	go c.pingLoop(connCtx)
	return nil
}

// Disconnect closes the connection intentionally: no reconnect is scheduled
// and the offline queue is discarded.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.peers = make(map[string]PresenceEntry)
	c.mu.Unlock()

	c.queue.Clear()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// SendDiff sends a document change, or queues it when offline.
func (c *Client) SendDiff(ctx context.Context, d Diff) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		c.queue.Enqueue("diff", payload)
		return nil
	}
	if err := c.write(ctx, envelope{Type: "diff", Data: payload}); err != nil {
		// The connection is going down; keep the operation for replay.
		c.queue.Enqueue("diff", payload)
		return nil
	}
	return nil
}

// SendPresence sends a cursor/selection update. Presence is dropped, never
// queued, while offline.
func (c *Client) SendPresence(ctx context.Context, cursor *Cursor, selectedShapeIDs []string) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	payload, err := json.Marshal(struct {
		Cursor           *Cursor  `json:"cursor"`
		SelectedShapeIDs []string `json:"selectedShapeIds"`
	}{cursor, selectedShapeIDs})
	if err != nil {
		return err
	}
	return c.write(ctx, envelope{Type: "presence", Data: payload})
}

func (c *Client) write(ctx context.Context, env envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(err)
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope) {
	switch env.Type {
	case "snapshot":
		var snap map[string]json.RawMessage
		if json.Unmarshal(env.Data, &snap) == nil {
			if h := c.handlers.OnSnapshot; h != nil {
				h(snap)
			}
		}
	case "diff":
		var d Diff
		if json.Unmarshal(env.Data, &d) == nil {
			if h := c.handlers.OnDiff; h != nil {
				h(DiffEvent{Diff: d, UserID: env.UserID, UserName: env.UserName})
			}
		}
	case "presence":
		var entries []PresenceEntry
		if json.Unmarshal(env.Data, &entries) == nil {
			c.mu.Lock()
			c.peers = make(map[string]PresenceEntry, len(entries))
			for _, e := range entries {
				c.peers[e.UserID] = e
			}
			c.mu.Unlock()
			if h := c.handlers.OnPresence; h != nil {
				h(entries)
			}
		}
	case "pong":
		c.mu.Lock()
		if !c.pingSentAt.IsZero() {
			c.latency = time.Since(c.pingSentAt)
		}
		c.mu.Unlock()
	case "error":
		if h := c.handlers.OnServerErr; h != nil {
			h(env.Code, env.Message)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.pingSentAt = time.Now()
			c.mu.Unlock()
			if err := c.write(ctx, envelope{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

// handleDrop marks the connection lost, clears the stale presence view and
// schedules a reconnect unless the close was intentional or the backoff is
// exhausted.
func (c *Client) handleDrop(err error) {
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.conn = nil
	c.peers = make(map[string]PresenceEntry)
	c.mu.Unlock()

	if h := c.handlers.OnDisconnected; h != nil {
		h(err)
	}
	if !c.cfg.AutoReconnect {
		return
	}
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for {
		delay, ok := c.backoff.Next()
		if !ok {
			if h := c.handlers.OnExhausted; h != nil {
				h()
			}
			return
		}
		if h := c.handlers.OnReconnecting; h != nil {
			h(c.backoff.Attempt(), delay)
		}
		time.Sleep(delay)

		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.Connect(context.Background()); err == nil {
			return
		}
	}
}
