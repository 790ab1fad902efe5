package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// wsConn drives one authorized connection through its message loop. Room
// membership and presence are cleaned up exactly once regardless of how the
// connection ends.
type wsConn struct {
	manager *RoomManager
	metrics Metrics
	conn    *websocket.Conn
	room    *Room
	mbr     *member

	leaveOnce sync.Once
}

// serveConn joins the room and runs the pumps. The join pushes the current
// snapshot and presence roster before the message loop starts.
func serveConn(ctx context.Context, m *RoomManager, metrics Metrics, conn *websocket.Conn, roomID string, claims *SessionClaims) {
	mbr := &member{
		connID:   uuid.NewString(),
		userID:   claims.UserID,
		userName: claims.UserName,
		send:     make(chan []byte, sendBufferSize),
	}

	room, err := m.Join(ctx, roomID, mbr)
	if err != nil {
		log.Printf("join failed room=%s user=%s: %v", roomID, claims.UserID, err)
		metrics.Error(codeInternalError)
		_ = conn.WriteMessage(websocket.TextMessage, encodeError(codeInternalError, "failed to join room"))
		closeWithCode(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	c := &wsConn{
		manager: m,
		metrics: metrics,
		conn:    conn,
		room:    room,
		mbr:     mbr,
	}
	go c.writePump()
	go c.readPump()
}

func (c *wsConn) leave() {
	c.leaveOnce.Do(func() {
		c.manager.Leave(c.room, c.mbr)
		c.mbr.close()
	})
}

func (c *wsConn) readPump() {
	defer func() {
		c.leave()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.manager.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read error user=%s room=%s: %v", c.mbr.userID, c.room.id, err)
			}
			return
		}

		msg, err := parseClientMessage(raw)
		if err != nil {
			c.metrics.Error(codeInvalidMessage)
			c.mbr.enqueue(encodeError(codeInvalidMessage, "message does not match the protocol"))
			continue
		}

		if msg.Type == msgPing {
			c.mbr.enqueue(encodePong())
			c.metrics.Message(msgPing)
			continue
		}

		if !c.manager.CheckRateLimit(c.room.id, c.mbr.userID) {
			c.metrics.Error(codeRateLimited)
			c.mbr.enqueue(encodeError(codeRateLimited, "too many messages"))
			continue
		}

		switch msg.Type {
		case msgDiff:
			c.manager.BroadcastDiff(context.Background(), c.room, msg.Diff, c.mbr)
		case msgPresence:
			c.manager.UpdatePresence(c.room.id, c.mbr.userID, c.mbr.userName, msg.Presence)
			c.manager.BroadcastPresence(c.room)
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.mbr.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithCode sends a close frame with the given status and shuts the
// socket down.
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}
