package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NNMC-Mexel/telemed-sub000/internal/room"
)

const writeWait = 1 * time.Second

// client wraps one websocket connection.
//
// roomID and participant are owned by the connection's read goroutine and
// must not be touched from anywhere else; cross-connection delivery goes
// through the send queue only.
type client struct {
	socketID string
	conn     *websocket.Conn
	log      *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	roomID      string
	participant room.Participant
}

func newClient(socketID string, conn *websocket.Conn, log *slog.Logger, queueLen int) *client {
	return &client{
		socketID: socketID,
		conn:     conn,
		log:      log,
		send:     make(chan []byte, queueLen),
		done:     make(chan struct{}),
	}
}

// enqueue hands a frame to the write pump without blocking. It reports false
// when the client is closing or its queue is full; the caller decides whether
// that counts as a drop.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump is the single writer for the connection. It serializes queued
// frames and keepalive pings; it exits when the client closes or a write
// fails, closing the underlying connection either way so the read loop
// unblocks.
func (c *client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
