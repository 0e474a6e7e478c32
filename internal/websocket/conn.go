package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rolegraph/rolegraph/internal/logger"
)

// Transport is the subset of *websocket.Conn the connection manager uses.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

type frame struct {
	typ  int
	data []byte
}

// Connection is one live transport session. It is owned by the Manager;
// the Registry only refers to it by id.
type Connection struct {
	id          string
	userID      string
	transport   Transport
	connectedAt time.Time

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once

	alive        atomic.Bool
	broken       atomic.Bool
	missedPongs  atomic.Int32
	lastActivity atomic.Int64
}

func newConnection(id, userID string, t Transport, buffer int) *Connection {
	c := &Connection{
		id:          id,
		userID:      userID,
		transport:   t,
		connectedAt: time.Now(),
		send:        make(chan frame, buffer),
		done:        make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// touch records inbound activity and re-confirms liveness.
func (c *Connection) touch() {
	c.alive.Store(true)
	c.missedPongs.Store(0)
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks. It reports false when the frame was dropped because
// the connection is closed, its writer has failed, or its buffer is full.
func (c *Connection) enqueue(f frame) bool {
	if c.closed() || c.broken.Load() {
		return false
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Connection) enqueueText(data []byte) bool {
	return c.enqueue(frame{typ: websocket.TextMessage, data: data})
}

// writePump is the only goroutine that writes to the transport. On a write
// error it stops and leaves the connection for the heartbeat sweep to reap.
func (c *Connection) writePump(writeWait time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if writeWait > 0 {
				c.transport.SetWriteDeadline(time.Now().Add(writeWait))
			}
			if err := c.transport.WriteMessage(f.typ, f.data); err != nil {
				c.broken.Store(true)
				c.alive.Store(false)
				logger.Warn("ws write to %s failed, awaiting heartbeat cleanup: %v", c.id, err)
				return
			}
		}
	}
}

// shutdown closes the transport exactly once.
func (c *Connection) shutdown() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.done)
		c.transport.Close()
	})
	return first
}
