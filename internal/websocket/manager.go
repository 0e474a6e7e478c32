package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rolegraph/rolegraph/internal/envelope"
	"github.com/rolegraph/rolegraph/internal/logger"
	"github.com/rolegraph/rolegraph/internal/metrics"
)

var (
	ErrManagerClosed     = errors.New("connection manager is shut down")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrSendDropped       = errors.New("frame dropped: connection not writable")
)

const (
	defaultSendBuffer      = 256
	defaultWriteWait       = 10 * time.Second
	defaultMaxMessageSize  = 64 * 1024
	defaultMissedPongLimit = 2
)

type ManagerConfig struct {
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer     int
	WriteWait      time.Duration
	MaxMessageSize int64
	// MissedPongLimit is how many consecutive unanswered heartbeat pings
	// force-close a connection. The count starts at the first ping: with the
	// default of 2, a silent connection is pinged on two sweeps and closed on
	// the next, so it is gone within two heartbeat intervals of that first
	// ping.
	MissedPongLimit int

	// Identify resolves the user id for an upgrade request; "" is anonymous.
	Identify func(*http.Request) string
	// AllowedOrigins lists browser origins accepted by HandleWS. Requests
	// without an Origin header (non-browser clients) are always accepted.
	AllowedOrigins []string

	Metrics *metrics.Collector
}

// Manager owns every live connection: handshake, inbound dispatch, the
// outbound queue and heartbeat-driven cleanup.
type Manager struct {
	registry *Registry
	cfg      ManagerConfig
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
}

func NewManager(registry *Registry, cfg ManagerConfig) *Manager {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.MissedPongLimit <= 0 {
		cfg.MissedPongLimit = defaultMissedPongLimit
	}
	m := &Manager{
		registry: registry,
		cfg:      cfg,
		conns:    make(map[string]*Connection),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

// Accept registers an already-upgraded transport and starts its writer.
// The caller runs Serve to pump inbound frames.
func (m *Manager) Accept(t Transport, userID string) (string, error) {
	id := uuid.New().String()
	c := newConnection(id, userID, t, m.cfg.SendBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	m.conns[id] = c
	m.mu.Unlock()

	t.SetReadLimit(m.cfg.MaxMessageSize)
	t.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.writePump(m.cfg.WriteWait)

	m.cfg.Metrics.ConnectionOpened()
	logger.WS("connected", describeConn(c))
	return id, nil
}

// Serve reads frames until the transport fails, dispatching each to
// HandleInbound, then closes the connection.
func (m *Manager) Serve(connID string) {
	c := m.get(connID)
	if c == nil {
		return
	}
	defer m.Close(connID)

	for {
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.closed() {
				logger.Debug("ws read from %s ended: %v", connID, err)
			}
			return
		}
		m.HandleInbound(connID, data)
	}
}

// HandleInbound dispatches one control message. Malformed and unknown
// messages are acknowledged; nothing here closes the connection.
func (m *Manager) HandleInbound(connID string, raw []byte) error {
	c := m.get(connID)
	if c == nil {
		return ErrUnknownConnection
	}
	c.touch()

	ctl, err := envelope.ParseControl(raw)
	if err != nil {
		logger.Debug("ws %s sent malformed frame: %v", connID, err)
		c.enqueueText(envelope.Ack(""))
		return nil
	}

	switch ctl.Type {
	case envelope.ControlPing:
		c.enqueueText(envelope.Pong())

	case envelope.ControlSubscribe:
		topic, err := envelope.NormalizeTopic(ctl.RoleModelID)
		if err != nil {
			logger.Debug("ws %s subscribe rejected: %v", connID, err)
			c.enqueueText(envelope.SubscriptionError(err.Error()))
			return nil
		}
		m.subscribe(c, topic)

	case envelope.ControlUnsubscribe:
		prev := m.registry.UnsubscribeAll(connID)
		if prev != "" {
			logger.WS("unsubscribed", fmt.Sprintf("%s from %s", connID, prev))
			m.cfg.Metrics.SetTopics(m.registry.TopicCount())
		}
		c.enqueueText(envelope.Unsubscribed(prev))

	default:
		c.enqueueText(envelope.Ack(ctl.Type))
	}
	return nil
}

// subscribe moves c onto topic and confirms it. Close removes c from conns
// before deregistering it, so a c no longer in conns after Subscribe raced a
// Close and is taken back out of the registry. It reports whether c stayed
// subscribed.
func (m *Manager) subscribe(c *Connection, topic string) bool {
	prev := m.registry.Subscribe(topic, c.id)
	if m.get(c.id) != c {
		m.registry.UnsubscribeAll(c.id)
		m.cfg.Metrics.SetTopics(m.registry.TopicCount())
		logger.Debug("ws %s closed while subscribing to %s", c.id, topic)
		return false
	}
	if prev != "" && prev != topic {
		logger.WS("resubscribed", fmt.Sprintf("%s %s -> %s", c.id, prev, topic))
	} else {
		logger.WS("subscribed", fmt.Sprintf("%s -> %s", c.id, topic))
	}
	m.cfg.Metrics.SetTopics(m.registry.TopicCount())
	c.enqueueText(envelope.SubscriptionConfirmed(topic))
	return true
}

// Send encodes an envelope and delivers it to one connection.
func (m *Manager) Send(connID string, env envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return m.Deliver(connID, data)
}

// Deliver enqueues a pre-encoded frame. It never blocks: a connection that
// cannot take the frame loses it and is left unconfirmed for the next
// heartbeat sweep to decide on.
func (m *Manager) Deliver(connID string, data []byte) error {
	c := m.get(connID)
	if c == nil {
		return ErrUnknownConnection
	}
	if !c.enqueueText(data) {
		c.alive.Store(false)
		m.cfg.Metrics.FrameDropped()
		logger.WS("dropped", connID)
		return ErrSendDropped
	}
	return nil
}

// Sweep runs one heartbeat round: connections whose writer failed, or that
// have left MissedPongLimit pings unanswered, are closed; every other
// connection is marked unconfirmed and pinged.
func (m *Manager) Sweep() {
	for _, c := range m.snapshot() {
		if c.broken.Load() {
			logger.WS("expired", c.id+" (write failed)")
			m.Close(c.id)
			continue
		}
		if !c.alive.CompareAndSwap(true, false) {
			if missed := c.missedPongs.Add(1); int(missed) >= m.cfg.MissedPongLimit {
				logger.WS("expired", fmt.Sprintf("%s (%d pings unanswered)", c.id, missed))
				m.Close(c.id)
				continue
			}
		}
		c.enqueue(frame{typ: websocket.PingMessage})
	}
}

// Close deregisters the connection and closes its transport. Closing an
// unknown or already-closed connection is a no-op.
func (m *Manager) Close(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.registry.UnsubscribeAll(connID)
	if c.shutdown() {
		m.cfg.Metrics.ConnectionClosed()
		m.cfg.Metrics.SetTopics(m.registry.TopicCount())
		logger.WS("disconnected", describeConn(c))
	}
}

// Shutdown closes every connection and refuses new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	conns := m.snapshot()
	for _, c := range conns {
		m.Close(c.id)
	}
	if len(conns) > 0 {
		logger.Info("Closed %d WebSocket connections", len(conns))
	}
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// ConnInfo is a read-only view of a connection for status reporting.
type ConnInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId,omitempty"`
	Topic        string    `json:"roleModelId,omitempty"`
	Alive        bool      `json:"alive"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (m *Manager) Info(connID string) (ConnInfo, bool) {
	c := m.get(connID)
	if c == nil {
		return ConnInfo{}, false
	}
	return ConnInfo{
		ID:           c.id,
		UserID:       c.userID,
		Topic:        m.registry.TopicOf(c.id),
		Alive:        c.alive.Load(),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.LastActivity(),
	}, true
}

func (m *Manager) get(connID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[connID]
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func describeConn(c *Connection) string {
	if c.userID == "" {
		return c.id + " (anonymous)"
	}
	return c.id + " user=" + c.userID
}
