// Package wsclient is a viewer-side client for the real-time channel. It
// keeps one role-model subscription alive across reconnects.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rolegraph/rolegraph/internal/envelope"
	"github.com/rolegraph/rolegraph/internal/logger"
)

// ErrSubscriptionRejected is returned by Run when the server refuses the
// topic. Reconnecting would not change the answer.
var ErrSubscriptionRejected = errors.New("subscription rejected")

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://127.0.0.1:8420/api/v1/ws.
	URL   string
	Topic string
	// Token is sent as a bearer token; empty connects anonymously.
	Token string

	OnEvent func(envelope.Envelope)
	// OnSubscribed runs after every confirmed (re)subscription.
	OnSubscribed func(topic string)

	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
}

type Client struct {
	cfg        Config
	topic      string
	reconnects atomic.Int64
}

func New(cfg Config) (*Client, error) {
	topic, err := envelope.NormalizeTopic(cfg.Topic)
	if err != nil {
		return nil, err
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{cfg: cfg, topic: topic}, nil
}

func (c *Client) Topic() string { return c.topic }

// Reconnects counts sessions started after the first one.
func (c *Client) Reconnects() int64 { return c.reconnects.Load() }

// Run holds a session open until ctx is cancelled, re-dialing with capped
// exponential backoff after every transport failure. It returns ctx.Err()
// or ErrSubscriptionRejected.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.reconnects.Add(1)
		}
		confirmed, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrSubscriptionRejected) {
			return err
		}
		if confirmed {
			backoff = c.cfg.MinBackoff
		}

		logger.Warn("Connection to %s lost (%v), retrying in %v", c.cfg.URL, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// session dials, subscribes and reads until the connection fails. It
// reports whether the subscription was confirmed.
func (c *Client) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, envelope.SubscribeRequest(c.topic)); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	confirmed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return confirmed, err
		}
		if err := c.dispatch(data, &confirmed); err != nil {
			return confirmed, err
		}
	}
}

func (c *Client) dispatch(data []byte, confirmed *bool) error {
	var head struct {
		Type        string `json:"type"`
		RoleModelID string `json:"roleModelId"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		logger.Debug("Ignoring malformed frame: %v", err)
		return nil
	}

	if envelope.IsEvent(head.Type) {
		env, err := envelope.Decode(data)
		if err != nil {
			logger.Debug("Ignoring undecodable %s event: %v", head.Type, err)
			return nil
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(env)
		}
		return nil
	}

	switch head.Type {
	case envelope.ReplySubscriptionConfirmed:
		*confirmed = true
		logger.WS("subscribed", head.RoleModelID)
		if c.cfg.OnSubscribed != nil {
			c.cfg.OnSubscribed(head.RoleModelID)
		}
	case envelope.ReplySubscriptionError:
		return fmt.Errorf("%w: %s", ErrSubscriptionRejected, head.Message)
	}
	return nil
}
