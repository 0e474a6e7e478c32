package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport records written frames and feeds ReadMessage from a channel.
type fakeTransport struct {
	mu       sync.Mutex
	written  []frame
	writeErr error
	pong     func(string) error

	inbound   chan []byte
	closedCh  chan struct{}
	closeOnce sync.Once
	closes    int

	// stall, when set, blocks every write until the transport is closed.
	stall bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, errTransportClosed
		}
		return websocket.TextMessage, data, nil
	case <-f.closedCh:
		return 0, nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(typ int, data []byte) error {
	if f.stall {
		<-f.closedCh
		return errTransportClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, frame{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) SetReadLimit(int64) {}

func (f *fakeTransport) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pong = h
	f.mu.Unlock()
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closedCh) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closedCh:
		return true
	default:
		return false
	}
}

// firePong simulates the peer answering a heartbeat ping.
func (f *fakeTransport) firePong() {
	f.mu.Lock()
	h := f.pong
	f.mu.Unlock()
	if h != nil {
		h("")
	}
}

func (f *fakeTransport) frames() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.written...)
}

// textTypes returns the "type" field of every text frame written so far.
func (f *fakeTransport) textTypes() []string {
	var out []string
	for _, fr := range f.frames() {
		if fr.typ != websocket.TextMessage {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		json.Unmarshal(fr.data, &head)
		out = append(out, head.Type)
	}
	return out
}

func (f *fakeTransport) pings() int {
	n := 0
	for _, fr := range f.frames() {
		if fr.typ == websocket.PingMessage {
			n++
		}
	}
	return n
}

func waitForTypes(t *testing.T, f *fakeTransport, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := f.textTypes()
		if len(got) < len(want) {
			return false
		}
		for i, w := range want {
			if got[i] != w {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "expected frames %v, got %v", want, f.textTypes())
}

func lastFrame(t *testing.T, f *fakeTransport) map[string]interface{} {
	t.Helper()
	frames := f.frames()
	require.NotEmpty(t, frames)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].data, &m))
	return m
}
