package websocket

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolegraph/rolegraph/internal/envelope"
)

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *Registry) {
	t.Helper()
	reg := NewRegistry()
	m := NewManager(reg, cfg)
	t.Cleanup(m.Shutdown)
	return m, reg
}

func accept(t *testing.T, m *Manager) (string, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	id, err := m.Accept(ft, "")
	require.NoError(t, err)
	return id, ft
}

func TestPingGetsPong(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)

	require.NoError(t, m.HandleInbound(id, []byte(`{"type":"ping"}`)))
	waitForTypes(t, ft, envelope.ReplyPong)
	assert.NotEmpty(t, lastFrame(t, ft)["timestamp"])
}

func TestSubscribeConfirmed(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)

	msg := `{"type":"subscribe","payload":{"roleModelId":"` + strings.ToUpper(topicA) + `"}}`
	require.NoError(t, m.HandleInbound(id, []byte(msg)))

	waitForTypes(t, ft, envelope.ReplySubscriptionConfirmed)
	assert.Equal(t, topicA, lastFrame(t, ft)["roleModelId"])
	assert.Equal(t, []string{id}, reg.Members(topicA))
}

func TestSubscribeRejectsInvalidTopic(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"default", `{"type":"subscribe","payload":{"roleModelId":"default"}}`},
		{"not a uuid", `{"type":"subscribe","payload":{"roleModelId":"role-42"}}`},
		{"missing", `{"type":"subscribe"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reg := newTestManager(t, ManagerConfig{})
			id, ft := accept(t, m)

			require.NoError(t, m.HandleInbound(id, []byte(tt.msg)))
			waitForTypes(t, ft, envelope.ReplySubscriptionError)
			assert.NotEmpty(t, lastFrame(t, ft)["message"])
			assert.Equal(t, 0, reg.TopicCount())
			assert.Equal(t, "", reg.TopicOf(id))
		})
	}
}

func TestInvalidSubscribeKeepsExistingTopic(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)

	m.HandleInbound(id, envelope.SubscribeRequest(topicA))
	m.HandleInbound(id, envelope.SubscribeRequest("default"))
	waitForTypes(t, ft, envelope.ReplySubscriptionConfirmed, envelope.ReplySubscriptionError)
	assert.Equal(t, topicA, reg.TopicOf(id))
}

func TestResubscribeMovesConnection(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)

	m.HandleInbound(id, envelope.SubscribeRequest(topicA))
	m.HandleInbound(id, envelope.SubscribeRequest(topicB))
	waitForTypes(t, ft, envelope.ReplySubscriptionConfirmed, envelope.ReplySubscriptionConfirmed)

	assert.Empty(t, reg.Members(topicA))
	assert.Equal(t, []string{id}, reg.Members(topicB))
}

func TestUnsubscribe(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)

	m.HandleInbound(id, envelope.SubscribeRequest(topicA))
	m.HandleInbound(id, []byte(`{"type":"unsubscribe"}`))
	waitForTypes(t, ft, envelope.ReplySubscriptionConfirmed, envelope.ReplyUnsubscribed)

	assert.Equal(t, topicA, lastFrame(t, ft)["roleModelId"])
	assert.Equal(t, 0, reg.TopicCount())
	assert.Equal(t, 1, m.Count(), "unsubscribe keeps the connection open")
}

func TestUnknownAndMalformedFramesAreAcknowledged(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)

	require.NoError(t, m.HandleInbound(id, []byte(`{"type":"frobnicate"}`)))
	waitForTypes(t, ft, envelope.ReplyAck)
	assert.Equal(t, "frobnicate", lastFrame(t, ft)["received"])

	require.NoError(t, m.HandleInbound(id, []byte(`not json`)))
	require.NoError(t, m.HandleInbound(id, []byte(`{}`)))
	waitForTypes(t, ft, envelope.ReplyAck, envelope.ReplyAck, envelope.ReplyAck)

	assert.Equal(t, 1, m.Count())
	assert.False(t, ft.isClosed())
}

func TestHandleInboundUnknownConnection(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	assert.ErrorIs(t, m.HandleInbound("nope", []byte(`{"type":"ping"}`)), ErrUnknownConnection)
	assert.ErrorIs(t, m.Deliver("nope", []byte(`{}`)), ErrUnknownConnection)
}

func TestCloseIsIdempotent(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)
	m.HandleInbound(id, envelope.SubscribeRequest(topicA))

	m.Close(id)
	m.Close(id)

	assert.True(t, ft.isClosed())
	assert.Equal(t, 1, ft.closes)
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, reg.Members(topicA))
	assert.ErrorIs(t, m.Deliver(id, []byte(`{}`)), ErrUnknownConnection)
}

func TestSubscribeRacingCloseLeavesNoMembership(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)
	c := m.get(id)
	require.NotNil(t, c)

	// HandleInbound has fetched c when Close runs to completion.
	m.Close(id)
	assert.False(t, m.subscribe(c, topicA))

	assert.Equal(t, "", reg.TopicOf(id))
	assert.Empty(t, reg.Members(topicA))
	assert.Equal(t, 0, reg.TopicCount())
	assert.NotContains(t, ft.textTypes(), envelope.ReplySubscriptionConfirmed)
}

func TestSubscribeKeepsLiveConnection(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)

	assert.True(t, m.subscribe(m.get(id), topicA))
	waitForTypes(t, ft, envelope.ReplySubscriptionConfirmed)
	assert.Equal(t, topicA, reg.TopicOf(id))
}

func TestServeClosesWhenTransportEnds(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)

	done := make(chan struct{})
	go func() {
		m.Serve(id)
		close(done)
	}()

	ft.inbound <- envelope.SubscribeRequest(topicA)
	waitForTypes(t, ft, envelope.ReplySubscriptionConfirmed)
	close(ft.inbound)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 0, reg.TopicCount())
}

func TestSweepClosesAfterMissedPongs(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{MissedPongLimit: 2})
	id, ft := accept(t, m)
	m.HandleInbound(id, envelope.SubscribeRequest(topicA))

	m.Sweep() // confirmed since accept: ping
	m.Sweep() // first ping unanswered: ping again
	assert.Equal(t, 1, m.Count())
	require.Eventually(t, func() bool { return ft.pings() == 2 }, time.Second, 5*time.Millisecond)

	m.Sweep() // second ping unanswered: closed
	assert.Equal(t, 0, m.Count())
	assert.True(t, ft.isClosed())
	assert.Equal(t, 2, ft.pings(), "closed on the sweep after the limit, without a third ping")
	assert.Empty(t, reg.Members(topicA))
}

func TestSweepKeepsRespondingConnection(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{MissedPongLimit: 2})
	_, ft := accept(t, m)

	for i := 0; i < 5; i++ {
		m.Sweep()
		ft.firePong()
	}
	assert.Equal(t, 1, m.Count())
	assert.False(t, ft.isClosed())
}

func TestInboundActivityCountsAsLiveness(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{MissedPongLimit: 2})
	id, _ := accept(t, m)

	for i := 0; i < 5; i++ {
		m.Sweep()
		m.HandleInbound(id, []byte(`{"type":"ping"}`))
	}
	assert.Equal(t, 1, m.Count())
}

func TestSweepReapsBrokenWriter(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	id, ft := accept(t, m)
	ft.writeErr = errors.New("broken pipe")

	require.NoError(t, m.Deliver(id, []byte(`{"type":"progress"}`)))
	c := m.get(id)
	require.NotNil(t, c)
	require.Eventually(t, c.broken.Load, time.Second, 5*time.Millisecond)

	m.Sweep()
	assert.Equal(t, 0, m.Count())
}

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{SendBuffer: 1})
	id, ft := accept(t, m)
	ft.stall = true

	// The writer takes the first frame and stalls on it; the second fills
	// the buffer; the third has nowhere to go.
	require.NoError(t, m.Deliver(id, []byte(`{"n":1}`)))
	require.Eventually(t, func() bool {
		return len(m.get(id).send) == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Deliver(id, []byte(`{"n":2}`)))

	assert.ErrorIs(t, m.Deliver(id, []byte(`{"n":3}`)), ErrSendDropped)
	assert.Equal(t, 1, m.Count(), "a dropped frame does not close the connection")
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	_, ft := accept(t, m)

	m.Shutdown()
	assert.True(t, ft.isClosed())
	assert.Equal(t, 0, m.Count())

	_, err := m.Accept(newFakeTransport(), "")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestInfo(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	ft := newFakeTransport()
	id, err := m.Accept(ft, "user-7")
	require.NoError(t, err)
	m.HandleInbound(id, envelope.SubscribeRequest(topicA))

	info, ok := m.Info(id)
	require.True(t, ok)
	assert.Equal(t, "user-7", info.UserID)
	assert.Equal(t, topicA, info.Topic)
	assert.True(t, info.Alive)

	_, ok = m.Info("missing")
	assert.False(t, ok)
}
