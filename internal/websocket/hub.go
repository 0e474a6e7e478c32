package websocket

import (
	"strconv"
	"time"

	"github.com/rolegraph/rolegraph/internal/envelope"
	"github.com/rolegraph/rolegraph/internal/logger"
	"github.com/rolegraph/rolegraph/internal/metrics"
	"github.com/rolegraph/rolegraph/internal/models"
)

// Deliverer accepts a pre-encoded frame for one connection without blocking.
type Deliverer interface {
	Deliver(connID string, frame []byte) error
}

// Hub is the publish API used by agents and HTTP handlers. Publish runs on
// the caller's goroutine; there is no dispatcher queue.
type Hub struct {
	registry *Registry
	sender   Deliverer
	metrics  *metrics.Collector
}

func NewHub(registry *Registry, sender Deliverer, m *metrics.Collector) *Hub {
	return &Hub{registry: registry, sender: sender, metrics: m}
}

// Result summarizes one fan-out. Delivery is best-effort and at most once
// per live connection.
type Result struct {
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
	Dropped    int `json:"dropped"`
}

// Publish fans payload out to every connection subscribed to topic. An
// empty audience is not an error: the event is logged and discarded.
func (h *Hub) Publish(topic string, p envelope.Payload) (Result, error) {
	env, err := envelope.New(topic, p)
	if err != nil {
		return Result{}, err
	}
	return h.PublishEnvelope(env), nil
}

// PublishEnvelope encodes env once and hands the same bytes to each member.
// One member failing to accept the frame never affects the others.
func (h *Hub) PublishEnvelope(env envelope.Envelope) Result {
	members := h.registry.Members(env.Topic())
	if len(members) == 0 {
		logger.Debug("No active subscribers for %s, discarding %s event", env.Topic(), env.Kind())
		return Result{}
	}

	data, err := envelope.Encode(env)
	if err != nil {
		logger.Error("Failed to encode %s event for %s: %v", env.Kind(), env.Topic(), err)
		return Result{}
	}

	res := Result{Recipients: len(members)}
	for _, id := range members {
		if err := h.sender.Deliver(id, data); err != nil {
			res.Dropped++
			continue
		}
		res.Delivered++
	}
	h.metrics.FramesSent(string(env.Kind()), res.Delivered)
	logger.Debug("Published %s to %s: %d/%d delivered", env.Kind(), env.Topic(), res.Delivered, res.Recipients)
	return res
}

// PublishProgress reports a plain progress message; percent is clamped to [0,100].
func (h *Hub) PublishProgress(topic, message string, percent int) (Result, error) {
	return h.PublishStage(topic, envelope.Progress{Message: message, Percent: percent})
}

func (h *Hub) PublishStage(topic string, p envelope.Progress) (Result, error) {
	p.Percent = clampPercent(p.Percent)
	return h.Publish(topic, p)
}

// PublishError emits the error-kind progress event viewers show when a
// generation run fails.
func (h *Hub) PublishError(topic, message string) (Result, error) {
	return h.Publish(topic, envelope.Progress{Message: message, Percent: 0, Stage: envelope.StageError})
}

// PublishThought numbers unlabeled thinking steps and stamps missing timestamps.
func (h *Hub) PublishThought(topic string, t envelope.Thought) (Result, error) {
	now := time.Now().UTC()
	steps := make([]envelope.ThinkingStep, len(t.ThinkingSteps))
	for i, s := range t.ThinkingSteps {
		if s.Step == "" {
			s.Step = strconv.Itoa(i + 1)
		}
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		steps[i] = s
	}
	t.ThinkingSteps = steps
	return h.Publish(topic, t)
}

func (h *Hub) PublishGraphDelta(topic string, kind envelope.UpdateKind, nodes []models.GraphNode, edges []models.GraphEdge) (Result, error) {
	d := envelope.GraphDelta{
		UpdateKind: kind,
		Nodes:      make([]models.GraphNode, len(nodes)),
		Edges:      make([]models.GraphEdge, len(edges)),
	}
	for i, n := range nodes {
		d.Nodes[i] = n.Normalize()
	}
	for i, e := range edges {
		d.Edges[i] = e.Normalize()
	}
	return h.Publish(topic, d)
}

// Subscribers returns how many connections currently follow topic.
func (h *Hub) Subscribers(topic string) int {
	norm, err := envelope.NormalizeTopic(topic)
	if err != nil {
		return 0
	}
	return h.registry.MemberCount(norm)
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
