// Package envelope defines the event envelopes fanned out to role-model
// subscribers and the JSON wire codec shared by the hub and the client.
//
// An Envelope is a tagged union over three payload kinds (Progress, Thought,
// GraphDelta). It is immutable: constructors copy the payload and accessors
// hand out copies, so one envelope can be encoded and shared across
// goroutines safely.
package envelope

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rolegraph/rolegraph/internal/models"
)

type Kind string

const (
	KindProgress   Kind = "progress"
	KindThought    Kind = "agent_thoughts"
	KindGraphDelta Kind = "knowledge_graph_update"
)

// StageError marks a progress event that reports a failed generation.
const StageError = "error"

var (
	ErrNilPayload     = errors.New("envelope payload is nil")
	ErrInvalidPayload = errors.New("invalid envelope payload")
)

// Payload is implemented only by the types in this package.
type Payload interface {
	Kind() Kind
	clone() Payload
	validate() error
}

type Progress struct {
	Message  string
	Percent  int
	Stage    string
	SubStage string
}

func (Progress) Kind() Kind { return KindProgress }

func (p Progress) clone() Payload { return p }

func (p Progress) validate() error {
	if p.Percent < 0 || p.Percent > 100 {
		return fmt.Errorf("progress percent %d outside [0,100]", p.Percent)
	}
	return nil
}

type ThinkingStep struct {
	Step      string
	Content   string
	Timestamp time.Time
}

type Thought struct {
	AgentName     string
	AgentType     string
	Content       string
	ThinkingSteps []ThinkingStep
}

func (Thought) Kind() Kind { return KindThought }

func (t Thought) clone() Payload {
	t.ThinkingSteps = slices.Clone(t.ThinkingSteps)
	return t
}

func (t Thought) validate() error {
	if t.AgentName == "" {
		return errors.New("thought requires an agent name")
	}
	return nil
}

type UpdateKind string

const (
	UpdateCreate  UpdateKind = "create"
	UpdateUpdate  UpdateKind = "update"
	UpdatePartial UpdateKind = "partial"
	UpdateDelete  UpdateKind = "delete"
)

func (k UpdateKind) Valid() bool {
	switch k {
	case UpdateCreate, UpdateUpdate, UpdatePartial, UpdateDelete:
		return true
	}
	return false
}

type GraphDelta struct {
	UpdateKind UpdateKind
	Nodes      []models.GraphNode
	Edges      []models.GraphEdge
}

func (GraphDelta) Kind() Kind { return KindGraphDelta }

func (d GraphDelta) clone() Payload {
	d.Nodes = slices.Clone(d.Nodes)
	d.Edges = slices.Clone(d.Edges)
	return d
}

func (d GraphDelta) validate() error {
	if !d.UpdateKind.Valid() {
		return fmt.Errorf("unknown graph update kind %q", d.UpdateKind)
	}
	return nil
}

type Envelope struct {
	topic     string
	emittedAt time.Time
	payload   Payload
}

// New stamps payload with the current time for topic.
func New(topic string, p Payload) (Envelope, error) {
	return NewAt(topic, p, time.Now().UTC())
}

// NewAt builds an envelope with an explicit emission time. The topic is
// normalized; an invalid topic or payload is rejected.
func NewAt(topic string, p Payload, emittedAt time.Time) (Envelope, error) {
	if p == nil {
		return Envelope{}, ErrNilPayload
	}
	norm, err := NormalizeTopic(topic)
	if err != nil {
		return Envelope{}, err
	}
	if err := p.validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Envelope{topic: norm, emittedAt: emittedAt.UTC(), payload: p.clone()}, nil
}

func (e Envelope) Topic() string        { return e.topic }
func (e Envelope) EmittedAt() time.Time { return e.emittedAt }

func (e Envelope) Kind() Kind {
	if e.payload == nil {
		return ""
	}
	return e.payload.Kind()
}

// Payload returns a copy of the payload; use a type switch to inspect it.
func (e Envelope) Payload() Payload {
	if e.payload == nil {
		return nil
	}
	return e.payload.clone()
}

func (e Envelope) Progress() (Progress, bool) {
	p, ok := e.payload.(Progress)
	return p, ok
}

func (e Envelope) Thought() (Thought, bool) {
	t, ok := e.payload.(Thought)
	if !ok {
		return Thought{}, false
	}
	return t.clone().(Thought), true
}

func (e Envelope) GraphDelta() (GraphDelta, bool) {
	d, ok := e.payload.(GraphDelta)
	if !ok {
		return GraphDelta{}, false
	}
	return d.clone().(GraphDelta), true
}
