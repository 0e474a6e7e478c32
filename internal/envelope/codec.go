package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rolegraph/rolegraph/internal/models"
)

// TimeFormat matches JavaScript's Date.toISOString so browser clients can
// parse timestamps without a library.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

var ErrUnknownKind = errors.New("unknown envelope type")

// Wire shapes. Legacy aliases live only here: internal code never sees them.

type progressFrame struct {
	Type        Kind   `json:"type"`
	RoleModelID string `json:"roleModelId"`
	Message     string `json:"message"`
	Progress    *int   `json:"progress"`
	Percent     *int   `json:"percent,omitempty"` // alias read by pre-2.0 viewers
	Stage       string `json:"stage"`
	SubStage    string `json:"subStage"`
	Timestamp   string `json:"timestamp"`
}

type thinkingFrame struct {
	Step      string `json:"step"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type thoughtFrame struct {
	Type        Kind            `json:"type"`
	RoleModelID string          `json:"roleModelId"`
	AgentName   string          `json:"agentName"`
	AgentType   string          `json:"agentType,omitempty"`
	Thoughts    *string         `json:"thoughts"`
	Content     *string         `json:"content,omitempty"` // alias
	Thinking    []thinkingFrame `json:"thinking"`
	Timestamp   string          `json:"timestamp"`
}

type edgeFrame struct {
	ID       string `json:"id"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	Source   string `json:"source,omitempty"` // force-graph viewers key on source/target
	Target   string `json:"target,omitempty"`
	Label    string `json:"label,omitempty"`
	Strength int    `json:"strength"`
}

type graphPayloadFrame struct {
	RoleModelID string             `json:"roleModelId"`
	UpdateType  UpdateKind         `json:"updateType"`
	Nodes       []models.GraphNode `json:"nodes"`
	Edges       []edgeFrame        `json:"edges"`
}

type graphFrame struct {
	Type        Kind              `json:"type"`
	RoleModelID string            `json:"roleModelId,omitempty"` // alias of payload.roleModelId
	Payload     graphPayloadFrame `json:"payload"`
	Timestamp   string            `json:"timestamp"`
}

// Encode renders an envelope into its wire frame.
func Encode(e Envelope) ([]byte, error) {
	ts := e.emittedAt.Format(TimeFormat)
	switch p := e.payload.(type) {
	case Progress:
		pct := p.Percent
		return json.Marshal(progressFrame{
			Type:        KindProgress,
			RoleModelID: e.topic,
			Message:     p.Message,
			Progress:    &pct,
			Percent:     &pct,
			Stage:       p.Stage,
			SubStage:    p.SubStage,
			Timestamp:   ts,
		})
	case Thought:
		steps := make([]thinkingFrame, 0, len(p.ThinkingSteps))
		for _, s := range p.ThinkingSteps {
			steps = append(steps, thinkingFrame{
				Step:      s.Step,
				Content:   s.Content,
				Timestamp: s.Timestamp.UTC().Format(TimeFormat),
			})
		}
		content := p.Content
		return json.Marshal(thoughtFrame{
			Type:        KindThought,
			RoleModelID: e.topic,
			AgentName:   p.AgentName,
			AgentType:   p.AgentType,
			Thoughts:    &content,
			Content:     &content,
			Thinking:    steps,
			Timestamp:   ts,
		})
	case GraphDelta:
		nodes := p.Nodes
		if nodes == nil {
			nodes = []models.GraphNode{}
		}
		edges := make([]edgeFrame, 0, len(p.Edges))
		for _, ed := range p.Edges {
			edges = append(edges, edgeFrame{
				ID:       ed.ID,
				SourceID: ed.SourceID,
				TargetID: ed.TargetID,
				Source:   ed.SourceID,
				Target:   ed.TargetID,
				Label:    ed.Label,
				Strength: ed.Strength,
			})
		}
		return json.Marshal(graphFrame{
			Type:        KindGraphDelta,
			RoleModelID: e.topic,
			Payload: graphPayloadFrame{
				RoleModelID: e.topic,
				UpdateType:  p.UpdateKind,
				Nodes:       nodes,
				Edges:       edges,
			},
			Timestamp: ts,
		})
	case nil:
		return nil, ErrNilPayload
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
}

// Decode parses an event frame, accepting the legacy aliases when the
// canonical field is absent. Control frames are rejected with ErrUnknownKind.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch head.Type {
	case KindProgress:
		var f progressFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Envelope{}, fmt.Errorf("decode progress: %w", err)
		}
		pct := 0
		switch {
		case f.Progress != nil:
			pct = *f.Progress
		case f.Percent != nil:
			pct = *f.Percent
		}
		return NewAt(f.RoleModelID, Progress{
			Message:  f.Message,
			Percent:  pct,
			Stage:    f.Stage,
			SubStage: f.SubStage,
		}, parseTime(f.Timestamp))

	case KindThought:
		var f thoughtFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Envelope{}, fmt.Errorf("decode thought: %w", err)
		}
		content := ""
		switch {
		case f.Thoughts != nil:
			content = *f.Thoughts
		case f.Content != nil:
			content = *f.Content
		}
		steps := make([]ThinkingStep, 0, len(f.Thinking))
		for _, s := range f.Thinking {
			steps = append(steps, ThinkingStep{Step: s.Step, Content: s.Content, Timestamp: parseTime(s.Timestamp)})
		}
		return NewAt(f.RoleModelID, Thought{
			AgentName:     f.AgentName,
			AgentType:     f.AgentType,
			Content:       content,
			ThinkingSteps: steps,
		}, parseTime(f.Timestamp))

	case KindGraphDelta:
		var f graphFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Envelope{}, fmt.Errorf("decode graph update: %w", err)
		}
		topic := f.Payload.RoleModelID
		if topic == "" {
			topic = f.RoleModelID
		}
		edges := make([]models.GraphEdge, 0, len(f.Payload.Edges))
		for _, ed := range f.Payload.Edges {
			src, dst := ed.SourceID, ed.TargetID
			if src == "" {
				src = ed.Source
			}
			if dst == "" {
				dst = ed.Target
			}
			edges = append(edges, models.GraphEdge{
				ID:       ed.ID,
				SourceID: src,
				TargetID: dst,
				Label:    ed.Label,
				Strength: ed.Strength,
			})
		}
		return NewAt(topic, GraphDelta{
			UpdateKind: f.Payload.UpdateType,
			Nodes:      f.Payload.Nodes,
			Edges:      edges,
		}, parseTime(f.Timestamp))

	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, head.Type)
	}
}

// IsEvent reports whether a frame type names one of the three event kinds.
func IsEvent(t string) bool {
	switch Kind(t) {
	case KindProgress, KindThought, KindGraphDelta:
		return true
	}
	return false
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
