package graphstore

import (
	"context"
	"sync"

	"github.com/rolegraph/rolegraph/internal/models"
)

type memoryTopic struct {
	nodes     map[string]models.GraphNode
	nodeOrder []string
	edges     map[string]models.GraphEdge
	edgeOrder []string
}

func newMemoryTopic() *memoryTopic {
	return &memoryTopic{
		nodes: make(map[string]models.GraphNode),
		edges: make(map[string]models.GraphEdge),
	}
}

// MemoryBackend keeps graphs in process memory, in insertion order. It is
// the fallback of last resort when no data directory is usable.
type MemoryBackend struct {
	mu     sync.RWMutex
	topics map[string]*memoryTopic
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{topics: make(map[string]*memoryTopic)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Probe(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) CreateNode(ctx context.Context, topic string, n models.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryWriter{m}.putNode(ctx, topic, n)
}

func (m *MemoryBackend) CreateEdge(ctx context.Context, topic string, e models.GraphEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryWriter{m}.putEdge(ctx, topic, e)
}

func (m *MemoryBackend) GetGraph(_ context.Context, topic string) (models.Graph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g := models.EmptyGraph()
	t := m.topics[topic]
	if t == nil {
		return g, nil
	}
	for _, id := range t.nodeOrder {
		g.Nodes = append(g.Nodes, t.nodes[id])
	}
	for _, id := range t.edgeOrder {
		g.Edges = append(g.Edges, t.edges[id])
	}
	return g, nil
}

func (m *MemoryBackend) ReplaceGraph(ctx context.Context, topic string, nodes []models.GraphNode, edges []models.GraphEdge) (ReplaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return applyReplace(ctx, memoryWriter{m}, m.Name(), topic, nodes, edges)
}

// memoryWriter assumes the caller holds m.mu for writing.
type memoryWriter struct{ m *MemoryBackend }

func (w memoryWriter) topic(name string) *memoryTopic {
	t := w.m.topics[name]
	if t == nil {
		t = newMemoryTopic()
		w.m.topics[name] = t
	}
	return t
}

func (w memoryWriter) clearTopic(_ context.Context, topic string) error {
	delete(w.m.topics, topic)
	return nil
}

func (w memoryWriter) putNode(_ context.Context, topic string, n models.GraphNode) error {
	t := w.topic(topic)
	if n.HasParent() {
		if _, ok := t.nodes[n.ParentID]; !ok {
			return missingParent(n)
		}
	}
	if _, exists := t.nodes[n.ID]; !exists {
		t.nodeOrder = append(t.nodeOrder, n.ID)
	}
	t.nodes[n.ID] = n
	return nil
}

func (w memoryWriter) putEdge(_ context.Context, topic string, e models.GraphEdge) error {
	t := w.topic(topic)
	if _, ok := t.nodes[e.SourceID]; !ok {
		return missingEndpoint(e, "source", e.SourceID)
	}
	if _, ok := t.nodes[e.TargetID]; !ok {
		return missingEndpoint(e, "target", e.TargetID)
	}
	if _, exists := t.edges[e.ID]; !exists {
		t.edgeOrder = append(t.edgeOrder, e.ID)
	}
	t.edges[e.ID] = e
	return nil
}
