package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/rolegraph/rolegraph/internal/envelope"
	"github.com/rolegraph/rolegraph/internal/graphstore"
	"github.com/rolegraph/rolegraph/internal/logger"
	"github.com/rolegraph/rolegraph/internal/models"
	"github.com/rolegraph/rolegraph/internal/websocket"
)

type GraphStore interface {
	CreateNode(ctx context.Context, topic string, n models.GraphNode) error
	CreateEdge(ctx context.Context, topic string, e models.GraphEdge) error
	GetGraph(ctx context.Context, topic string) (models.Graph, error)
	ReplaceGraph(ctx context.Context, topic string, nodes []models.GraphNode, edges []models.GraphEdge) (graphstore.ReplaceResult, error)
}

type Publisher interface {
	PublishGraphDelta(topic string, kind envelope.UpdateKind, nodes []models.GraphNode, edges []models.GraphEdge) (websocket.Result, error)
	PublishStage(topic string, p envelope.Progress) (websocket.Result, error)
	PublishThought(topic string, t envelope.Thought) (websocket.Result, error)
}

// GraphHandler persists knowledge-graph writes and announces them to the
// role model's live viewers.
type GraphHandler struct {
	store GraphStore
	hub   Publisher
}

func NewGraphHandler(store GraphStore, hub Publisher) *GraphHandler {
	return &GraphHandler{store: store, hub: hub}
}

func (h *GraphHandler) Get(w http.ResponseWriter, r *http.Request) {
	topic, ok := roleModelID(w, r)
	if !ok {
		return
	}
	g, err := h.store.GetGraph(r.Context(), topic)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type replaceResponse struct {
	graphstore.ReplaceResult
	Delivered int `json:"delivered"`
}

// Replace swaps the whole graph, then broadcasts what was actually stored.
func (h *GraphHandler) Replace(w http.ResponseWriter, r *http.Request) {
	topic, ok := roleModelID(w, r)
	if !ok {
		return
	}
	var g models.Graph
	if err := decodeJSON(w, r, &g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.store.ReplaceGraph(r.Context(), topic, g.Nodes, g.Edges)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	stored, err := h.store.GetGraph(r.Context(), topic)
	if err != nil {
		logger.Warn("Graph %s replaced but could not be re-read for broadcast: %v", topic, err)
		stored = g
	}
	pub, _ := h.hub.PublishGraphDelta(topic, envelope.UpdateCreate, stored.Nodes, stored.Edges)
	writeJSON(w, http.StatusOK, replaceResponse{ReplaceResult: res, Delivered: pub.Delivered})
}

type nodeResponse struct {
	Node      models.GraphNode `json:"node"`
	Delivered int              `json:"delivered"`
}

func (h *GraphHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	topic, ok := roleModelID(w, r)
	if !ok {
		return
	}
	var n models.GraphNode
	if err := decodeJSON(w, r, &n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n = n.Normalize()

	if err := h.store.CreateNode(r.Context(), topic, n); err != nil {
		writeStoreError(w, err)
		return
	}
	pub, _ := h.hub.PublishGraphDelta(topic, envelope.UpdatePartial, []models.GraphNode{n}, nil)
	writeJSON(w, http.StatusCreated, nodeResponse{Node: n, Delivered: pub.Delivered})
}

type edgeResponse struct {
	Edge      models.GraphEdge `json:"edge"`
	Delivered int              `json:"delivered"`
}

func (h *GraphHandler) CreateEdge(w http.ResponseWriter, r *http.Request) {
	topic, ok := roleModelID(w, r)
	if !ok {
		return
	}
	var e models.GraphEdge
	if err := decodeJSON(w, r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e = e.Normalize()

	if err := h.store.CreateEdge(r.Context(), topic, e); err != nil {
		writeStoreError(w, err)
		return
	}
	pub, _ := h.hub.PublishGraphDelta(topic, envelope.UpdatePartial, nil, []models.GraphEdge{e})
	writeJSON(w, http.StatusCreated, edgeResponse{Edge: e, Delivered: pub.Delivered})
}
