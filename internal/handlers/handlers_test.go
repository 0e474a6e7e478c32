package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolegraph/rolegraph/internal/graphstore"
	"github.com/rolegraph/rolegraph/internal/models"
	"github.com/rolegraph/rolegraph/internal/websocket"
)

const roleModel = "11111111-1111-1111-1111-111111111111"

// frameSink stands in for the connection manager.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) Deliver(_ string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *frameSink) last(t *testing.T) map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.frames)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(s.frames[len(s.frames)-1], &m))
	return m
}

type fixture struct {
	router http.Handler
	store  *graphstore.Adapter
	sink   *frameSink
}

func newFixture(t *testing.T, primary graphstore.Backend, fallback graphstore.Backend) *fixture {
	t.Helper()
	if fallback == nil {
		fallback = graphstore.NewMemoryBackend()
	}
	store := graphstore.New(primary, fallback, graphstore.Options{})
	reg := websocket.NewRegistry()
	reg.Subscribe(roleModel, "viewer")
	sink := &frameSink{}
	hub := websocket.NewHub(reg, sink, nil)

	h := NewGraphHandler(store, hub)
	sys := NewSystemHandler(store, stubCount(2), reg, nil, nil)
	r := chi.NewRouter()
	r.Get("/api/v1/system/health", sys.Health)
	r.Route("/api/v1/role-models/{id}", func(r chi.Router) {
		r.Get("/graph", h.Get)
		r.Put("/graph", h.Replace)
		r.Post("/graph/nodes", h.CreateNode)
		r.Post("/graph/edges", h.CreateEdge)
		r.Post("/progress", h.Progress)
		r.Post("/thoughts", h.Thoughts)
	})
	return &fixture{router: r, store: store, sink: sink}
}

type stubCount int

func (s stubCount) Count() int { return int(s) }

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func TestGetEmptyGraph(t *testing.T) {
	f := newFixture(t, nil, nil)
	rr := f.do(t, http.MethodGet, "/api/v1/role-models/"+roleModel+"/graph", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"nodes":[],"edges":[]}`, rr.Body.String())
}

func TestInvalidRoleModelID(t *testing.T) {
	f := newFixture(t, nil, nil)
	for _, id := range []string{"default", "role-42"} {
		rr := f.do(t, http.MethodGet, "/api/v1/role-models/"+id+"/graph", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, id)
	}
}

func TestCreateNodeBroadcastsPartialDelta(t *testing.T) {
	f := newFixture(t, nil, nil)
	rr := f.do(t, http.MethodPost, "/api/v1/role-models/"+roleModel+"/graph/nodes",
		map[string]interface{}{"name": "Distributed systems", "level": 0})

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp nodeResponse
	decode(t, rr, &resp)
	assert.Len(t, resp.Node.ID, 36, "missing id is generated")
	assert.Equal(t, 1, resp.Delivered)

	frame := f.sink.last(t)
	assert.Equal(t, "knowledge_graph_update", frame["type"])
	assert.Equal(t, "partial", frame["payload"].(map[string]interface{})["updateType"])

	g, err := f.store.GetGraph(context.Background(), roleModel)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 1)
}

func TestCreateEntityErrorsAre422(t *testing.T) {
	f := newFixture(t, nil, nil)
	base := "/api/v1/role-models/" + roleModel

	rr := f.do(t, http.MethodPost, base+"/graph/nodes",
		models.GraphNode{ID: "child", Name: "Child", Level: 2, ParentID: "missing"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(t, http.MethodPost, base+"/graph/nodes", models.GraphNode{ID: "nameless"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	f.do(t, http.MethodPost, base+"/graph/nodes", models.GraphNode{ID: "a", Name: "A"})
	rr = f.do(t, http.MethodPost, base+"/graph/edges", models.GraphEdge{ID: "e", SourceID: "a", TargetID: "a", Strength: 9})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestMalformedBodyIs400(t *testing.T) {
	f := newFixture(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/role-models/"+roleModel+"/graph/nodes", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReplaceGraph(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := "/api/v1/role-models/" + roleModel + "/graph"

	rr := f.do(t, http.MethodPut, path, models.Graph{
		Nodes: []models.GraphNode{
			{ID: "skill", Name: "Go", Level: 1, ParentID: "root"},
			{ID: "root", Name: "Backend engineer", Level: 0},
			{ID: "orphan", Name: "Orphan", Level: 1, ParentID: "ghost"},
		},
		Edges: []models.GraphEdge{{ID: "e1", SourceID: "root", TargetID: "skill"}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp replaceResponse
	decode(t, rr, &resp)
	assert.Equal(t, 2, resp.NodesWritten)
	assert.Equal(t, 1, resp.NodesFailed)
	assert.Equal(t, 1, resp.EdgesWritten)
	assert.Equal(t, 1, resp.Delivered)

	frame := f.sink.last(t)
	payload := frame["payload"].(map[string]interface{})
	assert.Equal(t, "create", payload["updateType"])
	assert.Len(t, payload["nodes"], 2, "the broadcast carries what was stored")

	rr = f.do(t, http.MethodGet, path, nil)
	var g models.Graph
	decode(t, rr, &g)
	assert.Len(t, g.Nodes, 2)
}

// downBackend fails every call like an unreachable server.
type downBackend struct{ name string }

var errDown = errors.New("connection refused")

func (d downBackend) Name() string                { return d.name }
func (d downBackend) Probe(context.Context) error { return nil }
func (d downBackend) Close() error                { return nil }

func (d downBackend) CreateNode(context.Context, string, models.GraphNode) error { return errDown }
func (d downBackend) CreateEdge(context.Context, string, models.GraphEdge) error { return errDown }

func (d downBackend) GetGraph(context.Context, string) (models.Graph, error) {
	return models.EmptyGraph(), errDown
}
func (d downBackend) ReplaceGraph(context.Context, string, []models.GraphNode, []models.GraphEdge) (graphstore.ReplaceResult, error) {
	return graphstore.ReplaceResult{}, errDown
}

func TestStorageFailureIs503(t *testing.T) {
	f := newFixture(t, downBackend{"neo4j"}, downBackend{"sqlite"})
	rr := f.do(t, http.MethodGet, "/api/v1/role-models/"+roleModel+"/graph", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestPrimaryFailureIsInvisible(t *testing.T) {
	f := newFixture(t, downBackend{"neo4j"}, nil)
	rr := f.do(t, http.MethodPost, "/api/v1/role-models/"+roleModel+"/graph/nodes", models.GraphNode{ID: "n", Name: "N"})
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/system/health", nil)
	var rep healthReport
	decode(t, rr, &rep)
	assert.Equal(t, "degraded", rep.Status)
	assert.Equal(t, "fallback", rep.Storage.State)
	assert.Equal(t, "memory", rep.Storage.Backend)
	assert.Equal(t, int64(1), rep.Storage.Failovers)
}

func TestProgressAcceptsPercentAlias(t *testing.T) {
	f := newFixture(t, nil, nil)
	rr := f.do(t, http.MethodPost, "/api/v1/role-models/"+roleModel+"/progress",
		map[string]interface{}{"message": "generating", "percent": 40, "stage": "skills"})
	require.Equal(t, http.StatusOK, rr.Code)

	var res websocket.Result
	decode(t, rr, &res)
	assert.Equal(t, websocket.Result{Recipients: 1, Delivered: 1}, res)

	frame := f.sink.last(t)
	assert.Equal(t, "progress", frame["type"])
	assert.Equal(t, float64(40), frame["progress"])
	assert.Equal(t, "skills", frame["stage"])
}

func TestThoughts(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := "/api/v1/role-models/" + roleModel + "/thoughts"

	rr := f.do(t, http.MethodPost, path, map[string]interface{}{"thoughts": "who am I"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, "agentName is required")

	rr = f.do(t, http.MethodPost, path, map[string]interface{}{
		"agentName": "planner",
		"content":   "mapping skills",
		"thinking":  []map[string]string{{"content": "list tools"}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	frame := f.sink.last(t)
	assert.Equal(t, "agent_thoughts", frame["type"])
	assert.Equal(t, "mapping skills", frame["thoughts"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, nil)
	rr := f.do(t, http.MethodGet, "/api/v1/system/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var rep healthReport
	decode(t, rr, &rep)
	assert.Equal(t, "ok", rep.Status)
	assert.Equal(t, 2, rep.Connections)
	assert.Equal(t, 1, rep.Topics)
	assert.Equal(t, "fallback", rep.Storage.State)
}
