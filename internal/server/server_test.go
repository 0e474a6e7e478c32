package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolegraph/rolegraph/internal/auth"
	"github.com/rolegraph/rolegraph/internal/envelope"
	"github.com/rolegraph/rolegraph/internal/graphstore"
	"github.com/rolegraph/rolegraph/internal/metrics"
	ws "github.com/rolegraph/rolegraph/internal/websocket"
)

const roleModel = "3f2b8c1e-9a4d-4e7b-8c21-5d6f7a8b9c0d"

type testEnv struct {
	ts    *httptest.Server
	token string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	authSvc := auth.NewService("test-secret")
	m := metrics.New("rolegraph")
	reg := ws.NewRegistry()
	mgr := ws.NewManager(reg, ws.ManagerConfig{Identify: authSvc.Identify, Metrics: m})
	srv := New(Config{
		Store:    graphstore.New(nil, graphstore.NewMemoryBackend(), graphstore.Options{Metrics: m}),
		Registry: reg,
		Manager:  mgr,
		Hub:      ws.NewHub(reg, mgr, m),
		Auth:     authSvc,
		Metrics:  m,
	})
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(func() {
		mgr.Shutdown()
		ts.Close()
	})

	token, err := authSvc.GenerateToken("agent-1", "planner")
	require.NoError(t, err)
	return &testEnv{ts: ts, token: token}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/api/v1/system/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestProducerRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/role-models/" + roleModel + "/graph/nodes"

	resp := env.post(t, path, map[string]string{"id": "n1", "name": "Root"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.post(t, path, map[string]string{"id": "n1", "name": "Root"}, env.token)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestUnknownAPIRouteIs404(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/api/v1/nothing-here")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestViewerReceivesProducerEvents(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, envelope.SubscribeRequest(strings.ToUpper(roleModel))))
	var confirmed map[string]interface{}
	require.NoError(t, conn.ReadJSON(&confirmed))
	assert.Equal(t, "subscription_confirmed", confirmed["type"])
	assert.Equal(t, roleModel, confirmed["roleModelId"])

	resp := env.post(t, "/api/v1/role-models/"+roleModel+"/progress",
		map[string]interface{}{"message": "mapping skills", "progress": 55}, env.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env2, err := envelope.Decode(data)
	require.NoError(t, err)
	p, ok := env2.Progress()
	require.True(t, ok)
	assert.Equal(t, 55, p.Percent)
	assert.Equal(t, "mapping skills", p.Message)
	assert.Equal(t, roleModel, env2.Topic())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rolegraph_ws_connections")
}
