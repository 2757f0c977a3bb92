package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/apierror"
	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/coordinator"
	"github.com/dreamware/conveyor/internal/plugins"
	"github.com/dreamware/conveyor/internal/storage"
)

type testServer struct {
	store *storage.MemoryStore
	coord *coordinator.Coordinator
	srv   *httptest.Server
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	store := storage.NewMemoryStore()
	gen := connector.NewGenerator(plugins.Builtin())
	coord := coordinator.New(store, gen, coordinator.Options{ID: "c1", SessionTimeout: 10 * time.Second}, zap.NewNop())
	srv := httptest.NewServer(New(store, coord, gen, opts, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return &testServer{store: store, coord: coord, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body apierror.Body
	decodeBody(t, resp, &body)
	return body.ErrorCode
}

func verifiableConfig(tasks string) map[string]string {
	return map[string]string{
		connector.ClassConfig:    plugins.VerifiableSourceClass,
		connector.TasksMaxConfig: tasks,
		plugins.TopicConfig:      "events",
	}
}

func TestConnectorLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := ts.do(t, http.MethodPost, "/connectors", CreateConnectorRequest{Name: "v", Config: verifiableConfig("2")})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created ConnectorInfo
	decodeBody(t, resp, &created)
	assert.Equal(t, "v", created.Name)
	assert.Equal(t, "v", created.Config[connector.NameConfig])
	assert.Equal(t, []cluster.TaskID{{Connector: "v", Task: 0}, {Connector: "v", Task: 1}}, created.Tasks)

	resp = ts.do(t, http.MethodGet, "/connectors/v", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw map[string]json.RawMessage
	decodeBody(t, resp, &raw)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"name", "config", "tasks"}, keys)

	resp = ts.do(t, http.MethodPost, "/connectors", CreateConnectorRequest{Name: "v", Config: verifiableConfig("1")})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONV-9", errorCode(t, resp))

	resp = ts.do(t, http.MethodGet, "/connectors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var names []string
	decodeBody(t, resp, &names)
	assert.Equal(t, []string{"v"}, names)

	resp = ts.do(t, http.MethodGet, "/connectors/v/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg map[string]string
	decodeBody(t, resp, &cfg)
	assert.Equal(t, "2", cfg[connector.TasksMaxConfig])

	resp = ts.do(t, http.MethodGet, "/connectors/v/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []TaskInfo
	decodeBody(t, resp, &tasks)
	require.Len(t, tasks, 2)
	assert.Equal(t, "1", tasks[1].Config[plugins.IDConfig])

	resp = ts.do(t, http.MethodPut, "/connectors/v/config", verifiableConfig("3"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated ConnectorInfo
	decodeBody(t, resp, &updated)
	assert.Len(t, updated.Tasks, 3)

	resp = ts.do(t, http.MethodDelete, "/connectors/v", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodDelete, "/connectors/v", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/connectors/v", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutConfigCreates(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := ts.do(t, http.MethodPut, "/connectors/v/config", verifiableConfig("1"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/connectors/v/config", verifiableConfig("1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{
			name:   "missing name",
			method: http.MethodPost,
			path:   "/connectors",
			body:   CreateConnectorRequest{Config: verifiableConfig("1")},
			code:   http.StatusBadRequest,
		},
		{
			name:   "unknown class",
			method: http.MethodPost,
			path:   "/connectors",
			body:   CreateConnectorRequest{Name: "x", Config: map[string]string{connector.ClassConfig: "Nope"}},
			code:   http.StatusBadRequest,
		},
		{
			name:   "plugin validation",
			method: http.MethodPost,
			path:   "/connectors",
			body:   CreateConnectorRequest{Name: "x", Config: map[string]string{connector.ClassConfig: plugins.VerifiableSourceClass}},
			code:   http.StatusBadRequest,
		},
		{
			name:   "mismatched name",
			method: http.MethodPut,
			path:   "/connectors/x/config",
			body:   map[string]string{connector.NameConfig: "y", connector.ClassConfig: plugins.VerifiableSourceClass, plugins.TopicConfig: "t"},
			code:   http.StatusBadRequest,
		},
		{
			name:   "bad tasks.max",
			method: http.MethodPut,
			path:   "/connectors/x/config",
			body:   map[string]string{connector.ClassConfig: plugins.VerifiableSourceClass, plugins.TopicConfig: "t", connector.TasksMaxConfig: "0"},
			code:   http.StatusBadRequest,
		},
		{
			name:   "missing connector",
			method: http.MethodGet,
			path:   "/connectors/missing/tasks",
			code:   http.StatusNotFound,
		},
		{
			name:   "unknown route",
			method: http.MethodGet,
			path:   "/nope",
			code:   http.StatusNotFound,
		},
		{
			name:   "wrong method",
			method: http.MethodPatch,
			path:   "/connectors",
			code:   http.StatusMethodNotAllowed,
		},
	}

	ts := newTestServer(t, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			var body apierror.Body
			decodeBody(t, resp, &body)
			assert.NotEmpty(t, body.ErrorCode)
			assert.NotEmpty(t, body.Message)
		})
	}

	names, err := ts.store.ListConnectors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names, "rejected configs are never stored")
}

func TestControlEndpoints(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	resp := ts.do(t, http.MethodPost, "/connectors", CreateConnectorRequest{Name: "v", Config: verifiableConfig("2")})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/connectors/v/pause", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	conn, err := ts.store.GetConnector(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, cluster.TargetPaused, conn.TargetState)

	resp = ts.do(t, http.MethodPut, "/connectors/v/resume", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/connectors/v/restart", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/connectors/v/tasks/1/restart", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/connectors/v/tasks/5/restart", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, err = ts.store.GetConnector(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, cluster.TargetStarted, conn.TargetState)
	assert.Equal(t, int64(1), conn.RestartCount(0))
	assert.Equal(t, int64(2), conn.RestartCount(1))

	resp = ts.do(t, http.MethodPut, "/connectors/missing/pause", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEndpoints(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp := ts.do(t, http.MethodPost, "/connectors", CreateConnectorRequest{Name: "v", Config: verifiableConfig("1")})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/connectors/v/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status coordinator.ConnectorStatus
	decodeBody(t, resp, &status)
	assert.Equal(t, "v", status.Name)
	require.Len(t, status.Tasks, 1)
	assert.Equal(t, cluster.TaskUnassigned, status.Tasks[0].State, "nothing runs before a worker joins")

	resp = ts.do(t, http.MethodGet, "/connectors/v/tasks/0/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/connectors/v/tasks/3/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReadCacheInvalidatedByLocalWrites(t *testing.T) {
	ts := newTestServer(t, Options{CacheTTL: time.Hour})
	ctx := context.Background()

	resp := ts.do(t, http.MethodGet, "/connectors", nil)
	var names []string
	decodeBody(t, resp, &names)
	assert.Empty(t, names)

	// a write through another replica is not visible until the entry expires
	_, err := ts.store.CreateConnector(ctx, "remote", map[string]string{"name": "remote"})
	require.NoError(t, err)
	resp = ts.do(t, http.MethodGet, "/connectors", nil)
	decodeBody(t, resp, &names)
	assert.Empty(t, names)

	// a local write invalidates
	resp = ts.do(t, http.MethodPost, "/connectors", CreateConnectorRequest{Name: "v", Config: verifiableConfig("1")})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/connectors", nil)
	decodeBody(t, resp, &names)
	assert.Equal(t, []string{"remote", "v"}, names)
}

func TestClusterEndpoints(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := ts.do(t, http.MethodPost, "/cluster/heartbeat", cluster.HeartbeatRequest{
		Node: cluster.NodeInfo{ID: "w1", Addr: "http://w1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb cluster.HeartbeatResponse
	decodeBody(t, resp, &hb)
	assert.False(t, hb.Member)
	assert.Equal(t, int64(10000), hb.SessionTimeoutMS)

	resp = ts.do(t, http.MethodPost, "/cluster/heartbeat", cluster.HeartbeatRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/cluster/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state cluster.State
	decodeBody(t, resp, &state)
	assert.Equal(t, cluster.PhaseStable, state.Phase)

	resp = ts.do(t, http.MethodPut, "/cluster/offsets/v", cluster.OffsetsDocument{Offsets: cluster.Offsets{"/tmp/in": "42"}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/cluster/offsets/v", nil)
	var doc cluster.OffsetsDocument
	decodeBody(t, resp, &doc)
	assert.Equal(t, "42", doc.Offsets["/tmp/in"])

	resp = ts.do(t, http.MethodPost, "/topics/events/records", cluster.ProduceRequest{Values: []string{"a", "b", "c"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var produced cluster.ProduceResponse
	decodeBody(t, resp, &produced)
	assert.Equal(t, cluster.ProduceResponse{FirstOffset: 0, NextOffset: 3}, produced)

	resp = ts.do(t, http.MethodGet, "/topics/events/records?offset=1&max=1", nil)
	var fetched cluster.FetchResponse
	decodeBody(t, resp, &fetched)
	assert.Equal(t, []cluster.TopicRecord{{Offset: 1, Value: "b"}}, fetched.Records)
	assert.Equal(t, int64(2), fetched.NextOffset)

	resp = ts.do(t, http.MethodGet, "/topics/events/records?offset=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInfoEndpoints(t *testing.T) {
	ts := newTestServer(t, Options{Version: "1.2.3", Commit: "abc", Leader: func() string { return "c1" }})

	resp := ts.do(t, http.MethodGet, "/", nil)
	var info ServerInfo
	decodeBody(t, resp, &info)
	assert.Equal(t, ServerInfo{Version: "1.2.3", Commit: "abc", CoordinatorID: "c1"}, info)

	resp = ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health Health
	decodeBody(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "c1", health.Leader)

	resp = ts.do(t, http.MethodGet, "/connector-plugins", nil)
	var infos []connector.PluginInfo
	decodeBody(t, resp, &infos)
	assert.NotEmpty(t, infos)

	resp = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
