package webapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/couchbase/gocbtopology/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeTopology struct {
	nodes []topology.NodeInfo
}

func (f *fakeTopology) IsGlobal() bool { return true }
func (f *fakeTopology) NodeInfos() []topology.NodeInfo { return f.nodes }
func (f *fakeTopology) Buckets() []topology.Bucket { return nil }

func newTestWebServer(t *testing.T, topo TopologyProvider) (*WebServer, *zap.AtomicLevel) {
	logLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	return newWebServer(WebServerOptions{
		Logger:   zaptest.NewLogger(t),
		LogLevel: &logLevel,
		Topology: topo,
	}), &logLevel
}

func TestWebServerNodes(t *testing.T) {
	srv, _ := newTestWebServer(t, &fakeTopology{
		nodes: []topology.NodeInfo{
			{Endpoint: "node1:11210", Bucket: "default", Services: []string{"kv"}},
			{Endpoint: "node2:11210", Services: []string{"kv", "query"}},
		},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp nodesJson
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Nodes, 2)
	assert.Equal(t, "node1:11210", resp.Nodes[0].Endpoint)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes?bucket=default", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp = nodesJson{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, "default", resp.Nodes[0].Bucket)
}

func TestWebServerHealth(t *testing.T) {
	srv, _ := newTestWebServer(t, &fakeTopology{
		nodes: []topology.NodeInfo{{Endpoint: "node1:11210"}},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthJson
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Global)
	assert.Equal(t, 1, resp.Nodes)
}

func TestWebServerHealthWithoutNodes(t *testing.T) {
	srv, _ := newTestWebServer(t, &fakeTopology{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv, _ = newTestWebServer(t, nil)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebServerLogLevel(t *testing.T) {
	srv, logLevel := newTestWebServer(t, &fakeTopology{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/loglevel",
		strings.NewReader(`{"level":"debug"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zap.DebugLevel, logLevel.Level())
}

func TestWebServerMetrics(t *testing.T) {
	srv, _ := newTestWebServer(t, &fakeTopology{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
