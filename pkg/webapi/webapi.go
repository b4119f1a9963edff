// This file is to handle things such as metrics/health/log levels, etc

package webapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/gocbtopology/topology"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TopologyProvider exposes the state of a topology for diagnostics.
type TopologyProvider interface {
	IsGlobal() bool
	NodeInfos() []topology.NodeInfo
	Buckets() []topology.Bucket
}

var _ TopologyProvider = (*topology.Topology)(nil)

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Topology      TopologyProvider
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	topology      TopologyProvider
	httpServer    *http.Server
}

func newWebServer(opts WebServerOptions) *WebServer {
	return &WebServer{
		logger:        opts.Logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		topology:      opts.Topology,
	}
}

type healthJson struct {
	Status  string   `json:"status"`
	Global  bool     `json:"global"`
	Nodes   int      `json:"nodes"`
	Buckets []string `json:"buckets"`
}

type nodesJson struct {
	Nodes []topology.NodeInfo `json:"nodes"`
}

func (w *WebServer) writeJson(rw http.ResponseWriter, statusCode int, value interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode)

	err := json.NewEncoder(rw).Encode(value)
	if err != nil {
		w.logger.Debug("failed to write json response", zap.Error(err))
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the cbtopology internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if w.topology == nil {
		w.writeJson(rw, http.StatusServiceUnavailable, healthJson{Status: "starting"})
		return
	}

	health := healthJson{
		Status:  "ok",
		Global:  w.topology.IsGlobal(),
		Nodes:   len(w.topology.NodeInfos()),
		Buckets: []string{},
	}
	for _, bucket := range w.topology.Buckets() {
		health.Buckets = append(health.Buckets, bucket.Name())
	}

	statusCode := http.StatusOK
	if health.Nodes == 0 {
		health.Status = "no nodes"
		statusCode = http.StatusServiceUnavailable
	}

	w.writeJson(rw, statusCode, health)
}

func (w *WebServer) handleNodes(rw http.ResponseWriter, r *http.Request) {
	if w.topology == nil {
		w.writeJson(rw, http.StatusServiceUnavailable, nodesJson{Nodes: []topology.NodeInfo{}})
		return
	}

	nodes := w.topology.NodeInfos()
	bucketName := r.URL.Query().Get("bucket")
	if bucketName != "" {
		filtered := make([]topology.NodeInfo, 0, len(nodes))
		for _, node := range nodes {
			if node.Bucket == bucketName {
				filtered = append(filtered, node)
			}
		}
		nodes = filtered
	}

	w.writeJson(rw, http.StatusOK, nodesJson{Nodes: nodes})
}

// Handler builds the router serving the web api.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/nodes", w.handleNodes).Methods(http.MethodGet)
	if w.logLevel != nil {
		r.Handle("/loglevel", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	return r
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = newWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			opts.Logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}
