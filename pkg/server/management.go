package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nimburion/shardmesh/pkg/config"
	"github.com/nimburion/shardmesh/pkg/health"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/observability/metrics"
	"github.com/nimburion/shardmesh/pkg/shardworker"
)

// ShardStatusProvider reports the shard table served on /shards. *shardworker.Worker implements it.
type ShardStatusProvider interface {
	Status() shardworker.Status
}

// ManagementServer serves operational endpoints of a mesh node:
//   - /health: liveness, always 200
//   - /ready: readiness, 503 when any registered check is unhealthy
//   - /metrics: Prometheus metrics
//   - /shards: shard ownership and per-shard state of this node
type ManagementServer struct {
	*Server
	router          *mux.Router
	liveness        *health.PingChecker
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
	shards          ShardStatusProvider
}

// NewManagementServer creates the management server. A nil shards provider makes /shards
// answer 404.
func NewManagementServer(
	cfg config.ManagementConfig,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
	shards ShardStatusProvider,
) (*ManagementServer, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if healthRegistry == nil {
		healthRegistry = health.NewRegistry()
	}
	if metricsRegistry == nil {
		metricsRegistry = metrics.NewRegistry()
	}

	r := mux.NewRouter()
	r.Use(
		requestIDMiddleware(),
		loggingMiddleware(log),
		recoveryMiddleware(log),
		metrics.Middleware,
	)

	s := &ManagementServer{
		Server: NewServer(Config{
			Port:            cfg.Port,
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, r, log),
		router:          r,
		liveness:        health.NewPingChecker("liveness"),
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
		shards:          shards,
	}
	s.registerEndpoints()
	return s, nil
}

func (s *ManagementServer) registerEndpoints() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metricsRegistry.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/shards", s.handleShards).Methods(http.MethodGet)
}

func (s *ManagementServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	result := s.liveness.Check(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": result.Status, "message": result.Message})
}

func (s *ManagementServer) handleReady(w http.ResponseWriter, r *http.Request) {
	result := s.healthRegistry.Check(r.Context())
	if !result.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *ManagementServer) handleShards(w http.ResponseWriter, _ *http.Request) {
	if s.shards == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "not_found",
			"message": "no shard worker runs on this node",
		})
		return
	}
	writeJSON(w, http.StatusOK, s.shards.Status())
}

// Router returns the underlying router for registering custom routes.
func (s *ManagementServer) Router() *mux.Router {
	return s.router
}

// Handler returns the full handler chain, useful for in-process tests.
func (s *ManagementServer) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
