package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/polyglossa/internal/coordinator"
	"github.com/MrWong99/polyglossa/internal/health"
	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// shutdownGrace bounds the ops server's drain once its context ends.
const shutdownGrace = 5 * time.Second

// OpsConfig assembles an [OpsServer].
type OpsConfig struct {
	// Addr is the TCP address to listen on, e.g. ":8090".
	Addr string

	// Host is the job host the endpoints operate on.
	Host *Host

	// Checkers are evaluated by /readyz, typically a store ping.
	Checkers []health.Checker

	// Metrics defaults to observe.DefaultMetrics. Logger defaults to
	// slog.Default.
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// OpsServer is the operational HTTP surface of the worker host:
//
//	GET    /metrics                              Prometheus scrape
//	GET    /healthz                              liveness
//	GET    /readyz                               readiness
//	POST   /jobs                                 dispatcher job intake
//	GET    /jobs                                 running job listing
//	DELETE /jobs/{room_id}                       job cancellation
//	GET    /rooms/{room_id}/translation-stats    coordinator stats snapshot
type OpsServer struct {
	host    *Host
	handler http.Handler
	srv     *http.Server
	log     *slog.Logger
}

// NewOpsServer builds the ops server and its routes.
func NewOpsServer(cfg OpsConfig) (*OpsServer, error) {
	if cfg.Host == nil {
		return nil, errors.New("worker: ops server needs a Host")
	}
	if cfg.Addr == "" {
		return nil, errors.New("worker: ops server needs an Addr")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &OpsServer{host: cfg.Host, log: cfg.Logger}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(cfg.Checkers...).Register(mux)
	mux.HandleFunc("POST /jobs", s.handleStartJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("DELETE /jobs/{room_id}", s.handleStopJob)
	mux.HandleFunc("GET /rooms/{room_id}/translation-stats", s.handleStats)

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, middleware included. Tests serve it
// through httptest.
func (s *OpsServer) Handler() http.Handler { return s.handler }

// Run listens and serves until ctx is cancelled, then drains in-flight
// requests for up to [shutdownGrace]. It returns ctx.Err() after a clean
// drain.
func (s *OpsServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("worker: ops listen on %s: %w", s.srv.Addr, err)
	}
	s.log.Info("ops server listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("worker: ops shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("worker: ops serve: %w", err)
	}
}

// startJobResponse is the JSON body returned from the job intake endpoint.
type startJobResponse struct {
	RoomID   string `json:"room_id"`
	RoomType string `json:"room_type"`
	Agent    string `json:"agent"`
}

// handleStartJob handles POST /jobs. The body is the dispatcher's job
// metadata record.
func (s *OpsServer) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var job Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid job body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := job.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if job.RoomType == "" {
		job.RoomType = types.RoomGeneral
	}

	if err := s.host.StartJob(r.Context(), job); err != nil {
		switch {
		case errors.Is(err, ErrJobExists):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, ErrHostClosed):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			// Join or prefetch trouble upstream of this process.
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, startJobResponse{
		RoomID:   job.RoomID,
		RoomType: string(job.RoomType),
		Agent:    AgentName,
	})
}

// handleListJobs handles GET /jobs.
func (s *OpsServer) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]JobStatus{"jobs": s.host.Jobs()})
}

// handleStopJob handles DELETE /jobs/{room_id}.
func (s *OpsServer) handleStopJob(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if err := s.host.StopJob(r.Context(), roomID); err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStats handles GET /rooms/{room_id}/translation-stats by proxying to
// the room coordinator's stats snapshot.
func (s *OpsServer) handleStats(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	stats, err := s.host.Stats(r.Context(), roomID)
	if err != nil {
		// A job that just ended reports as stopped; both read as absent.
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, coordinator.ErrStopped) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
