// Package api exposes the bridge over HTTP: swap operations, status
// queries, health, Prometheus metrics and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/health"
	"github.com/starbridge-labs/starbridge/internal/orchestrator"
	"github.com/starbridge-labs/starbridge/internal/relayer"
	"github.com/starbridge-labs/starbridge/internal/storage"
	"github.com/starbridge-labs/starbridge/pkg/logging"
)

// Server is the bridge's HTTP front end.
type Server struct {
	orch    *orchestrator.Orchestrator
	relayer *relayer.Relayer
	checker *health.Checker
	log     *logging.Logger
	wsHub   *WSHub

	server   *http.Server
	listener net.Listener
}

// errorBody is the JSON shape of every error response. Code carries the
// error kind, not the HTTP status.
type errorBody struct {
	Error string           `json:"error"`
	Code  chains.ErrorKind `json:"code"`
}

// NewServer creates the HTTP server and hooks the orchestrator's update
// callbacks into the WebSocket hub.
func NewServer(orch *orchestrator.Orchestrator, rel *relayer.Relayer, checker *health.Checker) *Server {
	s := &Server{
		orch:    orch,
		relayer: rel,
		checker: checker,
		log:     logging.GetDefault().Component("api"),
		wsHub:   NewWSHub(),
	}

	orch.OnSwapUpdated = func(swap *storage.Swap) {
		s.wsHub.Broadcast(EventSwapUpdated, swap)
	}
	orch.OnChainEvent = func(ev chains.Event) {
		s.wsHub.Broadcast(EventChainEvent, ev)
	}
	return s
}

// Handler builds the route table. Split out from Start so tests can
// drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /swap/initiate", s.handleInitiate)
	mux.HandleFunc("POST /swap/complete/{id}", s.handleComplete)
	mux.HandleFunc("POST /swap/refund/{id}", s.handleRefund)
	mux.HandleFunc("GET /swap/status/{id}", s.handleStatus)
	mux.HandleFunc("GET /swap/all", s.handleList)
	mux.HandleFunc("GET /relayer/metrics", s.handleRelayerMetrics)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.checker.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", s.handleWS)

	return corsMiddleware(mux)
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("API server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, chains.KindValidation, "invalid JSON body")
		return
	}

	swap, err := s.orch.Initiate(r.Context(), &req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, chains.KindValidation, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, swap)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	swap, err := s.orch.Complete(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, swap)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	swap, err := s.orch.Refund(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, swap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	swap, err := s.orch.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	tasks, err := s.orch.Tasks(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, chains.KindInternal, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*storage.RelayTask{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"swap":          swap,
		"relayer_tasks": tasks,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	swaps, err := s.orch.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, chains.KindInternal, err.Error())
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := swaps[:0]
		for _, swap := range swaps {
			if string(swap.Status) == status {
				filtered = append(filtered, swap)
			}
		}
		swaps = filtered
	}
	if swaps == nil {
		swaps = []*storage.Swap{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"swaps": swaps,
		"count": len(swaps),
	})
}

func (s *Server) handleRelayerMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.relayer.Metrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Report(r.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, report)
}

// ============================================================================
// Response helpers
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind chains.ErrorKind, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg, Code: kind})
}

// writeDomainError classifies a domain error into an HTTP status and an
// error kind. Dispatch is on sentinels and kinds, never on message text.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	s.writeError(w, status, kind, err.Error())
}

func classify(err error) (int, chains.ErrorKind) {
	switch {
	case errors.Is(err, storage.ErrSwapNotFound):
		return http.StatusNotFound, chains.KindValidation
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict, chains.KindInvariantViolation
	}
	switch kind := chains.KindOf(err); kind {
	case chains.KindValidation:
		return http.StatusBadRequest, kind
	case chains.KindAlreadyInState:
		return http.StatusConflict, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
