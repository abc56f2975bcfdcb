// Package httpapi exposes the orchestration service over HTTP: request
// submission, workflow runs, approval decisions, and event streaming.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/approval"
	"github.com/weaverhq/weaver/internal/events"
	"github.com/weaverhq/weaver/internal/orchestrator"
	"github.com/weaverhq/weaver/internal/workflow"
)

// API bundles the handlers for the public HTTP surface.
type API struct {
	service   *orchestrator.Service
	engine    *workflow.Engine
	approvals *approval.Service
	bus       *events.Bus
	authToken string
	logger    *zap.Logger
}

// New creates the API. An empty authToken disables bearer auth, which is
// only sensible behind a trusted proxy.
func New(service *orchestrator.Service, engine *workflow.Engine, approvals *approval.Service, bus *events.Bus, authToken string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:   service,
		engine:    engine,
		approvals: approvals,
		bus:       bus,
		authToken: authToken,
		logger:    logger,
	}
}

// RegisterRoutes registers all endpoints on the provided mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/requests", a.auth(a.handleRequest))
	mux.HandleFunc("POST /v1/workflows/{name}/runs", a.auth(a.handleWorkflowRun))
	mux.HandleFunc("POST /v1/approvals/decision", a.auth(a.handleApprovalDecision))
	mux.HandleFunc("GET /v1/stream/sse", a.auth(a.handleSSE))
	mux.HandleFunc("GET /v1/stream/ws", a.auth(a.handleWS))
}

// Start launches the API server on the given port and returns it for
// shutdown coordination.
func Start(port int, api *API, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE and WebSocket connections stay open
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
		}
	}()
	return srv
}

// auth enforces the bearer token when one is configured.
func (a *API) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.authToken != "" {
			got := r.Header.Get("Authorization")
			if !strings.HasPrefix(got, "Bearer ") || strings.TrimPrefix(got, "Bearer ") != a.authToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError trims the message for safe client output.
func writeError(w http.ResponseWriter, status int, msg string) {
	runes := []rune(msg)
	if len(runes) > 200 {
		msg = string(runes[:200])
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
