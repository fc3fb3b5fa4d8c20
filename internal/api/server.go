// Package api implements the control-plane HTTP surface (spec §6.1):
// the unauthenticated health/version/counts/agents endpoints and the
// bearer-token-authenticated claim/replenish/drain/reconcile/instance
// lifecycle endpoints. Routing and the writeJSON/writeError helpers are
// adapted from the teacher's internal/web/server.go — a stdlib
// net/http 1.22 method-pattern ServeMux rather than a third-party router,
// matching the teacher's own choice.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convos/agent-pool-manager/internal/auth"
	"github.com/convos/agent-pool-manager/internal/claim"
	"github.com/convos/agent-pool-manager/internal/claimset"
	"github.com/convos/agent-pool-manager/internal/config"
	"github.com/convos/agent-pool-manager/internal/logging"
	"github.com/convos/agent-pool-manager/internal/metastore"
	"github.com/convos/agent-pool-manager/internal/poolcache"
	"github.com/convos/agent-pool-manager/internal/poolerrors"
	"github.com/convos/agent-pool-manager/internal/provision"
	"github.com/convos/agent-pool-manager/internal/providerclient"
	"github.com/convos/agent-pool-manager/internal/reconciler"
)

// Ticker forces an immediate reconciler tick; satisfied by
// *reconciler.Reconciler. Kept narrow for testability.
type Ticker interface {
	TriggerTick(ctx context.Context)
}

// Provisioner creates a single replacement instance; satisfied by
// *provision.Provisioner.
type Provisioner interface {
	CreateInstance(ctx context.Context) (poolcache.Instance, error)
}

// ClaimDestroyer is the subset of *claim.Coordinator the API drives
// directly for manual lifecycle operations.
type ClaimDestroyer interface {
	Claim(ctx context.Context, req claim.Request) (claim.Result, error)
	Recycle(ctx context.Context, instanceID string) error
	Destroy(ctx context.Context, instanceID string) error
}

// Dependencies wires the API server to the rest of the pool manager.
type Dependencies struct {
	Cache          *poolcache.Cache
	Meta           *metastore.Store
	Claims         *claimset.Set
	Coordinator    ClaimDestroyer
	Reconciler     Ticker
	Provisioner    Provisioner
	Config         *config.Config
	MetricsEnabled bool
	Version        string
	Log            *logging.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
	srv  *http.Server
}

// NewServer creates a Server with every route from spec §6.1 registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /version", s.handleVersion)
	s.mux.HandleFunc("GET /pool/counts", s.handleCounts)
	s.mux.HandleFunc("GET /pool/agents", s.handleAgents)
	s.mux.HandleFunc("GET /", s.handleDashboardPlaceholder)

	if s.deps.MetricsEnabled {
		s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		})
	}

	authed := auth.Middleware(s.deps.Config.BearerToken)
	s.mux.Handle("POST /pool/claim", authed(http.HandlerFunc(s.handleClaim)))
	s.mux.Handle("POST /pool/replenish", authed(http.HandlerFunc(s.handleReplenish)))
	s.mux.Handle("POST /pool/drain", authed(http.HandlerFunc(s.handleDrain)))
	s.mux.Handle("POST /pool/reconcile", authed(http.HandlerFunc(s.handleReconcile)))
	s.mux.Handle("DELETE /pool/instances/{id}", authed(http.HandlerFunc(s.handleRecycleOrDestroy)))
	s.mux.Handle("DELETE /pool/instances/{id}/destroy", authed(http.HandlerFunc(s.handleDestroy)))
	s.mux.Handle("DELETE /pool/crashed/{id}", authed(http.HandlerFunc(s.handleDismissCrashed)))
	s.mux.Handle("GET /pool/status", authed(http.HandlerFunc(s.handleStatus)))
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control plane listening", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests that want to drive requests directly
// without binding a real listener.
func (s *Server) Handler() http.Handler { return s.mux }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a domain error to an HTTP status per spec §7's
// propagation rules: 4xx for caller errors, 503 for NoIdleAvailable and
// provider-transient failures on the create path, 500 for everything
// unexpected.
func writeErr(w http.ResponseWriter, err error) {
	var pe *poolerrors.Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case poolerrors.KindBadRequest:
			writeError(w, http.StatusBadRequest, pe.Message)
		case poolerrors.KindUnauthorized:
			writeError(w, http.StatusUnauthorized, pe.Message)
		case poolerrors.KindNotFound:
			writeError(w, http.StatusNotFound, pe.Message)
		case poolerrors.KindNoIdleAvailable:
			writeError(w, http.StatusServiceUnavailable, pe.Message)
		case poolerrors.KindConflict:
			writeError(w, http.StatusConflict, pe.Message)
		case poolerrors.KindTimedOut:
			writeError(w, http.StatusGatewayTimeout, pe.Message)
		default:
			writeError(w, http.StatusInternalServerError, pe.Message)
		}
		return
	}

	var transient *providerclient.TransientProviderError
	if errors.As(err, &transient) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeError(w, http.StatusInternalServerError, err.Error())
}
