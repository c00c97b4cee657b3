package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/storm-stream-client/internal/domain"
	"github.com/couchcryptid/storm-stream-client/internal/observability"
	"github.com/couchcryptid/storm-stream-client/internal/registry"
	"github.com/couchcryptid/storm-stream-client/internal/state"
)

// RegionController starts and stops region streams on behalf of presentation.
type RegionController interface {
	StartRegion(ctx context.Context, region string) error
	StopRegion(region string)
	StopAll()
	ActiveRegions() []string
	CheckReadiness(ctx context.Context) error
}

// Authenticator drives the browser login flow. Optional.
type Authenticator interface {
	AuthURL() string
	ExchangeCode(ctx context.Context, code string) error
	Logout(ctx context.Context) error
}

// Options wires the server's collaborators. Auth and OnLogin may be nil.
type Options struct {
	Addr    string
	Regions RegionController
	Store   *state.Store
	Auth    Authenticator
	// OnLogin runs after a successful login callback.
	OnLogin func(ctx context.Context)
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Server exposes region control, region state, a WebSocket change feed and
// the health, readiness and metrics endpoints.
type Server struct {
	httpServer *http.Server
	opts       Options
	logger     *slog.Logger
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(opts Options) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		opts:   opts,
		logger: opts.Logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(opts.Regions))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /regions", s.handleListRegions)
	mux.HandleFunc("GET /regions/{region}", s.handleGetRegion)
	mux.HandleFunc("POST /regions/{region}/start", s.handleStartRegion)
	mux.HandleFunc("POST /regions/{region}/stop", s.handleStopRegion)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	if opts.Auth != nil {
		mux.HandleFunc("GET /login", s.handleLogin)
		mux.HandleFunc("GET /callback", s.handleCallback)
		mux.HandleFunc("POST /logout", s.handleLogout)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type regionsResponse struct {
	Active  []string                           `json:"active"`
	Updates map[string]domain.NormalizedUpdate `json:"updates"`
}

func (s *Server) handleListRegions(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, regionsResponse{
		Active:  s.opts.Regions.ActiveRegions(),
		Updates: s.opts.Store.Snapshot(),
	})
}

func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	region := r.PathValue("region")
	update, ok := s.opts.Store.Get(region)
	if !ok {
		writeError(w, http.StatusNotFound, "no data for region "+region)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, update)
}

func (s *Server) handleStartRegion(w http.ResponseWriter, r *http.Request) {
	region := r.PathValue("region")
	err := s.opts.Regions.StartRegion(r.Context(), region)
	switch {
	case err == nil:
		sharedobs.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "started", "region": region})
	case errors.Is(err, domain.ErrAuthenticationMissing):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, registry.ErrStartInterrupted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("start region failed", "region", region, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStopRegion(w http.ResponseWriter, r *http.Request) {
	region := r.PathValue("region")
	s.opts.Regions.StopRegion(region)
	sharedobs.WriteJSON(w, http.StatusOK, map[string]string{"status": "stopped", "region": region})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.opts.Auth.AuthURL(), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusUnauthorized, "login failed: "+e)
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	if err := s.opts.Auth.ExchangeCode(r.Context(), code); err != nil {
		s.logger.Warn("login callback failed", "error", err)
		writeError(w, http.StatusUnauthorized, "login failed")
		return
	}
	if s.opts.OnLogin != nil {
		s.opts.OnLogin(context.WithoutCancel(r.Context()))
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]string{"status": "authenticated"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.opts.Regions.StopAll()
	if err := s.opts.Auth.Logout(r.Context()); err != nil {
		s.logger.Warn("logout failed", "error", err)
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	sharedobs.WriteJSON(w, status, map[string]string{"error": msg})
}
