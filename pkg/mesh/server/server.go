// Package server is the gateway front door: it routes incoming MCP traffic
// to per-request virtual MCP instances, maps domain errors to HTTP statuses,
// and owns the process HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/meshgate/meshgate/pkg/auth"
	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/aggregator"
	"github.com/meshgate/meshgate/pkg/mesh/monitor"
	"github.com/meshgate/meshgate/pkg/mesh/store"
	"github.com/meshgate/meshgate/pkg/mesh/token"
	"github.com/meshgate/meshgate/pkg/mesh/virtual"
)

const (
	// defaultReadHeaderTimeout prevents slowloris attacks by limiting time to read request headers.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultReadTimeout is the maximum duration for reading the entire request, including body.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the maximum duration before timing out writes of the response.
	defaultWriteTimeout = 120 * time.Second

	// defaultIdleTimeout is the maximum time to wait for the next request on a kept-alive connection.
	defaultIdleTimeout = 120 * time.Second

	// defaultMaxHeaderBytes caps the size of request headers.
	defaultMaxHeaderBytes = 1 << 20

	// defaultShutdownTimeout bounds graceful shutdown on context cancellation.
	defaultShutdownTimeout = 10 * time.Second
)

// Request headers parsed by the front door.
const (
	headerOrgID        = "x-org-id"
	headerOrgSlug      = "x-org-slug"
	headerVirtualMCPID = "x-virtual-mcp-id"
	headerCallerID     = "x-caller-id"
	headerAPIKey       = "x-api-key"
)

// Config holds the front-door settings.
type Config struct {
	// Host and Port are the listen address.
	Host string
	Port int

	// Name and Version are advertised to MCP clients during initialize.
	Name    string
	Version string

	// BaseURL is the public base URL of this gateway, embedded in delegation
	// tokens handed to upstreams.
	BaseURL string

	// AuthSecret verifies caller bearer JWTs. Empty disables bearer parsing;
	// callers are then anonymous unless an API key resolves.
	AuthSecret []byte
}

// APIKeyResolver resolves an API key credential into a caller identity.
type APIKeyResolver interface {
	ResolveAPIKey(ctx context.Context, key string) (*auth.Identity, error)
}

// Deps are the collaborators the front door dispatches into.
type Deps struct {
	Connections store.ConnectionStore
	Virtuals    store.VirtualMCPStore
	Issuer      token.Issuer

	// Permissions evaluates per-tool grants; nil denies non-elevated callers.
	Permissions mesh.PermissionEvaluator

	// APIKeys resolves x-api-key credentials; nil disables the fallback.
	APIKeys APIKeyResolver

	// Monitor receives one event per tool invocation; nil falls back to the
	// structured log sink.
	Monitor monitor.Sink

	// Tracer and Meter instrument upstream calls; nil means no-op.
	Tracer trace.Tracer
	Meter  metric.Meter

	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler

	// Dial overrides the upstream dialer; nil means real proxies.
	Dial aggregator.Dialer
}

// Server is the gateway HTTP front door.
type Server struct {
	cfg  Config
	deps Deps

	httpServer *http.Server
}

// New builds a front-door server. Config.Name and Version get defaults when
// empty.
func New(cfg Config, deps Deps) *Server {
	if cfg.Name == "" {
		cfg.Name = "meshgate"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.NewLogSink()
	}
	return &Server{cfg: cfg, deps: deps}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/mcp", func(r chi.Router) {
		r.Use(s.authenticate)

		for _, base := range []string{"/virtual-mcp", "/gateway"} {
			r.Post(base, s.recovered("[virtual-mcp]", s.handleVirtual))
			r.Post(base+"/{virtualID}", s.recovered("[virtual-mcp]", s.handleVirtual))
			r.Post(base+"/call-tool/{toolName}", s.recovered("[virtual-mcp]", s.handleVirtualStream))
			r.Post(base+"/{virtualID}/call-tool/{toolName}", s.recovered("[virtual-mcp]", s.handleVirtualStream))
		}

		r.Post("/mesh/{orgSlug}", s.recovered("[mesh]", s.handleMesh))
		r.Post("/mesh/{orgSlug}/call-tool/{toolName}", s.recovered("[mesh]", s.handleMeshStream))

		r.Post("/{connectionID}", s.recovered("[proxy]", s.handleConnection))
		r.Post("/{connectionID}/call-tool/{toolName}", s.recovered("[proxy]", s.handleConnectionStream))
	})

	return r
}

// Start runs the HTTP listener until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[gateway] listening on %s", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	}
}

// builder constructs a per-request virtual MCP builder.
func (s *Server) builder() *virtual.Builder {
	return &virtual.Builder{
		Connections: s.deps.Connections,
		Issuer:      s.deps.Issuer,
		Dial:        s.deps.Dial,
	}
}

// requestContext assembles the per-session request context.
func (s *Server) requestContext(r *http.Request, tenantID string) *mesh.RequestContext {
	identity, _ := auth.IdentityFromContext(r.Context())
	return &mesh.RequestContext{
		TenantID:           tenantID,
		Identity:           identity,
		CallerConnectionID: r.Header.Get(headerCallerID),
		BaseURL:            s.cfg.BaseURL,
		RequestID:          middleware.GetReqID(r.Context()),
		Permissions:        s.deps.Permissions,
		Tracer:             s.deps.Tracer,
		Meter:              s.deps.Meter,
		Monitor:            s.deps.Monitor,
	}
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// recovered wraps a handler so an uncaught panic becomes a tagged 500 instead
// of tearing down the connection.
func (s *Server) recovered(tag string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorf("%s panic serving %s: %v", tag, r.URL.Path, rec)
				writeJSONError(w, http.StatusInternalServerError, "Internal server error", fmt.Sprintf("%v", rec))
			}
		}()
		h(w, r)
	}
}
