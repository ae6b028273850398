// Package httpapi implements the HTTP gateway for tether.
//
// Security:
//   - Every /v1 route except login requires a session id or an API key
//   - Permission and rate limit checks happen in the tool dispatcher
//   - Request bodies are capped (default 1 MB)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/observability"
	"github.com/jkaninda/tether/internal/security"
	"github.com/jkaninda/tether/internal/tools"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

const ctxSessionID = "sessionID"

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., "127.0.0.1:8420"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Identity is the slice of access.Controller the gateway needs.
type Identity interface {
	AuthenticateUser(ctx context.Context, username, password string) (uuid.UUID, bool)
	AuthenticateAPIKey(ctx context.Context, key string) (uuid.UUID, bool)
	Session(id uuid.UUID) (access.Session, bool)
	Authorize(id uuid.UUID, perm access.Permission) error
	InvalidateSession(id uuid.UUID)
	RegenerateAPIKey(ctx context.Context, userID uuid.UUID) (string, error)
}

// AuditReader answers audit queries.
type AuditReader interface {
	Query(ctx context.Context, q security.AuditQuery) ([]security.AuditEntry, error)
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config     Config
	dispatcher *tools.Dispatcher
	identity   Identity
	audit      AuditReader
	logger     *slog.Logger
	server     *http.Server

	// API key hash -> session minted for it, so key-authenticated clients
	// do not mint a session per request.
	keyMu       sync.Mutex
	keySessions map[string]uuid.UUID

	okapi *okapi.Okapi
	group *okapi.Group
	docs  bool
}

// NewGateway creates an HTTP gateway. audit may be nil, which disables
// GET /v1/audit.
func NewGateway(cfg Config, dispatcher *tools.Dispatcher, identity Identity, audit AuditReader, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:      cfg,
		dispatcher:  dispatcher,
		identity:    identity,
		audit:       audit,
		logger:      logger,
		keySessions: make(map[string]uuid.UUID),
		okapi:       okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithOpenAPIDocs enables the OpenAPI documentation routes. Start calls it
// when Config.EnableDocs is set; repeated calls are no-ops.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	if g.docs {
		return g
	}
	g.docs = true
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Tether",
			Version: version,
		},
	)
	return g
}

// Start registers routes, launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) routes() {
	instrument := observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer)

	// Unauthenticated login lives outside the /v1 group.
	g.okapi.Post("/v1/auth/login", instrument(g.handleLogin),
		okapi.DocSummary("Authenticate with username and password"),
		okapi.DocTags("Auth"),
		okapi.DocRequestBody(LoginRequest{}),
		okapi.DocResponse(LoginResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	g.group = g.okapi.Group("/v1", func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return instrument(g.authenticate(next))
	})

	g.group.Post("/auth/logout", g.handleLogout,
		okapi.DocSummary("Invalidate the current session"),
		okapi.DocTags("Auth"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/auth/apikey", g.handleRegenerateAPIKey,
		okapi.DocSummary("Issue a new API key for the current user"),
		okapi.DocTags("Auth"),
		okapi.DocResponse(APIKeyResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/session", g.handleSession,
		okapi.DocSummary("Describe the current session"),
		okapi.DocTags("Auth"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute a JavaScript command in the target"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(tools.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/dry-run", g.handleDryRun,
		okapi.DocSummary("Analyze a command without executing it"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(DryRunRequest{}),
		okapi.DocResponse(tools.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List available tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolInfo{}),
	)
	g.group.Post("/tools/{name}", g.handleToolCall,
		okapi.DocSummary("Call a tool by name"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("name", "string", "Tool name"),
		okapi.DocRequestBody(map[string]any{}),
		okapi.DocResponse(tools.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	if g.audit != nil {
		g.group.Get("/audit", g.handleAuditQuery,
			okapi.DocSummary("Query the audit log"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]security.AuditEntry{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", instrument(g.handleLiveness))
	g.okapi.Get("/readyz", instrument(g.handleReadiness))

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// --- Authentication ---

// authenticate resolves the caller to a live session. A bearer token is
// either a session id or an API key; X-API-Key carries an API key.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		cred := parseCredential(c.Header("Authorization"), c.Header("X-API-Key"))

		var id uuid.UUID
		switch cred.kind {
		case credSession:
			if _, ok := g.identity.Session(cred.session); !ok {
				return c.AbortUnauthorized("session invalid or expired")
			}
			id = cred.session
		case credAPIKey:
			sid, ok := g.sessionForKey(c.Context(), cred.value)
			if !ok {
				g.config.Metrics.RecordAuth("api_key", false)
				return c.AbortUnauthorized("invalid API key")
			}
			id = sid
		default:
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}

		c.Set(ctxSessionID, id.String())
		return next(c)
	}
}

// sessionForKey reuses the session minted for key while it is live.
func (g *Gateway) sessionForKey(ctx context.Context, key string) (uuid.UUID, bool) {
	hash := access.HashAPIKey(key)

	g.keyMu.Lock()
	id, cached := g.keySessions[hash]
	g.keyMu.Unlock()
	if cached {
		if _, ok := g.identity.Session(id); ok {
			return id, true
		}
	}

	id, ok := g.identity.AuthenticateAPIKey(ctx, key)
	g.keyMu.Lock()
	if ok {
		g.keySessions[hash] = id
	} else {
		delete(g.keySessions, hash)
	}
	g.keyMu.Unlock()
	if ok {
		g.config.Metrics.RecordAuth("api_key", true)
	}
	return id, ok
}

func sessionFrom(c *okapi.Context) uuid.UUID {
	id, err := uuid.Parse(c.GetString(ctxSessionID))
	if err != nil {
		return uuid.Nil
	}
	return id
}

func callerFrom(c *okapi.Context) tools.Caller {
	return tools.Caller{
		SessionID: sessionFrom(c),
		SourceIP:  clientIP(c.Request().RemoteAddr),
		UserAgent: c.Header("User-Agent"),
	}
}
