// Package mcpserver exposes tether's tools over the Model Context Protocol
// on stdio. Every call goes through the same tools.Dispatcher as the HTTP
// gateway, under a session minted from the configured API key.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/tether/internal/observability"
	"github.com/jkaninda/tether/internal/tools"
)

// ErrUnauthenticated is returned when the API key does not resolve to a user.
var ErrUnauthenticated = errors.New("mcp: api key rejected")

const instructions = "Tools drive a desktop application over the Chrome DevTools Protocol. " +
	"Every call is validated, risk-scored and audited; blocked calls return " +
	"isError with the reason. Use dry_run to check a command before sending it."

// Config configures the MCP server.
type Config struct {
	Name    string
	Version string
}

// Server is the MCP stdio gateway.
type Server struct {
	mcp        *server.MCPServer
	dispatcher *tools.Dispatcher
	sessions   *KeySession
	metrics    *observability.MetricsCollector
	logger     *slog.Logger
}

// New registers every tool of the dispatcher's registry on a new MCP server.
// metrics may be nil.
func New(cfg Config, dispatcher *tools.Dispatcher, sessions *KeySession, metrics *observability.MetricsCollector, logger *slog.Logger) (*Server, error) {
	if cfg.Name == "" {
		cfg.Name = "tether"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		mcp: server.NewMCPServer(cfg.Name, cfg.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions(instructions),
		),
		dispatcher: dispatcher,
		sessions:   sessions,
		metrics:    metrics,
		logger:     logger,
	}

	for _, t := range dispatcher.Registry().All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("tool %s: encoding input schema: %w", t.Name(), err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), s.handler(t.Name()))
	}
	return s, nil
}

// MCPServer returns the underlying server, for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Serve speaks MCP over in and out until ctx is canceled or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	if _, err := s.sessions.Current(ctx); err != nil {
		return err
	}
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("mcp server listening on stdio", slog.Int("tools", len(s.dispatcher.Registry().All())))
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		sid, err := s.sessions.Current(ctx)
		if err != nil {
			s.metrics.RecordToolCall(name, "denied", time.Since(start))
			return mcp.NewToolResultError(err.Error()), nil
		}

		resp, err := s.dispatcher.Call(ctx, tools.Caller{
			SessionID: sid,
			SourceIP:  "stdio",
			UserAgent: "mcp",
		}, name, req.GetArguments())
		if err != nil {
			s.metrics.RecordToolCall(name, "error", time.Since(start))
			return mcp.NewToolResultError(err.Error()), nil
		}

		status := "ok"
		switch {
		case resp.Execution != nil && resp.Execution.Blocked:
			status = "blocked"
		case !resp.Success:
			status = "failed"
		}
		s.metrics.RecordToolCall(name, status, time.Since(start))
		return toResult(resp), nil
	}
}

// toResult renders a dispatcher response. The text content carries the
// same JSON as the structured content.
func toResult(resp *tools.Response) *mcp.CallToolResult {
	b, err := json.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("encoding tool response", err)
	}
	res := mcp.NewToolResultStructured(resp, string(b))
	res.IsError = !resp.Success
	return res
}

type apiKeyAuthenticator interface {
	AuthenticateAPIKey(ctx context.Context, key string) (uuid.UUID, bool)
	ValidateSession(id uuid.UUID) bool
}

// KeySession holds the session of the single stdio peer and re-mints it
// from the API key when it expires.
type KeySession struct {
	auth apiKeyAuthenticator
	key  string

	mu sync.Mutex
	id uuid.UUID
}

// NewKeySession creates a KeySession for key.
func NewKeySession(auth apiKeyAuthenticator, key string) *KeySession {
	return &KeySession{auth: auth, key: key}
}

// Current returns a live session id.
func (k *KeySession) Current(ctx context.Context) (uuid.UUID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.id != uuid.Nil && k.auth.ValidateSession(k.id) {
		return k.id, nil
	}
	if k.key == "" {
		return uuid.Nil, fmt.Errorf("%w: no api key configured", ErrUnauthenticated)
	}
	id, ok := k.auth.AuthenticateAPIKey(ctx, k.key)
	if !ok {
		k.id = uuid.Nil
		return uuid.Nil, ErrUnauthenticated
	}
	k.id = id
	return id, nil
}
