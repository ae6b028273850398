package mcpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/dryrun"
	"github.com/jkaninda/tether/internal/ratelimit"
	"github.com/jkaninda/tether/internal/security"
	"github.com/jkaninda/tether/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newServer wires a dispatcher with only the dry_run tool and a user
// holding perms, and returns the server plus that user's API key.
func newServer(t *testing.T, perms ...access.Permission) (*Server, *access.Controller, string) {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	ctl := access.NewController(access.NewMemoryUserStore(), ratelimit.NewLimiter(), access.Config{}, logger)
	u, err := ctl.CreateUser(ctx, "agent", "correct-horse", perms, ratelimit.Limit{})
	if err != nil {
		t.Fatal(err)
	}
	key, err := ctl.RegenerateAPIKey(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}

	reg := tools.NewRegistry()
	reg.Register(tools.NewDryRun(dryrun.NewAnalyzer(security.NewValidator()), nil))
	d := tools.NewDispatcher(reg, ctl, nil, logger)

	s, err := New(Config{}, d, NewKeySession(ctl, key), nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	return s, ctl, key
}

func connect(t *testing.T, s *Server) *client.Client {
	t.Helper()
	c, err := client.NewInProcessClient(s.MCPServer())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatal(err)
	}
	return c
}

func callTool(t *testing.T, c *client.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func TestListTools(t *testing.T) {
	s, _, _ := newServer(t, access.PermDryRun)
	c := connect(t, s)

	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "dry_run" {
		t.Fatalf("tools = %+v", res.Tools)
	}
}

func TestCallTool_DryRun(t *testing.T) {
	s, _, _ := newServer(t, access.PermDryRun)
	c := connect(t, s)

	res := callTool(t, c, "dry_run", map[string]any{"command": "document.title"})
	if res.IsError {
		t.Fatalf("dry_run returned error: %s", text(res))
	}
	if !strings.Contains(text(res), `"tool":"dry_run"`) {
		t.Errorf("text = %s", text(res))
	}
}

func TestCallTool_PermissionDenied(t *testing.T) {
	s, _, _ := newServer(t, access.PermScreenshot)
	c := connect(t, s)

	res := callTool(t, c, "dry_run", map[string]any{"command": "document.title"})
	if !res.IsError {
		t.Fatal("call without dry_run permission succeeded")
	}
	if !strings.Contains(text(res), "permission denied") {
		t.Errorf("text = %s", text(res))
	}
}

func TestCallTool_MissingParams(t *testing.T) {
	s, _, _ := newServer(t, access.PermDryRun)
	c := connect(t, s)

	res := callTool(t, c, "dry_run", map[string]any{})
	if !res.IsError {
		t.Fatal("call without command succeeded")
	}
}

func TestKeySession(t *testing.T) {
	_, ctl, key := newServer(t, access.PermDryRun)
	ctx := context.Background()

	ks := NewKeySession(ctl, key)
	first, err := ks.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	again, err := ks.Current(ctx)
	if err != nil || again != first {
		t.Errorf("live session not reused: %s vs %s (%v)", again, first, err)
	}

	ctl.InvalidateSession(first)
	renewed, err := ks.Current(ctx)
	if err != nil || renewed == first {
		t.Errorf("expired session not renewed: %s (%v)", renewed, err)
	}

	if _, err := NewKeySession(ctl, "tk_wrong").Current(ctx); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("wrong key: err = %v", err)
	}
	if _, err := NewKeySession(ctl, "").Current(ctx); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("empty key: err = %v", err)
	}
}
