package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/tether/internal/config"
	"github.com/jkaninda/tether/internal/gateway/mcpserver"
)

var mcpAPIKey string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the tools over MCP on stdin/stdout",
	Long: `Runs an MCP server on stdio for a single client (e.g. an IDE agent).
Calls are authenticated with an API key and go through the same validation,
authorization and audit path as the HTTP gateway. Logs go to stderr.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpAPIKey, "api-key", "", "API key of the calling user (or TETHER_API_KEY env)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	key := goutils.Env(config.EnvAPIKey, mcpAPIKey)
	if key == "" {
		return fmt.Errorf("an API key is required: pass --api-key or set %s (create one with `tether user apikey <name>`)", config.EnvAPIKey)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	srv, err := mcpserver.New(mcpserver.Config{Name: "tether", Version: version},
		c.Dispatcher, mcpserver.NewKeySession(c.Access, key), c.Obs.Metrics, logger)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
