package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tether/internal/target"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List reachable CDP endpoints and their pages",
	Args:  cobra.NoArgs,
	RunE:  runTargets,
}

func runTargets(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := target.NewConnector(target.Config{
		Host:  cfg.Target.TargetHost(),
		Ports: cfg.Target.CandidatePorts(),
	}, logger)
	defer conn.Close()

	endpoints, err := conn.Discover(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, ep := range endpoints {
		fmt.Fprintf(w, "%s:%d\t%s\t%s\n", ep.Host, ep.Port, ep.Version.Browser, ep.Version.ProtocolVersion)
		for _, p := range ep.Pages() {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", p.ID, p.Title, p.URL)
		}
	}
	return w.Flush()
}
