// Tether: security policy and mediated execution for driving a desktop
// application over the Chrome DevTools Protocol.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Mediated, audited control of a desktop app over CDP",
	Long: `Tether sits between an automation client and a desktop application that
exposes the Chrome DevTools Protocol. Every command is validated, risk-scored,
authorized against the caller's permissions and rate limit, optionally run in
a sandbox, and written to an append-only audit log.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tether.yaml", "path to config file (or TETHER_CONFIG env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd, mcpCmd, userCmd, auditCmd, analyzeCmd, targetsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
