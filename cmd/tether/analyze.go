package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jkaninda/tether/internal/config"
	"github.com/jkaninda/tether/internal/dryrun"
	"github.com/jkaninda/tether/internal/security"
)

var (
	analyzeArgs   string
	analyzeLevel  string
	analyzeJSON   bool
	analyzeStrict bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <command>",
	Short: "Dry-run a command: classify, score and predict the policy decision",
	Long: `Analyzes a JavaScript command offline. Nothing is executed and nothing
connects to the target. The decision is predicted for the configured security
level unless --level is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeArgs, "args", "", "JSON arguments passed alongside the command")
	analyzeCmd.Flags().StringVar(&analyzeLevel, "level", "", "security level to predict against (default: from config)")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print the analysis as JSON")
	analyzeCmd.Flags().BoolVar(&analyzeStrict, "fail-on-block", false, "exit non-zero when the command would be refused")
}

func runAnalyze(_ *cobra.Command, args []string) error {
	var cmdArgs any
	if analyzeArgs != "" {
		if err := json.Unmarshal([]byte(analyzeArgs), &cmdArgs); err != nil {
			return fmt.Errorf("--args: %w", err)
		}
	}

	var (
		profile security.SecurityProfile
		err     error
	)
	if analyzeLevel != "" {
		profile, err = security.ProfileForLevel(analyzeLevel)
	} else {
		var cfg *config.Config
		if cfg, err = loadConfig(); err == nil {
			profile, err = cfg.ResolveProfile()
		}
	}
	if err != nil {
		return err
	}

	res := dryrun.NewAnalyzer(security.NewValidator()).AnalyzeCommand(strings.Join(args, " "), cmdArgs, dryrun.Options{
		Sandboxed: profile.EnableSandbox,
		Profile:   &profile,
	})

	if analyzeJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Print(res.Report())
		fmt.Println(verdictBanner(res))
	}

	if analyzeStrict && res.Decision != nil && !res.Decision.Allowed {
		return fmt.Errorf("refused under %s: %s", res.Decision.Level, res.Decision.Reason)
	}
	return nil
}

var riskColors = map[security.RiskLevel]lipgloss.Color{
	security.RiskLow:      lipgloss.Color("2"),
	security.RiskMedium:   lipgloss.Color("3"),
	security.RiskHigh:     lipgloss.Color("208"),
	security.RiskCritical: lipgloss.Color("1"),
}

// verdictBanner is the one-line summary under the report. Colors are
// dropped when stdout is not a terminal.
func verdictBanner(res *dryrun.Result) string {
	risk := lipgloss.NewStyle().Bold(true).Foreground(riskColors[res.RiskLevel]).
		Render(strings.ToUpper(res.RiskLevel.String()))
	if res.Decision == nil {
		return "Risk " + risk
	}
	verdict := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	if res.Decision.Allowed {
		verdict = verdict.Background(lipgloss.Color("2")).Foreground(lipgloss.Color("0"))
		return verdict.Render("ALLOWED") + " risk " + risk + " under " + res.Decision.Level
	}
	verdict = verdict.Background(lipgloss.Color("1")).Foreground(lipgloss.Color("15"))
	return verdict.Render("BLOCKED") + " risk " + risk + " under " + res.Decision.Level
}
