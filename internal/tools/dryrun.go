package tools

import (
	"context"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/dryrun"
	"github.com/jkaninda/tether/internal/security"
)

type commandAnalyzer interface {
	AnalyzeCommand(command string, args any, opts dryrun.Options) *dryrun.Result
}

type profileSource interface {
	Profile() security.SecurityProfile
}

// DryRun analyzes a command without executing it. It is not mediated: it
// never reaches the sandbox or the target.
type DryRun struct {
	analyzer commandAnalyzer
	profiles profileSource
}

// NewDryRun creates the dry_run tool. profiles supplies the active security
// profile used to predict the manager's decision.
func NewDryRun(analyzer commandAnalyzer, profiles profileSource) *DryRun {
	return &DryRun{analyzer: analyzer, profiles: profiles}
}

func (t *DryRun) Name() string { return "dry_run" }

func (t *DryRun) Description() string {
	return "Analyze a command without executing it: category, targets, risk factors, " +
		"the execution plan and whether the current security level would allow it."
}

func (t *DryRun) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "JavaScript expression to analyze",
			},
			"args": map[string]any{
				"type":        "object",
				"description": "Optional arguments, analyzed with the command",
			},
			"report": map[string]any{
				"type":        "boolean",
				"description": "Return the human-readable report instead of structured output",
			},
		},
		"required": []string{"command"},
	}
}

func (t *DryRun) Permission() access.Permission { return access.PermDryRun }

func (t *DryRun) Operation() security.OperationType { return "" }

func (t *DryRun) Request(params map[string]any) (string, any, error) {
	cmd, err := requireString(params, "command")
	if err != nil {
		return "", nil, err
	}
	return cmd, params["args"], nil
}

func (t *DryRun) Execute(_ context.Context, call Approved) (any, error) {
	opts := dryrun.Options{OperationType: security.OpCommand}
	if t.profiles != nil {
		p := t.profiles.Profile()
		opts.Profile = &p
		opts.Sandboxed = p.EnableSandbox
	}
	res := t.analyzer.AnalyzeCommand(call.Command, call.Params["args"], opts)
	if asReport, _ := call.Params["report"].(bool); asReport {
		return res.Report(), nil
	}
	return res, nil
}
