// Package dryrun previews what a command would do without executing it.
// Analysis is static: pattern tables classify the command, extract the
// elements and URLs it targets, score its risk and lay out the steps the
// security manager would take.
package dryrun

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaninda/tether/internal/security"
)

// Options tune an analysis.
type Options struct {
	// Sandboxed adds the sandbox preparation step to the plan.
	Sandboxed bool
	// OperationType is passed to the validator. Empty means command.
	OperationType security.OperationType
	// Profile, when set, is used to predict the manager's gate decision.
	Profile *security.SecurityProfile
}

// Target is an element or resource the command refers to.
type Target struct {
	Kind  string `json:"kind"` // selector, element_id, class, url
	Value string `json:"value"`
}

// Factor is a matched risk factor and its weight.
type Factor struct {
	Name        string `json:"name"`
	Weight      int    `json:"weight"`
	Description string `json:"description"`
}

// Step is one entry of the execution plan. Preview only.
type Step struct {
	Number      int                `json:"number"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	RiskLevel   security.RiskLevel `json:"riskLevel"`
}

// Verdict is the input validator's view of the command.
type Verdict struct {
	Valid     bool               `json:"valid"`
	RiskLevel security.RiskLevel `json:"riskLevel"`
	Errors    []string           `json:"errors,omitempty"`
}

// Decision predicts whether the security manager would run the command.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Level   string `json:"level"`
	Reason  string `json:"reason,omitempty"`
}

// Result is the outcome of AnalyzeCommand.
type Result struct {
	Command   string             `json:"command"`
	Category  Category           `json:"category"`
	Targets   []Target           `json:"targets"`
	Factors   []Factor           `json:"factors"`
	RiskScore int                `json:"riskScore"`
	RiskLevel security.RiskLevel `json:"riskLevel"`
	Plan      []Step             `json:"plan"`
	Verdict   *Verdict           `json:"validation,omitempty"`
	Decision  *Decision          `json:"decision,omitempty"`
}

type commandValidator interface {
	ValidateCommand(req security.CommandRequest) security.ValidationResult
}

// Analyzer performs dry runs. A nil validator skips the validation verdict.
type Analyzer struct {
	validator commandValidator
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(validator commandValidator) *Analyzer {
	return &Analyzer{validator: validator}
}

// AnalyzeCommand classifies command without executing it. Args are scanned
// for targets and risk factors alongside the command text.
func (a *Analyzer) AnalyzeCommand(command string, args any, opts Options) *Result {
	text := command
	if args != nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(args); err == nil {
			text += "\n" + buf.String()
		}
	}

	res := &Result{
		Command:  command,
		Category: Classify(command),
		Targets:  ExtractTargets(text),
		Factors:  []Factor{},
	}
	for _, f := range riskFactors {
		if anyMatch(f.patterns, text) {
			res.Factors = append(res.Factors, Factor{Name: f.name, Weight: f.weight, Description: f.description})
			res.RiskScore += f.weight
		}
	}
	res.RiskLevel = levelForScore(res.RiskScore)

	if a.validator != nil {
		v := a.validator.ValidateCommand(security.CommandRequest{
			Command:       command,
			Args:          args,
			OperationType: opts.OperationType,
		})
		res.Verdict = &Verdict{Valid: v.IsValid, RiskLevel: v.RiskLevel, Errors: v.Errors}
		if opts.Profile != nil {
			d := &Decision{Level: opts.Profile.Level}
			if !v.IsValid {
				d.Reason = strings.Join(v.Errors, "; ")
			} else {
				d.Allowed, d.Reason = opts.Profile.Permits(v.RiskLevel)
			}
			res.Decision = d
		}
	}

	res.Plan = buildPlan(res, opts)
	return res
}

// Classify returns the first category whose patterns match command.
func Classify(command string) Category {
	for _, rule := range categoryRules {
		if anyMatch(rule.patterns, command) {
			return rule.category
		}
	}
	return CategoryGeneral
}

// ExtractTargets finds selectors, element ids, class names and URLs.
// Best effort: only literal strings are recognised.
func ExtractTargets(text string) []Target {
	targets := []Target{}
	seen := make(map[Target]bool)
	add := func(kind, value string) {
		value = strings.TrimSpace(value)
		t := Target{Kind: kind, Value: value}
		if value == "" || seen[t] {
			return
		}
		seen[t] = true
		targets = append(targets, t)
	}

	for _, m := range selectorCallRe.FindAllStringSubmatch(text, -1) {
		add("selector", firstGroup(m))
	}
	for _, m := range idCallRe.FindAllStringSubmatch(text, -1) {
		add("element_id", firstGroup(m))
	}
	for _, m := range classCallRe.FindAllStringSubmatch(text, -1) {
		add("class", firstGroup(m))
	}
	for _, u := range urlRe.FindAllString(text, -1) {
		add("url", u)
	}
	return targets
}

func buildPlan(res *Result, opts Options) []Step {
	targetRisk := security.RiskLow
	if len(res.Targets) == 0 {
		targetRisk = security.RiskMedium
	}

	steps := []Step{
		{Name: "validation", Description: "Validate and sanitize input against the security rules", RiskLevel: security.RiskLow},
		{Name: "analysis", Description: fmt.Sprintf("Classify as %s with risk score %d", res.Category, res.RiskScore), RiskLevel: security.RiskLow},
		{Name: "permission_check", Description: "Check session permissions and rate limit", RiskLevel: security.RiskLow},
	}
	if opts.Sandboxed {
		steps = append(steps, Step{Name: "sandbox_preparation", Description: "Prepare an isolated scratch directory and runtime", RiskLevel: security.RiskLow})
	}
	steps = append(steps,
		Step{Name: "target_verification", Description: describeTargets(res.Targets), RiskLevel: targetRisk},
		Step{Name: "execution", Description: executionDescription(res, opts), RiskLevel: res.RiskLevel},
		Step{Name: "result_validation", Description: "Serialize the result and record the audit entry", RiskLevel: security.RiskLow},
	)
	for i := range steps {
		steps[i].Number = i + 1
	}
	return steps
}

func describeTargets(targets []Target) string {
	if len(targets) == 0 {
		return "No explicit targets found; the command acts on the page as a whole"
	}
	values := make([]string, 0, len(targets))
	for _, t := range targets {
		values = append(values, t.Value)
	}
	return "Verify targets exist: " + strings.Join(values, ", ")
}

func executionDescription(res *Result, opts Options) string {
	where := "against the live target"
	if opts.Sandboxed {
		where = "in the code sandbox"
	}
	return fmt.Sprintf("Run %s command %s", strings.ReplaceAll(string(res.Category), "_", " "), where)
}
