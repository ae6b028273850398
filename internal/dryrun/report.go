package dryrun

import (
	"fmt"
	"strings"
)

const reportCommandMax = 200

// Report renders the result as a human-readable risk report.
func (r *Result) Report() string {
	var b strings.Builder

	b.WriteString("DRY RUN REPORT\n")
	b.WriteString("==============\n\n")
	fmt.Fprintf(&b, "Command:    %s\n", abbreviate(r.Command, reportCommandMax))
	fmt.Fprintf(&b, "Category:   %s\n", r.Category)
	fmt.Fprintf(&b, "Risk:       %s (score %d)\n", strings.ToUpper(r.RiskLevel.String()), r.RiskScore)

	if r.Verdict != nil {
		status := "passed"
		if !r.Verdict.Valid {
			status = "FAILED"
		}
		fmt.Fprintf(&b, "Validation: %s (validator risk %s)\n", status, r.Verdict.RiskLevel)
		for _, e := range r.Verdict.Errors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	if r.Decision != nil {
		if r.Decision.Allowed {
			fmt.Fprintf(&b, "Decision:   would execute under %q\n", r.Decision.Level)
		} else {
			fmt.Fprintf(&b, "Decision:   would be BLOCKED under %q: %s\n", r.Decision.Level, r.Decision.Reason)
		}
	}

	b.WriteString("\nTargets:\n")
	if len(r.Targets) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, t := range r.Targets {
		fmt.Fprintf(&b, "  - [%s] %s\n", t.Kind, t.Value)
	}

	b.WriteString("\nRisk factors:\n")
	if len(r.Factors) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, f := range r.Factors {
		fmt.Fprintf(&b, "  - %s (+%d): %s\n", f.Name, f.Weight, f.Description)
	}

	b.WriteString("\nExecution plan:\n")
	for _, s := range r.Plan {
		fmt.Fprintf(&b, "  %d. %-20s [%s] %s\n", s.Number, s.Name, s.RiskLevel, s.Description)
	}
	b.WriteString("\nNothing was executed.\n")
	return b.String()
}

func abbreviate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
