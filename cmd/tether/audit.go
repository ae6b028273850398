package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tether/internal/security"
)

var (
	auditSince   string
	auditMinRisk string
	auditSession string
	auditUser    string
	auditLimit   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print audit entries as JSON lines, newest first",
	Args:  cobra.NoArgs,
	RunE:  runAuditQuery,
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "only entries after this RFC 3339 time or duration ago (e.g. 24h)")
	auditQueryCmd.Flags().StringVar(&auditMinRisk, "min-risk", "", "minimum risk level: low, medium, high, critical")
	auditQueryCmd.Flags().StringVar(&auditSession, "session", "", "filter by session id")
	auditQueryCmd.Flags().StringVar(&auditUser, "user", "", "filter by user id")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", security.DefaultAuditQueryLimit, "maximum entries")
	auditCmd.AddCommand(auditQueryCmd)
}

func runAuditQuery(_ *cobra.Command, _ []string) error {
	q := security.AuditQuery{SessionID: auditSession, UserID: auditUser, Limit: auditLimit}
	if auditSince != "" {
		since, err := parseSince(auditSince, time.Now())
		if err != nil {
			return err
		}
		q.Since = since
	}
	if auditMinRisk != "" {
		switch auditMinRisk {
		case "low", "medium", "high", "critical":
			level := security.ParseRiskLevel(auditMinRisk)
			q.MinRiskLevel = &level
		default:
			return fmt.Errorf("unknown risk level %q", auditMinRisk)
		}
	}

	ctx := context.Background()
	_, store, _, err := openAccess(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Audit().Query(ctx, q)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// parseSince accepts an RFC 3339 timestamp or a duration before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("--since: %q is neither an RFC 3339 time nor a positive duration", s)
	}
	return now.Add(-d), nil
}
