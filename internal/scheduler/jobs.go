package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Built-in job names.
const (
	JobAuditRetention = "audit_retention"
	JobStateSweep     = "state_sweep"
)

type auditPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRetentionJob deletes audit entries older than retention. This is the
// only delete path on the audit table.
func AuditRetentionJob(store auditPurger, retention time.Duration, spec string, metrics *Metrics, logger *slog.Logger) Job {
	return Job{
		Name: JobAuditRetention,
		Spec: spec,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().UTC().Add(-retention)
			n, err := store.PurgeBefore(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("purging audit entries before %s: %w", cutoff.Format(time.RFC3339), err)
			}
			metrics.purged(n)
			if n > 0 {
				logger.InfoContext(ctx, "audit retention purge",
					slog.Int64("deleted", n),
					slog.Time("cutoff", cutoff),
				)
			}
			return nil
		},
	}
}

// Sweeper drops expired in-memory state and reports how much it removed.
type Sweeper struct {
	Name  string
	Sweep func() int
}

// StateSweepJob runs every sweeper in turn.
func StateSweepJob(spec string, logger *slog.Logger, sweepers ...Sweeper) Job {
	return Job{
		Name: JobStateSweep,
		Spec: spec,
		Run: func(ctx context.Context) error {
			attrs := make([]any, 0, len(sweepers))
			total := 0
			for _, sw := range sweepers {
				n := sw.Sweep()
				total += n
				attrs = append(attrs, slog.Int(sw.Name, n))
			}
			if total > 0 {
				logger.DebugContext(ctx, "state sweep", attrs...)
			}
			return nil
		},
	}
}
