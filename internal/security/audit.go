package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultAuditQueryLimit is used when a query does not set Limit.
	DefaultAuditQueryLimit = 100
	// MaxAuditQueryLimit bounds every query result.
	MaxAuditQueryLimit = 1000
)

// AuditLogger records security decisions. Implementations never return
// errors to the caller: failures go to the operator log.
type AuditLogger interface {
	LogSecurityEvent(ctx context.Context, entry AuditEntry)
}

// AuditSink is a durable append-only destination for audit entries.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// AuditStore is an AuditSink that can also be queried and pruned.
// Satisfied by the SQLite and PostgreSQL repositories.
type AuditStore interface {
	AuditSink
	Query(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditQuery filters audit entries. Zero values mean "no filter".
type AuditQuery struct {
	Since        time.Time
	Until        time.Time
	RiskLevel    *RiskLevel // Exact match.
	MinRiskLevel *RiskLevel // Inclusive lower bound.
	SessionID    string
	UserID       string
	Limit        int
}

// EffectiveLimit clamps Limit to (0, MaxAuditQueryLimit].
func (q AuditQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultAuditQueryLimit
	case q.Limit > MaxAuditQueryLimit:
		return MaxAuditQueryLimit
	default:
		return q.Limit
	}
}

// Matches reports whether e passes every filter in q.
func (q AuditQuery) Matches(e AuditEntry) bool {
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	if q.RiskLevel != nil && e.RiskLevel != *q.RiskLevel {
		return false
	}
	if q.MinRiskLevel != nil && e.RiskLevel < *q.MinRiskLevel {
		return false
	}
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	return true
}

// JSONLAuditLogger writes audit entries as append-only JSONL.
// Each entry is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can log concurrently.
type JSONLAuditLogger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *slog.Logger
}

// NewJSONLAuditLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewJSONLAuditLogger(path string, logger *slog.Logger) (*JSONLAuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &JSONLAuditLogger{
		path:   path,
		file:   f,
		logger: logger,
	}, nil
}

// Append serializes the entry and appends it to the file.
// Marshal happens outside the lock; only the file write is serialized.
func (a *JSONLAuditLogger) Append(_ context.Context, entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit entry: %w", writeErr)
	}
	return nil
}

// LogSecurityEvent appends the entry and reports failures to the operator log.
func (a *JSONLAuditLogger) LogSecurityEvent(ctx context.Context, entry AuditEntry) {
	if err := a.Append(ctx, entry); err != nil {
		a.logger.ErrorContext(ctx, "audit write failed",
			slog.String("session_id", entry.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

// Query scans the log file and returns matching entries, newest first.
// Only the newest q.EffectiveLimit() matches are kept in memory.
func (a *JSONLAuditLogger) Query(_ context.Context, q AuditQuery) ([]AuditEntry, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log for query: %w", err)
	}
	defer f.Close()

	limit := q.EffectiveLimit()
	window := make([]AuditEntry, 0, limit)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			a.logger.Warn("skipping malformed audit line", slog.String("error", err.Error()))
			continue
		}
		if !q.Matches(e) {
			continue
		}
		if len(window) == limit {
			window = append(window[1:], e)
		} else {
			window = append(window, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning audit log: %w", err)
	}

	sort.SliceStable(window, func(i, j int) bool {
		return window[i].Timestamp.After(window[j].Timestamp)
	})
	return window, nil
}

// Close closes the underlying file.
func (a *JSONLAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// StoreAuditLogger adapts an AuditStore (SQL-backed) to AuditLogger.
type StoreAuditLogger struct {
	store  AuditStore
	logger *slog.Logger
}

// NewStoreAuditLogger creates a store-backed audit logger.
func NewStoreAuditLogger(store AuditStore, logger *slog.Logger) *StoreAuditLogger {
	return &StoreAuditLogger{store: store, logger: logger}
}

func (s *StoreAuditLogger) Append(ctx context.Context, entry AuditEntry) error {
	return s.store.Append(ctx, entry)
}

func (s *StoreAuditLogger) LogSecurityEvent(ctx context.Context, entry AuditEntry) {
	if err := s.store.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "audit write failed",
			slog.String("session_id", entry.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *StoreAuditLogger) Query(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	return s.store.Query(ctx, q)
}

// TeeSink appends each entry to every sink in order. All sinks are tried;
// the errors of those that failed are joined.
type TeeSink []AuditSink

func (t TeeSink) Append(ctx context.Context, entry AuditEntry) error {
	var errs []error
	for _, s := range t {
		if err := s.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
