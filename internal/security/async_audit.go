package security

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAuditQueueFull is reported when the async queue cannot accept an entry.
	ErrAuditQueueFull = errors.New("audit queue full")
	// ErrAuditClosed is reported for entries logged after Close.
	ErrAuditClosed = errors.New("audit logger closed")
)

const (
	defaultAuditQueueSize = 1024
	auditWriteTimeout     = 5 * time.Second
)

// AsyncAuditLogger decouples the request path from a slow sink.
// Entries are written in order by a single goroutine. A full queue or a sink
// error is reported through the logger and OnFailure, never to the caller.
type AsyncAuditLogger struct {
	sink      AuditSink
	queue     chan AuditEntry
	logger    *slog.Logger
	onFailure func(error)

	mu     sync.RWMutex // guards closed and the queue close
	closed bool
	done   chan struct{}
}

// NewAsyncAuditLogger starts the writer goroutine. queueSize <= 0 uses 1024.
// onFailure may be nil.
func NewAsyncAuditLogger(sink AuditSink, queueSize int, logger *slog.Logger, onFailure func(error)) *AsyncAuditLogger {
	if queueSize <= 0 {
		queueSize = defaultAuditQueueSize
	}
	a := &AsyncAuditLogger{
		sink:      sink,
		queue:     make(chan AuditEntry, queueSize),
		logger:    logger,
		onFailure: onFailure,
		done:      make(chan struct{}),
	}
	go a.run()
	return a
}

// LogSecurityEvent enqueues the entry without blocking. Entries logged
// after Close are reported as failures.
func (a *AsyncAuditLogger) LogSecurityEvent(ctx context.Context, entry AuditEntry) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		a.fail(ctx, entry, ErrAuditClosed)
		return
	}
	select {
	case a.queue <- entry:
		a.mu.RUnlock()
	default:
		a.mu.RUnlock()
		a.fail(ctx, entry, ErrAuditQueueFull)
	}
}

func (a *AsyncAuditLogger) run() {
	defer close(a.done)
	for entry := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		if err := a.sink.Append(ctx, entry); err != nil {
			a.fail(ctx, entry, err)
		}
		cancel()
	}
}

func (a *AsyncAuditLogger) fail(ctx context.Context, entry AuditEntry, err error) {
	a.logger.ErrorContext(ctx, "audit write failed",
		slog.String("session_id", entry.SessionID),
		slog.String("action", entry.Action),
		slog.String("risk_level", entry.RiskLevel.String()),
		slog.String("error", err.Error()),
	)
	if a.onFailure != nil {
		a.onFailure(err)
	}
}

// Close stops accepting entries and waits until the queue is drained.
// It is safe to call more than once.
func (a *AsyncAuditLogger) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
