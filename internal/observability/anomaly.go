package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/tether/internal/config"
)

const (
	defaultAnomalyWindow    = 300 * time.Second
	defaultBlockRate        = 0.5
	defaultAnomalyMinEvents = 10
)

// AnomalyDetector warns when a user's share of blocked requests in a sliding
// window exceeds a threshold. A burst of blocked commands is the usual
// signature of a caller probing the policy.
type AnomalyDetector struct {
	mu        sync.Mutex
	decisions map[string]*slidingWindow
	lastAlert map[string]time.Time
	threshold float64
	window    time.Duration
	minEvents int
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	blocked   bool
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	a := &AnomalyDetector{
		decisions: make(map[string]*slidingWindow),
		lastAlert: make(map[string]time.Time),
		threshold: defaultBlockRate,
		window:    defaultAnomalyWindow,
		minEvents: defaultAnomalyMinEvents,
		logger:    logger,
		now:       time.Now,
	}
	if cfg != nil {
		if cfg.BlockRateThreshold > 0 {
			a.threshold = cfg.BlockRateThreshold
		}
		if cfg.WindowSeconds > 0 {
			a.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		if cfg.MinRequests > 0 {
			a.minEvents = cfg.MinRequests
		}
	}
	return a
}

// WithClock replaces the time source. For tests.
func (a *AnomalyDetector) WithClock(now func() time.Time) *AnomalyDetector {
	a.now = now
	return a
}

// RecordDecision records one policy decision for userID and reports whether
// it raised an anomaly warning. At most one warning per user per window.
func (a *AnomalyDetector) RecordDecision(userID string, blocked bool) bool {
	if a == nil {
		return false
	}
	if userID == "" {
		userID = "anonymous"
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w, ok := a.decisions[userID]
	if !ok {
		w = &slidingWindow{window: a.window}
		a.decisions[userID] = w
	}
	w.add(now, blocked)

	total, blockedCount := w.counts()
	if total < a.minEvents {
		return false
	}
	rate := float64(blockedCount) / float64(total)
	if rate <= a.threshold {
		return false
	}
	if last, ok := a.lastAlert[userID]; ok && now.Sub(last) < a.window {
		return false
	}
	a.lastAlert[userID] = now
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high block rate",
			slog.String("user_id", userID),
			slog.Float64("block_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("blocked", blockedCount),
			slog.Int("total", total),
			slog.Duration("window", a.window),
		)
	}
	return true
}

// BlockRate returns the current blocked ratio and sample count for userID.
func (a *AnomalyDetector) BlockRate(userID string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.decisions[userID]
	if !ok {
		return 0, 0
	}
	w.prune(a.now())
	total, blocked := w.counts()
	if total == 0 {
		return 0, 0
	}
	return float64(blocked) / float64(total), total
}

// Sweep drops users with no decisions left in the window.
func (a *AnomalyDetector) Sweep() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	removed := 0
	for id, w := range a.decisions {
		w.prune(now)
		if len(w.entries) == 0 {
			delete(a.decisions, id)
			delete(a.lastAlert, id)
			removed++
		}
	}
	return removed
}

// add appends a decision and prunes expired entries.
func (w *slidingWindow) add(now time.Time, blocked bool) {
	w.entries = append(w.entries, windowEntry{timestamp: now, blocked: blocked})
	w.prune(now)
}

func (w *slidingWindow) counts() (total, blocked int) {
	for _, e := range w.entries {
		if e.blocked {
			blocked++
		}
	}
	return len(w.entries), blocked
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
