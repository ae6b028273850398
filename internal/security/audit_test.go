package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func newTestJSONL(t *testing.T) (*JSONLAuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewJSONLAuditLogger(path, discardLogger())
	if err != nil {
		t.Fatalf("NewJSONLAuditLogger: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, path
}

func TestJSONLAuditLogger_AppendOnly(t *testing.T) {
	a, path := newTestJSONL(t)
	ctx := context.Background()

	for i, risk := range []RiskLevel{RiskLow, RiskCritical, RiskMedium} {
		a.LogSecurityEvent(ctx, AuditEntry{
			Timestamp: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
			SessionID: "s" + string(rune('0'+i)),
			Action:    "command",
			RiskLevel: risk,
		})
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 0600", perm)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("lines = %d, want 3", lines)
	}
}

func TestJSONLAuditLogger_Query(t *testing.T) {
	a, _ := newTestJSONL(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		risk := RiskLow
		if i%3 == 0 {
			risk = RiskCritical
		}
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}
		if err := a.Append(ctx, AuditEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			SessionID: "sess-" + string(rune('a'+i)),
			UserID:    user,
			RiskLevel: risk,
		}); err != nil {
			t.Fatal(err)
		}
	}

	critical := RiskCritical
	medium := RiskMedium
	tests := []struct {
		name      string
		q         AuditQuery
		wantCount int
		wantFirst string
	}{
		{"all newest first", AuditQuery{}, 10, "sess-j"},
		{"limit keeps newest", AuditQuery{Limit: 2}, 2, "sess-j"},
		{"exact risk", AuditQuery{RiskLevel: &critical}, 4, "sess-j"},
		{"min risk", AuditQuery{MinRiskLevel: &medium}, 4, "sess-j"},
		{"user", AuditQuery{UserID: "bob"}, 5, "sess-j"},
		{"session", AuditQuery{SessionID: "sess-c"}, 1, "sess-c"},
		{"range", AuditQuery{Since: base.Add(2 * time.Minute), Until: base.Add(4 * time.Minute)}, 3, "sess-e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Query(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.wantCount {
				t.Fatalf("count = %d, want %d", len(got), tt.wantCount)
			}
			if got[0].SessionID != tt.wantFirst {
				t.Errorf("first = %s, want %s", got[0].SessionID, tt.wantFirst)
			}
			for i := 1; i < len(got); i++ {
				if got[i].Timestamp.After(got[i-1].Timestamp) {
					t.Errorf("results not sorted newest first at %d", i)
				}
			}
		})
	}
}

func TestAuditQuery_EffectiveLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultAuditQueryLimit},
		{-5, DefaultAuditQueryLimit},
		{10, 10},
		{1_000_000, MaxAuditQueryLimit},
	}
	for _, tt := range tests {
		if got := (AuditQuery{Limit: tt.in}).EffectiveLimit(); got != tt.want {
			t.Errorf("EffectiveLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// blockingSink holds every Append until release is closed.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	got     []AuditEntry
}

func (b *blockingSink) Append(_ context.Context, e AuditEntry) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, e)
	b.mu.Unlock()
	return nil
}

func TestAsyncAuditLogger_QueueFullIsReported(t *testing.T) {
	sink := &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
	var failures atomic.Int32
	var lastErr atomic.Value
	a := NewAsyncAuditLogger(sink, 1, discardLogger(), func(err error) {
		failures.Add(1)
		lastErr.Store(err)
	})
	ctx := context.Background()

	a.LogSecurityEvent(ctx, AuditEntry{SessionID: "1"})
	<-sink.started                                     // writer holds entry 1
	a.LogSecurityEvent(ctx, AuditEntry{SessionID: "2"}) // fills the queue
	a.LogSecurityEvent(ctx, AuditEntry{SessionID: "3"}) // dropped, reported

	if failures.Load() != 1 {
		t.Errorf("failures = %d, want 1", failures.Load())
	}
	if err, _ := lastErr.Load().(error); !errors.Is(err, ErrAuditQueueFull) {
		t.Errorf("failure = %v, want ErrAuditQueueFull", err)
	}

	close(sink.release)
	a.Close()
	if len(sink.got) != 2 {
		t.Errorf("written = %d, want 2", len(sink.got))
	}
}

type failingSink struct{}

func (failingSink) Append(context.Context, AuditEntry) error { return errors.New("disk full") }

func TestAsyncAuditLogger_SinkErrorReported(t *testing.T) {
	var failures atomic.Int32
	a := NewAsyncAuditLogger(failingSink{}, 0, discardLogger(), func(error) { failures.Add(1) })
	a.LogSecurityEvent(context.Background(), AuditEntry{SessionID: "x"})
	a.Close()
	if failures.Load() != 1 {
		t.Errorf("failures = %d, want 1", failures.Load())
	}
}

func TestAsyncAuditLogger_DrainsOnClose(t *testing.T) {
	j, _ := newTestJSONL(t)
	a := NewAsyncAuditLogger(j, 0, discardLogger(), nil)
	for i := 0; i < 100; i++ {
		a.LogSecurityEvent(context.Background(), AuditEntry{Timestamp: time.Now(), SessionID: "s"})
	}
	a.Close()
	a.Close() // idempotent

	got, err := j.Query(context.Background(), AuditQuery{Limit: MaxAuditQueryLimit})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Errorf("entries = %d, want 100", len(got))
	}
}

func TestAsyncAuditLogger_LogAfterClose(t *testing.T) {
	j, _ := newTestJSONL(t)
	var lastErr atomic.Value
	a := NewAsyncAuditLogger(j, 0, discardLogger(), func(err error) { lastErr.Store(err) })
	a.LogSecurityEvent(context.Background(), AuditEntry{Timestamp: time.Now(), SessionID: "before"})
	a.Close()

	a.LogSecurityEvent(context.Background(), AuditEntry{Timestamp: time.Now(), SessionID: "after"})
	if err, _ := lastErr.Load().(error); !errors.Is(err, ErrAuditClosed) {
		t.Errorf("failure = %v, want ErrAuditClosed", err)
	}

	got, err := j.Query(context.Background(), AuditQuery{Limit: MaxAuditQueryLimit})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SessionID != "before" {
		t.Errorf("entries = %+v, want only the entry logged before Close", got)
	}
}

func TestAsyncAuditLogger_CloseDuringLogging(t *testing.T) {
	var closedFailures atomic.Int32
	a := NewAsyncAuditLogger(discardSink{}, 4, discardLogger(), func(err error) {
		if errors.Is(err, ErrAuditClosed) {
			closedFailures.Add(1)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				a.LogSecurityEvent(context.Background(), AuditEntry{SessionID: "s"})
			}
		}()
	}
	a.Close()
	wg.Wait()
	a.LogSecurityEvent(context.Background(), AuditEntry{SessionID: "late"})
	if closedFailures.Load() == 0 {
		t.Error("late entry not reported")
	}
}

type discardSink struct{}

func (discardSink) Append(context.Context, AuditEntry) error { return nil }

func TestTeeSink_TriesEverySink(t *testing.T) {
	first, _ := newTestJSONL(t)
	second, _ := newTestJSONL(t)
	tee := TeeSink{first, failingSink{}, second}

	err := tee.Append(context.Background(), AuditEntry{Timestamp: time.Now().UTC(), SessionID: "s1", Action: "command"})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("err = %v, want the failing sink's error", err)
	}
	for i, a := range []*JSONLAuditLogger{first, second} {
		got, qerr := a.Query(context.Background(), AuditQuery{SessionID: "s1"})
		if qerr != nil {
			t.Fatal(qerr)
		}
		if len(got) != 1 {
			t.Errorf("sink %d holds %d entries, want 1", i, len(got))
		}
	}
}
