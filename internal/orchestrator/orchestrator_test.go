package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/extract"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/findings"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/ingest"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/logging"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/reporter"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/store"
)

const validFindings = `{
  "incident_title": "SSH brute force against bastion",
  "incident_dates": "15 January 2024",
  "executive_summary": "An external host guessed the root password.",
  "statistics_cards": [{"number": 1284, "label": "Failed logins"}],
  "entry_points_html": "<ul><li>SSH on <code>10.0.0.5</code></li></ul>",
  "timeline_description": "Single morning of activity.",
  "timeline_events": [
    {"timestamp": "2024-01-15T09:00:00Z", "title": "Root login"},
    {"timestamp": "2024-01-15T08:12:02Z", "title": "Brute force starts", "severity": "medium"}
  ],
  "attack_objectives": [{"objective": "Initial access", "details": ["password guessing"], "severity": "high"}],
  "iocs_html": "<ul><li>203.0.113.7</li></ul>",
  "recommendations_html": "<p>Disable password authentication.</p>",
  "conclusion": "The bastion is compromised.",
  "footer": "Incident response team"
}`

var sampleBundle = ingest.Bundle{
	Name:   "auth.json",
	Format: ingest.FormatJSON,
	Data: []byte(`[
  {"timestamp": "2024-01-15T08:12:02Z", "src_ip": "203.0.113.7", "dst_ip": "10.0.0.5", "message": "Failed password for root"},
  {"timestamp": "2024-01-15T09:00:00Z", "src_ip": "203.0.113.7", "dst_ip": "10.0.0.5", "message": "Accepted password for root"}
]`),
}

func validFields(t *testing.T) map[string]any {
	t.Helper()
	fields, err := findings.Decode([]byte(validFindings))
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return fields
}

// fakeExtractor records every request and delegates to fn.
type fakeExtractor struct {
	mu       sync.Mutex
	requests []extract.Request
	fn       func(ctx context.Context, call int, req extract.Request) (extract.Candidate, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, req extract.Request) (extract.Candidate, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	return f.fn(ctx, call, req)
}

func (f *fakeExtractor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeExtractor) request(i int) extract.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func alwaysValid(t *testing.T) *fakeExtractor {
	return &fakeExtractor{fn: func(context.Context, int, extract.Request) (extract.Candidate, error) {
		return extract.Candidate{Fields: validFields(t)}, nil
	}}
}

func malformed() (extract.Candidate, error) {
	return extract.Candidate{
			Raw:    `{"incident_title": "partial"}`,
			Fields: map[string]any{"incident_title": "partial"},
		}, &extract.Failure{
			Reason: extract.ReasonMalformedOutput,
			Err:    errors.New("missing required keys"),
		}
}

type testEnv struct {
	orch    *Orchestrator
	store   *store.FileStore
	metrics *Metrics
}

func newTestEnv(t *testing.T, settings Settings, x extract.Extractor) testEnv {
	t.Helper()
	renderer, err := reporter.New()
	if err != nil {
		t.Fatalf("reporter.New: %v", err)
	}
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if settings.ExtractTimeout == 0 {
		settings.ExtractTimeout = 5 * time.Second
	}
	m := NewMetrics(prometheus.NewRegistry())
	clock := func() time.Time { return time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC) }
	o := New(settings, x, renderer, st, logging.Discard(), WithMetrics(m), WithClock(clock))
	return testEnv{orch: o, store: st, metrics: m}
}

func waitFor(t *testing.T, o *Orchestrator, id string) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v (state %s)", id, err, st.State)
	}
	return st
}

func waitForState(t *testing.T, o *Orchestrator, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := o.Status(id)
		if err != nil {
			t.Fatal(err)
		}
		if st.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", id, want)
}

func TestRun_Success(t *testing.T) {
	x := alwaysValid(t)
	env := newTestEnv(t, Settings{MaxRetries: 2, MaxConcurrentRuns: 2, SanitizeHTML: true}, x)

	st, err := env.orch.Run(context.Background(), Submission{Bundle: sampleBundle})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != StateDone {
		t.Fatalf("state = %s, want done", st.State)
	}
	want := []State{StateIdle, StateIngesting, StateExtracting, StateValidating, StateRendering, StateDone}
	if len(st.History) != len(want) {
		t.Fatalf("history = %v, want %v", st.History, want)
	}
	for i := range want {
		if st.History[i] != want[i] {
			t.Fatalf("history = %v, want %v", st.History, want)
		}
	}
	if st.Events != 2 || st.Attempt != 1 || st.MaxAttempts != 3 {
		t.Errorf("events=%d attempt=%d max=%d", st.Events, st.Attempt, st.MaxAttempts)
	}
	if x.calls() != 1 {
		t.Errorf("extractor calls = %d, want 1", x.calls())
	}
	if got := len(x.request(0).Events); got != 2 {
		t.Errorf("extractor saw %d events, want 2", got)
	}

	rep, err := env.orch.Result(context.Background(), st.RunID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if rep.Key != st.RunID {
		t.Errorf("report key = %q, want run id", rep.Key)
	}
	if !strings.Contains(string(rep.HTML), "SSH brute force against bastion") {
		t.Error("report HTML missing incident title")
	}
	if !rep.GeneratedAt.Equal(time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("generated at = %s", rep.GeneratedAt)
	}

	fields, err := findings.Decode(rep.Findings)
	if err != nil {
		t.Fatalf("stored findings: %v", err)
	}
	doc, err := findings.Validate(fields)
	if err != nil {
		t.Fatalf("stored findings do not validate: %v", err)
	}
	if doc.TimelineEvents[0].Title != "Brute force starts" {
		t.Errorf("stored timeline not sorted: first = %q", doc.TimelineEvents[0].Title)
	}

	if got := testutil.ToFloat64(env.metrics.runs.WithLabelValues("done")); got != 1 {
		t.Errorf("dfir_runs_total{result=done} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.attempts.WithLabelValues("valid")); got != 1 {
		t.Errorf("dfir_extraction_attempts_total{outcome=valid} = %v, want 1", got)
	}
}

func TestRun_IncidentTitleOverride(t *testing.T) {
	x := alwaysValid(t)
	env := newTestEnv(t, Settings{}, x)

	st, err := env.orch.Run(context.Background(), Submission{Bundle: sampleBundle, IncidentTitle: "Case 2024-017"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.IncidentTitle != "Case 2024-017" {
		t.Errorf("status title = %q", st.IncidentTitle)
	}
	if x.request(0).IncidentTitle != "Case 2024-017" {
		t.Errorf("extractor was not given the title")
	}
	rep, err := env.orch.Result(context.Background(), st.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(rep.HTML), "Case 2024-017") || strings.Contains(string(rep.HTML), "SSH brute force against bastion") {
		t.Error("submitted title should replace the extracted one")
	}
}

func TestRun_RetryBound(t *testing.T) {
	x := &fakeExtractor{fn: func(context.Context, int, extract.Request) (extract.Candidate, error) {
		return malformed()
	}}
	env := newTestEnv(t, Settings{MaxRetries: 2}, x)

	st, err := env.orch.Run(context.Background(), Submission{Bundle: sampleBundle, Guidance: "focus on SSH"})
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if f.Reason != ReasonExtractionUnresolvable {
		t.Errorf("reason = %s, want extraction_unresolvable", f.Reason)
	}
	if st.State != StateFailed {
		t.Errorf("state = %s, want failed", st.State)
	}
	if x.calls() != 3 {
		t.Fatalf("extractor calls = %d, want exactly 3 (1 + 2 retries)", x.calls())
	}
	if st.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", st.Attempt)
	}

	const marker = "Your previous answer was rejected"
	if g := x.request(0).Guidance; g != "focus on SSH" {
		t.Errorf("first guidance = %q", g)
	}
	for i := 1; i < 3; i++ {
		g := x.request(i).Guidance
		if !strings.HasPrefix(g, "focus on SSH") {
			t.Errorf("attempt %d lost the analyst guidance: %q", i+1, g)
		}
		if n := strings.Count(g, marker); n != i {
			t.Errorf("attempt %d carries %d corrections, want %d", i+1, n, i)
		}
	}

	if _, err := env.orch.Result(context.Background(), st.RunID); !errors.Is(err, ErrNotDone) {
		t.Errorf("Result of failed run = %v, want ErrNotDone", err)
	}
	metas, err := env.store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 0 {
		t.Errorf("failed run stored %d report(s)", len(metas))
	}
	if got := testutil.ToFloat64(env.metrics.attempts.WithLabelValues("rejected")); got != 3 {
		t.Errorf("rejected attempts = %v, want 3", got)
	}
}

func TestRun_NoRetries(t *testing.T) {
	x := &fakeExtractor{fn: func(context.Context, int, extract.Request) (extract.Candidate, error) {
		return extract.Candidate{Fields: map[string]any{}}, nil
	}}
	env := newTestEnv(t, Settings{MaxRetries: 0}, x)

	st, _ := env.orch.Run(context.Background(), Submission{Bundle: sampleBundle})
	if st.Failure == nil || st.Failure.Reason != ReasonExtractionUnresolvable {
		t.Fatalf("failure = %+v", st.Failure)
	}
	if x.calls() != 1 {
		t.Errorf("extractor calls = %d, want 1", x.calls())
	}
}

func TestRun_RecoversOnRetry(t *testing.T) {
	x := &fakeExtractor{fn: func(_ context.Context, call int, _ extract.Request) (extract.Candidate, error) {
		if call == 1 {
			fields := validFields(t)
			fields["entry_points_html"] = "**bold** entry"
			return extract.Candidate{Fields: fields}, nil
		}
		return extract.Candidate{Fields: validFields(t)}, nil
	}}
	env := newTestEnv(t, Settings{MaxRetries: 2}, x)

	st, err := env.orch.Run(context.Background(), Submission{Bundle: sampleBundle})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if x.calls() != 2 {
		t.Errorf("extractor calls = %d, want 2", x.calls())
	}
	if !strings.Contains(x.request(1).Guidance, "entry_points_html") {
		t.Errorf("correction does not name the bad field: %q", x.request(1).Guidance)
	}
	extracting := 0
	for _, s := range st.History {
		if s == StateExtracting {
			extracting++
		}
	}
	if extracting != 2 {
		t.Errorf("history %v has %d extracting entries, want 2", st.History, extracting)
	}
}

func TestRun_ExtractionTimeout(t *testing.T) {
	x := &fakeExtractor{fn: func(ctx context.Context, _ int, _ extract.Request) (extract.Candidate, error) {
		<-ctx.Done()
		return extract.Candidate{}, &extract.Failure{Reason: extract.ReasonTimeout, Err: ctx.Err()}
	}}
	env := newTestEnv(t, Settings{MaxRetries: 1, ExtractTimeout: 20 * time.Millisecond}, x)

	st, _ := env.orch.Run(context.Background(), Submission{Bundle: sampleBundle})
	if st.Failure == nil || st.Failure.Reason != ReasonExtractionTimeout {
		t.Fatalf("failure = %+v, want extraction_timeout", st.Failure)
	}
	if x.calls() != 2 {
		t.Errorf("extractor calls = %d, want 2", x.calls())
	}
	if !strings.Contains(x.request(1).Guidance, "did not arrive in time") {
		t.Errorf("retry guidance = %q", x.request(1).Guidance)
	}
}

func TestRun_TimeoutEnforcedWhenExtractorIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	x := &fakeExtractor{fn: func(context.Context, int, extract.Request) (extract.Candidate, error) {
		<-release
		return extract.Candidate{}, nil
	}}
	env := newTestEnv(t, Settings{ExtractTimeout: 20 * time.Millisecond}, x)

	st, _ := env.orch.Run(context.Background(), Submission{Bundle: sampleBundle})
	if st.Failure == nil || st.Failure.Reason != ReasonExtractionTimeout {
		t.Fatalf("failure = %+v, want extraction_timeout", st.Failure)
	}
}

func TestRun_LastAttemptDecidesReason(t *testing.T) {
	x := &fakeExtractor{fn: func(ctx context.Context, call int, _ extract.Request) (extract.Candidate, error) {
		if call == 1 {
			<-ctx.Done()
			return extract.Candidate{}, ctx.Err()
		}
		return malformed()
	}}
	env := newTestEnv(t, Settings{MaxRetries: 1, ExtractTimeout: 20 * time.Millisecond}, x)

	st, _ := env.orch.Run(context.Background(), Submission{Bundle: sampleBundle})
	if st.Failure == nil || st.Failure.Reason != ReasonExtractionUnresolvable {
		t.Fatalf("failure = %+v, want extraction_unresolvable", st.Failure)
	}
}

func TestRun_IngestFailuresSkipExtraction(t *testing.T) {
	tests := []struct {
		name   string
		bundle ingest.Bundle
		reason Reason
	}{
		{"oversize", ingest.Bundle{Name: "big.json", Format: ingest.FormatJSON, Size: 51 << 20}, ReasonOversize},
		{"unsupported", ingest.Bundle{Name: "dump.pcap", Data: []byte{0xd4, 0xc3}}, ReasonUnsupportedFormat},
		{"malformed", ingest.Bundle{Name: "bad.json", Format: ingest.FormatJSON, Data: []byte(`[{"a":`)}, ReasonMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := alwaysValid(t)
			env := newTestEnv(t, Settings{MaxRetries: 3}, x)

			st, err := env.orch.Run(context.Background(), Submission{Bundle: tt.bundle})
			if err == nil {
				t.Fatal("expected failure")
			}
			if st.Failure.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", st.Failure.Reason, tt.reason)
			}
			if st.Failure.Stage != StateIngesting {
				t.Errorf("stage = %s, want ingesting", st.Failure.Stage)
			}
			if x.calls() != 0 {
				t.Errorf("extractor called %d time(s) for a rejected bundle", x.calls())
			}
		})
	}
}

type failingStore struct{ store.Store }

func (failingStore) Put(context.Context, store.Report) error {
	return &store.StorageError{Op: "put", Err: errors.New("disk full")}
}

func TestRun_StorageError(t *testing.T) {
	renderer, err := reporter.New()
	if err != nil {
		t.Fatal(err)
	}
	o := New(Settings{}, alwaysValid(t), renderer, failingStore{}, nil)

	st, _ := o.Run(context.Background(), Submission{Bundle: sampleBundle})
	if st.Failure == nil || st.Failure.Reason != ReasonStorageError {
		t.Fatalf("failure = %+v, want storage_error", st.Failure)
	}
	if st.Failure.Stage != StateRendering {
		t.Errorf("stage = %s, want rendering", st.Failure.Stage)
	}
	if !strings.Contains(st.Failure.Message, "disk full") {
		t.Errorf("message = %q", st.Failure.Message)
	}
}

func TestCancel_DuringExtraction(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	x := &fakeExtractor{fn: func(context.Context, int, extract.Request) (extract.Candidate, error) {
		close(started)
		<-release
		return extract.Candidate{Fields: validFields(t)}, nil
	}}
	env := newTestEnv(t, Settings{MaxRetries: 2}, x)

	id, err := env.orch.Submit(Submission{Bundle: sampleBundle})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	// Status must answer while extraction is blocked.
	st, err := env.orch.Status(id)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateExtracting {
		t.Errorf("state = %s, want extracting", st.State)
	}

	if err := env.orch.Cancel(id); err != nil {
		t.Fatal(err)
	}
	close(release)

	st = waitFor(t, env.orch, id)
	if st.Failure == nil || st.Failure.Reason != ReasonCancelled {
		t.Fatalf("failure = %+v, want cancelled", st.Failure)
	}
	if st.Failure.Stage != StateExtracting {
		t.Errorf("stage = %s, want extracting", st.Failure.Stage)
	}
	if x.calls() != 1 {
		t.Errorf("extractor calls = %d, want 1", x.calls())
	}
	metas, _ := env.store.List(context.Background())
	if len(metas) != 0 {
		t.Error("cancelled run must not store a report")
	}
}

func TestConcurrency_QueuedRunStaysIdle(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	x := &fakeExtractor{fn: func(context.Context, int, extract.Request) (extract.Candidate, error) {
		started <- struct{}{}
		<-release
		return extract.Candidate{Fields: validFields(t)}, nil
	}}
	env := newTestEnv(t, Settings{MaxConcurrentRuns: 1}, x)

	first, err := env.orch.Submit(Submission{Bundle: sampleBundle})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	second, err := env.orch.Submit(Submission{Bundle: sampleBundle})
	if err != nil {
		t.Fatal(err)
	}
	third, err := env.orch.Submit(Submission{Bundle: sampleBundle})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	for _, id := range []string{second, third} {
		st, _ := env.orch.Status(id)
		if st.State != StateIdle {
			t.Errorf("queued run %s is %s, want idle", id, st.State)
		}
	}

	if err := env.orch.Cancel(third); err != nil {
		t.Fatal(err)
	}
	st := waitFor(t, env.orch, third)
	if st.Failure == nil || st.Failure.Reason != ReasonCancelled || st.Failure.Stage != StateIdle {
		t.Errorf("cancelled queued run failure = %+v", st.Failure)
	}

	close(release)
	if st := waitFor(t, env.orch, first); st.State != StateDone {
		t.Errorf("first run = %s", st.State)
	}
	if st := waitFor(t, env.orch, second); st.State != StateDone {
		t.Errorf("second run = %s", st.State)
	}
	if x.calls() != 2 {
		t.Errorf("extractor calls = %d, want 2", x.calls())
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	x := &fakeExtractor{fn: func(context.Context, int, extract.Request) (extract.Candidate, error) {
		close(started)
		<-release
		return extract.Candidate{Fields: validFields(t)}, nil
	}}
	env := newTestEnv(t, Settings{}, x)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	st, err := env.orch.Run(ctx, Submission{Bundle: sampleBundle})
	var f *Failure
	if !errors.As(err, &f) || f.Reason != ReasonCancelled {
		t.Fatalf("err = %v, want cancelled failure", err)
	}
	if st.State != StateFailed {
		t.Errorf("state = %s", st.State)
	}
}

func TestUnknownRun(t *testing.T) {
	env := newTestEnv(t, Settings{}, alwaysValid(t))
	if _, err := env.orch.Status("nope"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("Status: %v", err)
	}
	if err := env.orch.Cancel("nope"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("Cancel: %v", err)
	}
	if _, err := env.orch.Result(context.Background(), "nope"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("Result: %v", err)
	}
}

func TestEviction_FinishedRunsAfterRetention(t *testing.T) {
	renderer, err := reporter.New()
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu  sync.Mutex
		now = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	o := New(Settings{ExtractTimeout: 5 * time.Second, RunRetention: time.Hour}, alwaysValid(t), renderer, st, nil, WithClock(clock))

	done, err := o.Run(context.Background(), Submission{Bundle: sampleBundle})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	failed, _ := o.Run(context.Background(), Submission{Bundle: ingest.Bundle{Name: "bad.json", Format: ingest.FormatJSON, Data: []byte(`[{"a":`)}})
	if failed.State != StateFailed {
		t.Fatalf("state = %s, want failed", failed.State)
	}

	advance(30 * time.Minute)
	if _, err := o.Submit(Submission{Bundle: sampleBundle}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Status(done.RunID); err != nil {
		t.Fatalf("run evicted inside the retention window: %v", err)
	}

	advance(2 * time.Hour)
	latest, err := o.Submit(Submission{Bundle: sampleBundle})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{done.RunID, failed.RunID} {
		if _, err := o.Status(id); !errors.Is(err, ErrUnknownRun) {
			t.Errorf("Status(%s) err = %v, want ErrUnknownRun", id, err)
		}
	}
	if _, err := o.Status(latest); err != nil {
		t.Errorf("new run missing: %v", err)
	}

	// The report of an evicted run is still served from the store.
	rep, err := o.Result(context.Background(), done.RunID)
	if err != nil {
		t.Fatalf("Result after eviction: %v", err)
	}
	if !strings.Contains(string(rep.HTML), "SSH brute force against bastion") {
		t.Error("evicted run returned the wrong report")
	}
	if _, err := o.Result(context.Background(), failed.RunID); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("Result(evicted failed run) err = %v, want ErrUnknownRun", err)
	}
	waitFor(t, o, latest)
}

func TestResult_NotDoneWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	x := &fakeExtractor{fn: func(context.Context, int, extract.Request) (extract.Candidate, error) {
		close(started)
		<-release
		return extract.Candidate{Fields: validFields(t)}, nil
	}}
	env := newTestEnv(t, Settings{}, x)

	id, _ := env.orch.Submit(Submission{Bundle: sampleBundle})
	<-started
	if _, err := env.orch.Result(context.Background(), id); !errors.Is(err, ErrNotDone) {
		t.Errorf("Result while extracting = %v, want ErrNotDone", err)
	}
	close(release)
	waitForState(t, env.orch, id, StateDone)
	if _, err := env.orch.Result(context.Background(), id); err != nil {
		t.Errorf("Result after done: %v", err)
	}
}

func TestShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	x := &fakeExtractor{fn: func(context.Context, int, extract.Request) (extract.Candidate, error) {
		close(started)
		<-release
		return extract.Candidate{Fields: validFields(t)}, nil
	}}
	env := newTestEnv(t, Settings{}, x)

	id, _ := env.orch.Submit(Submission{Bundle: sampleBundle})
	<-started

	done := make(chan error, 1)
	go func() { done <- env.orch.Shutdown(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	st, _ := env.orch.Status(id)
	if st.Failure == nil || st.Failure.Reason != ReasonCancelled {
		t.Errorf("in-flight run after shutdown: %+v", st.Failure)
	}
	if _, err := env.orch.Submit(Submission{Bundle: sampleBundle}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after shutdown = %v, want ErrClosed", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StateIngesting: "ingesting", StateExtracting: "extracting",
		StateValidating: "validating", StateRendering: "rendering", StateDone: "done",
		StateFailed: "failed", State(99): "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", int(s), s.String(), want)
		}
	}
}
