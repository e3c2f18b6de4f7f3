// Package orchestrator drives submitted log bundles through ingestion,
// extraction, validation, rendering and storage, one goroutine per run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/config"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/extract"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/findings"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/ingest"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/logging"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/reporter"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/store"
)

var (
	ErrUnknownRun = errors.New("unknown run")
	ErrNotDone    = errors.New("run has not completed")
	ErrClosed     = errors.New("orchestrator is shut down")
)

const (
	defaultExtractTimeout = 10 * time.Minute
	defaultRunRetention   = time.Hour
)

const timeoutCorrection = "Your previous answer did not arrive in time. Return only the JSON object, keep descriptions short and add no commentary.\n"

// Settings are the per-process pipeline policies.
type Settings struct {
	Model             string
	ExtractTimeout    time.Duration
	MaxRetries        int
	MaxConcurrentRuns int
	SanitizeHTML      bool
	// RunRetention is how long a finished run stays queryable by id. Its
	// report stays readable from the store after that.
	RunRetention time.Duration
}

// SettingsFromConfig builds Settings from a loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Model:             cfg.LLM.Model,
		ExtractTimeout:    cfg.Pipeline.ExtractTimeoutDuration(),
		MaxRetries:        cfg.Pipeline.MaxRetries,
		MaxConcurrentRuns: cfg.Pipeline.MaxConcurrentRuns,
		SanitizeHTML:      cfg.Pipeline.SanitizeHTML,
		RunRetention:      cfg.Pipeline.RunRetentionDuration(),
	}
}

// Submission is one analysis request.
type Submission struct {
	Bundle ingest.Bundle
	// IncidentTitle, when set, replaces the extracted title.
	IncidentTitle string
	Guidance      string
	// SubmittedBy names the authenticated caller, when there is one.
	SubmittedBy string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics reports pipeline metrics to m. Without it, metrics go to a
// private registry.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the clock used for report and status timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns every run's state. All methods are safe for concurrent use.
type Orchestrator struct {
	settings  Settings
	extractor extract.Extractor
	validator *findings.Validator
	renderer  *reporter.Renderer
	store     store.Store
	log       *logrus.Logger
	metrics   *Metrics
	now       func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*run
	closed bool
}

type run struct {
	id         string
	sub        Submission
	status     Status
	enteredAt  time.Time
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// New creates an Orchestrator. Zero or negative limits in settings fall back
// to one concurrent run, no retries, a ten minute extraction timeout and one
// hour of run retention.
func New(settings Settings, extractor extract.Extractor, renderer *reporter.Renderer, st store.Store, log *logrus.Logger, opts ...Option) *Orchestrator {
	if settings.MaxConcurrentRuns <= 0 {
		settings.MaxConcurrentRuns = 1
	}
	if settings.MaxRetries < 0 {
		settings.MaxRetries = 0
	}
	if settings.ExtractTimeout <= 0 {
		settings.ExtractTimeout = defaultExtractTimeout
	}
	if settings.RunRetention <= 0 {
		settings.RunRetention = defaultRunRetention
	}
	if log == nil {
		log = logging.Discard()
	}
	o := &Orchestrator{
		settings:  settings,
		extractor: extractor,
		validator: findings.NewValidator(settings.SanitizeHTML),
		renderer:  renderer,
		store:     st,
		log:       log,
		now:       time.Now,
		sem:       make(chan struct{}, settings.MaxConcurrentRuns),
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return o
}

// MaxAttempts is the total number of extraction calls a run may make.
func (o *Orchestrator) MaxAttempts() int {
	return 1 + o.settings.MaxRetries
}

// Submit registers a run and starts it in the background. The run stays
// idle until a concurrency slot frees up.
func (o *Orchestrator) Submit(sub Submission) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}

	now := o.now().UTC()
	o.evictLocked(now)
	r := &run{
		id:     uuid.NewString(),
		sub:    sub,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.status = Status{
		RunID:         r.id,
		State:         StateIdle,
		IncidentTitle: sub.IncidentTitle,
		BundleName:    sub.Bundle.Name,
		SubmittedBy:   sub.SubmittedBy,
		MaxAttempts:   o.MaxAttempts(),
		History:       []State{StateIdle},
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	o.runs[r.id] = r

	fields := logrus.Fields{"run_id": r.id, "state": StateIdle.String(), "bundle": sub.Bundle.Name}
	if sub.SubmittedBy != "" {
		fields["subject"] = sub.SubmittedBy
	}
	o.log.WithFields(fields).Info("run submitted")

	o.wg.Add(1)
	go o.execute(r)
	return r.id, nil
}

// Status returns a snapshot of the run. It never blocks on extraction.
func (o *Orchestrator) Status(runID string) (Status, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[runID]
	if !ok {
		return Status{}, ErrUnknownRun
	}
	return r.status.clone(), nil
}

// Result returns the stored report of a run that reached StateDone. A run
// that was already evicted is looked up in the store by its id.
func (o *Orchestrator) Result(ctx context.Context, runID string) (store.Report, error) {
	st, err := o.Status(runID)
	if errors.Is(err, ErrUnknownRun) && store.ValidKey(runID) {
		rep, gerr := o.store.Get(ctx, runID)
		if errors.Is(gerr, store.ErrNotFound) {
			return store.Report{}, err
		}
		return rep, gerr
	}
	if err != nil {
		return store.Report{}, err
	}
	if st.State != StateDone {
		return store.Report{}, fmt.Errorf("%w: run %s is %s", ErrNotDone, runID, st.State)
	}
	return o.store.Get(ctx, st.ReportKey)
}

// Cancel asks a run to stop. The run observes the request at its next stage
// boundary; cancelling a finished run has no effect.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.RLock()
	r, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return ErrUnknownRun
	}
	r.requestCancel()
	return nil
}

// Wait blocks until the run is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (Status, error) {
	o.mu.RLock()
	r, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return Status{}, ErrUnknownRun
	}
	select {
	case <-r.done:
		return o.snapshot(r), nil
	case <-ctx.Done():
		return o.snapshot(r), ctx.Err()
	}
}

func (o *Orchestrator) snapshot(r *run) Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return r.status.clone()
}

// evictLocked drops finished runs older than the retention window. o.mu
// must be held for writing.
func (o *Orchestrator) evictLocked(now time.Time) {
	cutoff := now.Add(-o.settings.RunRetention)
	for id, r := range o.runs {
		select {
		case <-r.done:
		default:
			continue
		}
		if r.status.UpdatedAt.Before(cutoff) {
			delete(o.runs, id)
		}
	}
}

// Run submits sub and waits for it. If ctx ends first the run is cancelled
// and Run waits for it to reach its next stage boundary. A failed run is
// returned together with its *Failure.
func (o *Orchestrator) Run(ctx context.Context, sub Submission) (Status, error) {
	id, err := o.Submit(sub)
	if err != nil {
		return Status{}, err
	}
	st, err := o.Wait(ctx, id)
	if err != nil {
		_ = o.Cancel(id)
		st, _ = o.Wait(context.Background(), id)
	}
	if st.Failure != nil {
		return st, st.Failure
	}
	return st, nil
}

// Shutdown refuses new submissions, cancels every unfinished run and waits
// for all run goroutines to exit or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, r := range o.runs {
		if !r.status.State.Terminal() {
			r.requestCancel()
		}
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancel) })
}

func (r *run) cancelled() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) execute(r *run) {
	defer o.wg.Done()
	defer close(r.done)

	select {
	case o.sem <- struct{}{}:
	case <-r.cancel:
		o.fail(r, ReasonCancelled, "cancelled while queued")
		return
	}
	defer func() { <-o.sem }()

	o.metrics.inFlight.Inc()
	defer o.metrics.inFlight.Dec()

	o.pipeline(r)
}

func (o *Orchestrator) pipeline(r *run) {
	if !o.checkpoint(r) {
		return
	}
	o.transition(r, StateIngesting)
	events, err := ingest.Normalize(r.sub.Bundle)
	// The raw bundle is not kept past normalization.
	r.sub.Bundle = ingest.Bundle{Name: r.sub.Bundle.Name}
	if err != nil {
		o.failIngest(r, err)
		return
	}
	o.update(r, func(s *Status) { s.Events = len(events) })

	doc, ok := o.extractFindings(r, events)
	if !ok {
		return
	}

	if !o.checkpoint(r) {
		return
	}
	o.transition(r, StateRendering)
	html, err := o.renderer.Render(doc)
	if err != nil {
		o.fail(r, ReasonRenderError, err.Error())
		return
	}
	data, err := doc.MarshalIndented()
	if err != nil {
		o.fail(r, ReasonRenderError, fmt.Sprintf("encode findings: %v", err))
		return
	}

	rep := store.Report{
		Key:           r.id,
		IncidentTitle: doc.IncidentTitle,
		GeneratedAt:   o.now().UTC(),
		HTML:          html,
		Findings:      data,
	}
	if err := o.store.Put(context.Background(), rep); err != nil {
		o.fail(r, ReasonStorageError, err.Error())
		return
	}

	o.update(r, func(s *Status) {
		s.ReportKey = rep.Key
		s.IncidentTitle = doc.IncidentTitle
	})
	o.transition(r, StateDone)
	o.metrics.runs.WithLabelValues(StateDone.String()).Inc()
}

func (o *Orchestrator) failIngest(r *run, err error) {
	var ierr *ingest.IngestionError
	if !errors.As(err, &ierr) {
		o.fail(r, ReasonMalformed, err.Error())
		return
	}
	reason := ReasonMalformed
	switch ierr.Reason {
	case ingest.ReasonUnsupportedFormat:
		reason = ReasonUnsupportedFormat
	case ingest.ReasonOversize:
		reason = ReasonOversize
	}
	o.fail(r, reason, ierr.Detail)
}

// extractFindings runs the bounded extract/validate loop. Each rejected
// attempt appends a correction to the guidance of the next one.
func (o *Orchestrator) extractFindings(r *run, events []ingest.CanonicalEvent) (*findings.Document, bool) {
	attempts := o.MaxAttempts()
	guidance := r.sub.Guidance
	var (
		lastTimedOut bool
		lastProblem  string
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		if !o.checkpoint(r) {
			return nil, false
		}
		o.update(r, func(s *Status) { s.Attempt = attempt })
		o.transition(r, StateExtracting)

		req := extract.Request{Events: events, Guidance: guidance, IncidentTitle: r.sub.IncidentTitle}
		cand, timedOut, err := o.callExtractor(req)
		if r.cancelled() {
			o.fail(r, ReasonCancelled, "cancelled during extraction, result discarded")
			return nil, false
		}

		o.transition(r, StateValidating)
		fields := cand.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		if r.sub.IncidentTitle != "" {
			fields["incident_title"] = r.sub.IncidentTitle
		}
		doc, verr := o.validator.Validate(fields)
		if verr == nil {
			o.metrics.attempts.WithLabelValues("valid").Inc()
			return doc, true
		}

		outcome := "rejected"
		var xf *extract.Failure
		switch {
		case timedOut:
			outcome = "timeout"
		case errors.As(err, &xf) && xf.Reason == extract.ReasonProviderError:
			outcome = "provider_error"
		}
		o.metrics.attempts.WithLabelValues(outcome).Inc()

		lastTimedOut = timedOut
		lastProblem = verr.Error()
		if err != nil {
			lastProblem = err.Error()
		}
		o.log.WithFields(logrus.Fields{
			"run_id":  r.id,
			"state":   StateValidating.String(),
			"attempt": attempt,
			"outcome": outcome,
		}).Warnf("extraction rejected: %s", lastProblem)

		if attempt < attempts {
			guidance = appendGuidance(guidance, correctionFor(verr, timedOut))
		}
	}

	reason := ReasonExtractionUnresolvable
	if lastTimedOut {
		reason = ReasonExtractionTimeout
	}
	o.fail(r, reason, fmt.Sprintf("no valid findings after %d attempt(s): %s", attempts, lastProblem))
	return nil, false
}

// callExtractor runs one extraction on a context that run cancellation does
// not reach, bounded by the extraction timeout even if the extractor ignores
// its context.
func (o *Orchestrator) callExtractor(req extract.Request) (extract.Candidate, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.settings.ExtractTimeout)
	defer cancel()

	type result struct {
		cand extract.Candidate
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		cand, err := o.extractor.Extract(ctx, req)
		ch <- result{cand, err}
	}()

	select {
	case res := <-ch:
		var xf *extract.Failure
		timedOut := errors.Is(res.err, context.DeadlineExceeded) ||
			(errors.As(res.err, &xf) && xf.Reason == extract.ReasonTimeout)
		return res.cand, timedOut, res.err
	case <-ctx.Done():
		return extract.Candidate{}, true, &extract.Failure{Reason: extract.ReasonTimeout, Err: ctx.Err()}
	}
}

func correctionFor(err error, timedOut bool) string {
	if timedOut {
		return timeoutCorrection
	}
	var verr *findings.ValidationError
	if errors.As(err, &verr) {
		return verr.Correction()
	}
	return "Your previous answer was rejected: " + err.Error() + "\n"
}

func appendGuidance(guidance, correction string) string {
	if guidance == "" {
		return correction
	}
	return guidance + "\n\n" + correction
}

// checkpoint fails the run if cancellation was requested.
func (o *Orchestrator) checkpoint(r *run) bool {
	if r.cancelled() {
		o.fail(r, ReasonCancelled, "cancelled by request")
		return false
	}
	return true
}

func (o *Orchestrator) update(r *run, fn func(*Status)) {
	o.mu.Lock()
	fn(&r.status)
	r.status.UpdatedAt = o.now().UTC()
	o.mu.Unlock()
}

func (o *Orchestrator) transition(r *run, next State) {
	o.mu.Lock()
	prev := r.status.State
	r.status.State = next
	r.status.History = append(r.status.History, next)
	r.status.UpdatedAt = o.now().UTC()
	attempt := r.status.Attempt
	o.mu.Unlock()

	now := time.Now()
	if prev != StateIdle && !prev.Terminal() && !r.enteredAt.IsZero() {
		o.metrics.stages.WithLabelValues(prev.String()).Observe(now.Sub(r.enteredAt).Seconds())
	}
	r.enteredAt = now

	entry := o.log.WithFields(logrus.Fields{"run_id": r.id, "state": next.String()})
	if next == StateExtracting {
		entry.WithField("model", o.settings.Model).Infof("extraction attempt %d/%d", attempt, o.MaxAttempts())
		return
	}
	entry.Info("run state changed")
}

func (o *Orchestrator) fail(r *run, reason Reason, msg string) {
	o.mu.Lock()
	stage := r.status.State
	r.status.Failure = &Failure{Reason: reason, Stage: stage, Message: msg}
	o.mu.Unlock()

	o.transition(r, StateFailed)
	o.metrics.runs.WithLabelValues(string(reason)).Inc()
	o.log.WithFields(logrus.Fields{
		"run_id": r.id,
		"state":  StateFailed.String(),
		"reason": string(reason),
		"stage":  stage.String(),
	}).Warn(msg)
}
