package extract

import (
	"context"
	"errors"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/findings"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/sigma"
)

// LLMExtractor is the default Extractor. It renders the events into a prompt
// and asks a language model provider for the findings document.
type LLMExtractor struct {
	provider  Provider
	screener  *sigma.Engine
	maxEvents int
	log       *logrus.Logger
}

// Option configures an LLMExtractor.
type Option func(*LLMExtractor)

// WithScreener attaches a Sigma engine whose matches become prompt hints.
func WithScreener(e *sigma.Engine) Option {
	return func(x *LLMExtractor) { x.screener = e }
}

// WithMaxPromptEvents caps the number of events placed in the prompt.
func WithMaxPromptEvents(n int) Option {
	return func(x *LLMExtractor) { x.maxEvents = n }
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *logrus.Logger) Option {
	return func(x *LLMExtractor) { x.log = l }
}

// NewLLMExtractor creates an extractor backed by provider. The findings
// schema is installed on providers that accept one.
func NewLLMExtractor(provider Provider, opts ...Option) *LLMExtractor {
	x := &LLMExtractor{provider: provider, maxEvents: DefaultMaxPromptEvents}
	for _, opt := range opts {
		opt(x)
	}
	if x.log == nil {
		x.log = logrus.StandardLogger()
	}
	if fs, ok := provider.(FormatSetter); ok {
		fs.SetFormat(findings.JSONSchema)
	}
	return x
}

// Extract implements Extractor.
func (x *LLMExtractor) Extract(ctx context.Context, req Request) (Candidate, error) {
	var matches []sigma.Match
	if x.screener != nil {
		matches = x.screener.Screen(ctx, req.Events)
	}
	digest := BuildDigest(req.Events, matches, x.maxEvents)
	x.log.WithFields(logrus.Fields{
		"events":    digest.Total,
		"included":  digest.Included,
		"tagged":    digest.TaggedEvents,
		"truncated": digest.TruncatedFields,
	}).Debug("extraction prompt built")

	raw, err := x.provider.Complete(ctx, SystemPrompt, BuildUserPrompt(digest, req.IncidentTitle, req.Guidance))
	if err != nil {
		if isTimeout(ctx, err) {
			return Candidate{}, &Failure{Reason: ReasonTimeout, Err: err}
		}
		return Candidate{}, &Failure{Reason: ReasonProviderError, Err: err}
	}
	return ParseCandidate(raw)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
