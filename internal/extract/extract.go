// Package extract defines the extraction stage contract and its default
// implementation, which asks a language model provider for a findings document.
package extract

import (
	"context"
	"fmt"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/ingest"
)

// Reason classifies an extraction failure.
type Reason string

const (
	ReasonTimeout         Reason = "timeout"
	ReasonMalformedOutput Reason = "malformed_output"
	ReasonProviderError   Reason = "provider_error"
)

// Request is the input of one extraction call.
type Request struct {
	Events []ingest.CanonicalEvent
	// Guidance is free-form analyst guidance, including accumulated
	// corrections from earlier rejected attempts.
	Guidance string
	// IncidentTitle, when set, is given to the model as the fixed title.
	IncidentTitle string
}

// Candidate is an unvalidated findings document. Fields may be nil when the
// response held no JSON object at all.
type Candidate struct {
	Raw    string
	Fields map[string]any
}

// Failure is returned when extraction produced no usable candidate.
// A Candidate returned alongside a malformed_output Failure still carries
// whatever could be decoded.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "extract: " + string(f.Reason)
	}
	return fmt.Sprintf("extract: %s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Extractor produces a candidate findings document from canonical events.
// Implementations are non-deterministic; callers must validate the result.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Candidate, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, req Request) (Candidate, error)

// Extract calls f(ctx, req).
func (f ExtractorFunc) Extract(ctx context.Context, req Request) (Candidate, error) {
	return f(ctx, req)
}
