package orchestrator

import (
	"fmt"
	"time"
)

// State is a pipeline run's position in the state machine.
type State int

const (
	StateIdle State = iota
	StateIngesting
	StateExtracting
	StateValidating
	StateRendering
	StateDone
	StateFailed
)

// String returns the lowercase state name used in logs and the API.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIngesting:
		return "ingesting"
	case StateExtracting:
		return "extracting"
	case StateValidating:
		return "validating"
	case StateRendering:
		return "rendering"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Reason is the machine-readable cause of a failed run.
type Reason string

const (
	ReasonUnsupportedFormat      Reason = "unsupported_format"
	ReasonOversize               Reason = "oversize"
	ReasonMalformed              Reason = "malformed"
	ReasonExtractionUnresolvable Reason = "extraction_unresolvable"
	ReasonExtractionTimeout      Reason = "extraction_timeout"
	ReasonRenderError            Reason = "render_error"
	ReasonStorageError           Reason = "storage_error"
	ReasonCancelled              Reason = "cancelled"
)

// Failure describes why a run ended in StateFailed.
type Failure struct {
	Reason Reason `json:"reason"`
	// Stage is the state the run was in when it failed.
	Stage   State  `json:"stage"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("run failed in %s: %s: %s", f.Stage, f.Reason, f.Message)
}

// Status is a point-in-time snapshot of a run.
type Status struct {
	RunID         string    `json:"run_id"`
	State         State     `json:"state"`
	IncidentTitle string    `json:"incident_title,omitempty"`
	BundleName    string    `json:"bundle_name,omitempty"`
	SubmittedBy   string    `json:"submitted_by,omitempty"`
	Events        int       `json:"events"`
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts"`
	Failure       *Failure  `json:"failure,omitempty"`
	ReportKey     string    `json:"report_key,omitempty"`
	History       []State   `json:"history"`
	SubmittedAt   time.Time `json:"submitted_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s Status) clone() Status {
	out := s
	out.History = append([]State(nil), s.History...)
	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}
	return out
}
