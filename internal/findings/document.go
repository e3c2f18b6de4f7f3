// Package findings defines the findings document contract and the validator
// that turns an untrusted candidate into a frozen Document.
package findings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// RequiredFields lists the top-level keys of the contract, in report order.
// Keys are case-sensitive; extra keys are ignored.
var RequiredFields = []string{
	"incident_title",
	"incident_dates",
	"executive_summary",
	"statistics_cards",
	"entry_points_html",
	"timeline_description",
	"timeline_events",
	"attack_objectives",
	"iocs_html",
	"recommendations_html",
	"conclusion",
	"footer",
}

// Severity levels accepted on timeline events and attack objectives.
const (
	SeverityCritical = "Critical"
	SeverityHigh     = "High"
	SeverityMedium   = "Medium"
	SeverityLow      = "Low"
)

// SeverityRank orders severities Critical first. Untagged entries sort last.
func SeverityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

func normalizeSeverity(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", true
	case "critical":
		return SeverityCritical, true
	case "high":
		return SeverityHigh, true
	case "medium":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	}
	return "", false
}

// StatCard is one headline statistic.
type StatCard struct {
	Number float64 `json:"number"`
	Label  string  `json:"label"`
}

// TimelineEvent is one entry of the attack timeline.
type TimelineEvent struct {
	Timestamp   string    `json:"timestamp"`
	Time        time.Time `json:"-"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	SourceIP    string    `json:"source_ip,omitempty"`
	TargetIP    string    `json:"target_ip,omitempty"`
	Severity    string    `json:"severity,omitempty"`
}

// AttackObjective is one attacker goal with its supporting details.
type AttackObjective struct {
	Objective string   `json:"objective"`
	Details   []string `json:"details,omitempty"`
	Severity  string   `json:"severity,omitempty"`
}

// Document is a validated findings document. It is produced only by the
// validator and must not be modified afterwards. Fields ending in HTML hold
// markup fragments that have already been checked (and sanitized when
// enabled); every other string is plain text.
type Document struct {
	IncidentTitle       string            `json:"incident_title"`
	IncidentDates       string            `json:"incident_dates"`
	ExecutiveSummary    string            `json:"executive_summary"`
	StatisticsCards     []StatCard        `json:"statistics_cards"`
	EntryPointsHTML     string            `json:"entry_points_html"`
	TimelineDescription string            `json:"timeline_description"`
	TimelineEvents      []TimelineEvent   `json:"timeline_events"`
	AttackObjectives    []AttackObjective `json:"attack_objectives"`
	IOCsHTML            string            `json:"iocs_html"`
	RecommendationsHTML string            `json:"recommendations_html"`
	Conclusion          string            `json:"conclusion"`
	Footer              string            `json:"footer"`
}

// MarshalIndented returns the document in contract form, as persisted next
// to the rendered report.
func (d *Document) MarshalIndented() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Fields returns the document as a contract map, suitable for validating again.
func (d *Document) Fields() (map[string]any, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return Decode(data)
}

// Decode parses a JSON object into a contract map. Numbers are kept as
// json.Number so their source text survives validation.
func Decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("expected a JSON object, got null")
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, errors.New("unexpected data after the JSON object")
	}
	return fields, nil
}
