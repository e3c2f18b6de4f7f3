package findings

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/microcosm-cc/bluemonday"
)

// Validator checks candidate documents against the findings contract.
type Validator struct {
	sanitize bool
	policy   *bluemonday.Policy
}

// NewValidator returns a Validator. When sanitize is set, HTML fragment
// fields are passed through an allow-list policy after they pass validation.
func NewValidator(sanitize bool) *Validator {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Globally()
	return &Validator{sanitize: sanitize, policy: p}
}

var defaultValidator = NewValidator(true)

// Validate checks fields with HTML sanitization enabled.
func Validate(fields map[string]any) (*Document, error) {
	return defaultValidator.Validate(fields)
}

// Validate checks, in order: required fields, field types, statistic
// numbers, timeline timestamps, and markup. All violations are collected
// before returning. An unsorted timeline is stably sorted, not rejected.
func (v *Validator) Validate(fields map[string]any) (*Document, error) {
	verr := &ValidationError{}
	doc := &Document{}

	for _, key := range RequiredFields {
		if _, ok := fields[key]; !ok {
			verr.Missing = append(verr.Missing, key)
		}
	}

	str := func(key string, dst *string) {
		raw, ok := fields[key]
		if !ok {
			return
		}
		s, ok := raw.(string)
		if !ok {
			verr.TypeErrors = append(verr.TypeErrors, fmt.Sprintf("%s must be a string, got %s", key, typeName(raw)))
			return
		}
		*dst = s
	}
	str("incident_title", &doc.IncidentTitle)
	str("incident_dates", &doc.IncidentDates)
	str("executive_summary", &doc.ExecutiveSummary)
	str("entry_points_html", &doc.EntryPointsHTML)
	str("timeline_description", &doc.TimelineDescription)
	str("iocs_html", &doc.IOCsHTML)
	str("recommendations_html", &doc.RecommendationsHTML)
	str("conclusion", &doc.Conclusion)
	str("footer", &doc.Footer)

	if raw, ok := fields["statistics_cards"]; ok {
		doc.StatisticsCards = v.statCards(raw, verr)
	}
	if raw, ok := fields["timeline_events"]; ok {
		doc.TimelineEvents = v.timeline(raw, verr)
	}
	if raw, ok := fields["attack_objectives"]; ok {
		doc.AttackObjectives = v.objectives(raw, verr)
	}

	v.checkMarkup(doc, verr)

	if !verr.empty() {
		return nil, verr
	}

	if v.sanitize {
		doc.EntryPointsHTML = v.policy.Sanitize(doc.EntryPointsHTML)
		doc.IOCsHTML = v.policy.Sanitize(doc.IOCsHTML)
		doc.RecommendationsHTML = v.policy.Sanitize(doc.RecommendationsHTML)
	}
	sort.SliceStable(doc.TimelineEvents, func(i, j int) bool {
		return doc.TimelineEvents[i].Time.Before(doc.TimelineEvents[j].Time)
	})
	return doc, nil
}

func (v *Validator) statCards(raw any, verr *ValidationError) []StatCard {
	items, ok := raw.([]any)
	if !ok {
		verr.TypeErrors = append(verr.TypeErrors, "statistics_cards must be a list, got "+typeName(raw))
		return nil
	}
	cards := make([]StatCard, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("statistics_cards[%d]", i)
		obj, ok := item.(map[string]any)
		if !ok {
			verr.TypeErrors = append(verr.TypeErrors, path+" must be an object, got "+typeName(item))
			continue
		}
		var card StatCard
		if n, ok := obj["number"]; !ok {
			verr.Missing = append(verr.Missing, path+".number")
		} else if f, err := toNumber(n); err != nil {
			verr.TypeErrors = append(verr.TypeErrors, fmt.Sprintf("%s.number %v", path, err))
		} else {
			card.Number = f
		}
		subString(obj, path, "label", true, &card.Label, verr)
		cards = append(cards, card)
	}
	return cards
}

func (v *Validator) timeline(raw any, verr *ValidationError) []TimelineEvent {
	items, ok := raw.([]any)
	if !ok {
		verr.TypeErrors = append(verr.TypeErrors, "timeline_events must be a list, got "+typeName(raw))
		return nil
	}
	events := make([]TimelineEvent, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("timeline_events[%d]", i)
		obj, ok := item.(map[string]any)
		if !ok {
			verr.TypeErrors = append(verr.TypeErrors, path+" must be an object, got "+typeName(item))
			continue
		}
		var ev TimelineEvent
		if subString(obj, path, "timestamp", true, &ev.Timestamp, verr) {
			ts, err := parseTimestamp(ev.Timestamp)
			if err != nil {
				verr.OrderingErrors = append(verr.OrderingErrors,
					fmt.Sprintf("%s.timestamp %q is not a recognizable date/time", path, ev.Timestamp))
			}
			ev.Time = ts
		}
		subString(obj, path, "title", true, &ev.Title, verr)
		subString(obj, path, "description", false, &ev.Description, verr)
		subString(obj, path, "source_ip", false, &ev.SourceIP, verr)
		subString(obj, path, "target_ip", false, &ev.TargetIP, verr)
		var sev string
		if subString(obj, path, "severity", false, &sev, verr) {
			if norm, ok := normalizeSeverity(sev); ok {
				ev.Severity = norm
			} else {
				verr.TypeErrors = append(verr.TypeErrors, fmt.Sprintf("%s.severity %q must be one of Critical, High, Medium, Low", path, sev))
			}
		}
		events = append(events, ev)
	}
	return events
}

func (v *Validator) objectives(raw any, verr *ValidationError) []AttackObjective {
	items, ok := raw.([]any)
	if !ok {
		verr.TypeErrors = append(verr.TypeErrors, "attack_objectives must be a list, got "+typeName(raw))
		return nil
	}
	out := make([]AttackObjective, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("attack_objectives[%d]", i)
		obj, ok := item.(map[string]any)
		if !ok {
			verr.TypeErrors = append(verr.TypeErrors, path+" must be an object, got "+typeName(item))
			continue
		}
		var o AttackObjective
		subString(obj, path, "objective", true, &o.Objective, verr)
		if d, ok := obj["details"]; ok && d != nil {
			list, ok := d.([]any)
			if !ok {
				verr.TypeErrors = append(verr.TypeErrors, path+".details must be a list of strings, got "+typeName(d))
			}
			for j, entry := range list {
				s, ok := entry.(string)
				if !ok {
					verr.TypeErrors = append(verr.TypeErrors, fmt.Sprintf("%s.details[%d] must be a string, got %s", path, j, typeName(entry)))
					continue
				}
				o.Details = append(o.Details, s)
			}
		}
		var sev string
		if subString(obj, path, "severity", false, &sev, verr) {
			if norm, ok := normalizeSeverity(sev); ok {
				o.Severity = norm
			} else {
				verr.TypeErrors = append(verr.TypeErrors, fmt.Sprintf("%s.severity %q must be one of Critical, High, Medium, Low", path, sev))
			}
		}
		out = append(out, o)
	}
	return out
}

// subString reads an optional or required string sub-field. A null optional
// field counts as absent. It reports whether a string was read.
func subString(obj map[string]any, path, key string, required bool, dst *string, verr *ValidationError) bool {
	raw, ok := obj[key]
	if !ok || (raw == nil && !required) {
		if required {
			verr.Missing = append(verr.Missing, path+"."+key)
		}
		return false
	}
	s, ok := raw.(string)
	if !ok {
		verr.TypeErrors = append(verr.TypeErrors, fmt.Sprintf("%s.%s must be a string, got %s", path, key, typeName(raw)))
		return false
	}
	*dst = s
	return true
}

func toNumber(raw any) (float64, error) {
	var f float64
	switch n := raw.(type) {
	case json.Number:
		v, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n.String())
		}
		f = v
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		v, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		f = v
	default:
		return 0, fmt.Errorf("must be a number, got %s", typeName(raw))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be a finite number")
	}
	return f, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, " UTC")
	ts, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
