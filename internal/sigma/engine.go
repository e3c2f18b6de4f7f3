// Package sigma pre-screens canonical events with Sigma rules. Matches are
// hints for the extraction prompt, not detections.
package sigma

import (
	"context"
	"embed"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	sigmalib "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/ingest"
)

//go:embed rules
var embeddedRules embed.FS

// Engine evaluates Sigma rules against canonical events.
type Engine struct {
	rules []evaluator.RuleEvaluator
}

// NewDefault creates an Engine loaded with the built-in embedded Sigma rules.
func NewDefault() (*Engine, error) {
	sub, err := fs.Sub(embeddedRules, "rules")
	if err != nil {
		return nil, err
	}
	return New(sub)
}

// New creates an Engine by loading Sigma rules from the given FS.
// All .yml/.yaml files are parsed as Sigma rules, in lexical path order.
func New(rulesFS fs.FS) (*Engine, error) {
	var rules []evaluator.RuleEvaluator

	err := fs.WalkDir(rulesFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		data, err := fs.ReadFile(rulesFS, path)
		if err != nil {
			return err
		}
		rule, err := sigmalib.ParseRule(data)
		if err != nil {
			return err
		}
		rules = append(rules, *evaluator.ForRule(rule))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Engine{rules: rules}, nil
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// Screen evaluates every rule against every event. Matches are ordered by
// event index, then by rule load order.
func (e *Engine) Screen(ctx context.Context, events []ingest.CanonicalEvent) []Match {
	var matches []Match
	for i, event := range events {
		if ctx.Err() != nil {
			break
		}
		fields := eventFields(event)
		for _, ev := range e.rules {
			res, err := ev.Matches(ctx, fields)
			if err != nil || !res.Match {
				continue
			}
			matches = append(matches, Match{
				EventIndex: i,
				RuleTitle:  ev.Rule.Title,
				RuleID:     ev.Rule.ID,
				Level:      ev.Rule.Level,
			})
		}
	}
	return matches
}

// ByEvent groups matches by event index.
func ByEvent(matches []Match) map[int][]Match {
	out := make(map[int][]Match)
	for _, m := range matches {
		out[m.EventIndex] = append(out[m.EventIndex], m)
	}
	return out
}

// eventFields builds the flat map rules are evaluated against. Alongside the
// raw fields it carries source_ip, target_ip and search_text, a lowercased
// concatenation of every value so rules can match regardless of log format.
func eventFields(event ingest.CanonicalEvent) map[string]interface{} {
	keys := make([]string, 0, len(event.RawFields))
	for k := range event.RawFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make(map[string]interface{}, len(keys)+3)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		v := event.RawFields[k]
		fields[k] = v
		values = append(values, v)
	}
	fields["source_ip"] = event.SourceIP
	fields["target_ip"] = event.TargetIP
	fields["search_text"] = strings.ToLower(strings.Join(values, " "))
	return fields
}
