package extract

import (
	"fmt"
	"strings"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/findings"
)

// cleanJSONResponse strips markdown code fences and leading/trailing whitespace.
// Leading prose before the first brace is dropped as well.
func cleanJSONResponse(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}

	s = strings.TrimSpace(s)
	if start := strings.Index(s, "{"); start > 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}

// ParseCandidate decodes a model answer. The answer must be exactly one JSON
// object carrying every required top-level key; otherwise a malformed_output
// Failure is returned together with whatever could be decoded.
func ParseCandidate(raw string) (Candidate, error) {
	c := Candidate{Raw: raw}
	cleaned := cleanJSONResponse(raw)
	if cleaned == "" {
		return c, &Failure{Reason: ReasonMalformedOutput, Err: fmt.Errorf("empty response")}
	}

	fields, err := findings.Decode([]byte(cleaned))
	if err != nil {
		return c, &Failure{Reason: ReasonMalformedOutput, Err: fmt.Errorf("not a single JSON object: %w", err)}
	}
	c.Fields = fields

	var missing []string
	for _, key := range findings.RequiredFields {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return c, &Failure{Reason: ReasonMalformedOutput, Err: fmt.Errorf("missing top-level fields: %s", strings.Join(missing, ", "))}
	}
	return c, nil
}
