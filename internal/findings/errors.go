package findings

import (
	"fmt"
	"strings"
)

// ValidationError lists every contract violation found in one pass.
type ValidationError struct {
	Missing        []string
	TypeErrors     []string
	OrderingErrors []string
	MarkupErrors   []string
}

func (e *ValidationError) empty() bool {
	return len(e.Missing) == 0 && len(e.TypeErrors) == 0 &&
		len(e.OrderingErrors) == 0 && len(e.MarkupErrors) == 0
}

// Count returns the total number of violations.
func (e *ValidationError) Count() int {
	return len(e.Missing) + len(e.TypeErrors) + len(e.OrderingErrors) + len(e.MarkupErrors)
}

// Violations returns every violation as a single line, grouped by kind.
func (e *ValidationError) Violations() []string {
	out := make([]string, 0, e.Count())
	for _, f := range e.Missing {
		out = append(out, "missing field: "+f)
	}
	for _, s := range e.TypeErrors {
		out = append(out, "type error: "+s)
	}
	for _, s := range e.OrderingErrors {
		out = append(out, "timeline error: "+s)
	}
	for _, s := range e.MarkupErrors {
		out = append(out, "markup error: "+s)
	}
	return out
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("findings: %d violation(s): %s", e.Count(), strings.Join(e.Violations(), "; "))
}

// Correction renders a single instruction covering every violation, to be
// appended to the guidance of the next extraction attempt.
func (e *ValidationError) Correction() string {
	var b strings.Builder
	b.WriteString("Your previous answer was rejected. Return the complete JSON object again and fix ALL of the following problems:\n")
	for _, v := range e.Violations() {
		b.WriteString("- ")
		b.WriteString(v)
		b.WriteString("\n")
	}
	if len(e.Missing) > 0 {
		b.WriteString("Every one of these keys must be present, spelled exactly: ")
		b.WriteString(strings.Join(RequiredFields, ", "))
		b.WriteString(".\n")
	}
	if len(e.MarkupErrors) > 0 {
		b.WriteString("Fields ending in _html must be well-formed HTML fragments with every tag closed.\n")
	}
	return b.String()
}
