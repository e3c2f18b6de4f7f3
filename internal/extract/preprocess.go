package extract

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/ingest"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/sigma"
)

const (
	// maxFieldValueLen is the maximum length of a raw field value in the digest.
	maxFieldValueLen = 500
	// DefaultMaxPromptEvents caps the number of events placed in one prompt.
	DefaultMaxPromptEvents = 500
)

// Digest is the compact text form of the events given to the model.
type Digest struct {
	Text            string
	Total           int
	Included        int
	TaggedEvents    int
	TruncatedFields int
}

// BuildDigest renders events one per line. When there are more than
// maxEvents events, rule-tagged events are kept first and the remainder is
// filled in source order; the selection is always printed in source order.
func BuildDigest(events []ingest.CanonicalEvent, matches []sigma.Match, maxEvents int) Digest {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxPromptEvents
	}
	tags := sigma.ByEvent(matches)
	selected := selectEvents(len(events), tags, maxEvents)

	d := Digest{Total: len(events), Included: len(selected), TaggedEvents: len(tags)}
	var b strings.Builder
	for _, idx := range selected {
		d.TruncatedFields += writeEvent(&b, idx, events[idx], tags[idx])
	}
	d.Text = b.String()
	return d
}

func selectEvents(total int, tags map[int][]sigma.Match, maxEvents int) []int {
	if total <= maxEvents {
		out := make([]int, total)
		for i := range out {
			out[i] = i
		}
		return out
	}

	tagged := make([]int, 0, len(tags))
	for idx := range tags {
		tagged = append(tagged, idx)
	}
	sort.Ints(tagged)

	picked := make(map[int]bool, maxEvents)
	out := make([]int, 0, maxEvents)
	for _, idx := range tagged {
		if len(out) == maxEvents {
			break
		}
		picked[idx] = true
		out = append(out, idx)
	}
	for i := 0; i < total && len(out) < maxEvents; i++ {
		if !picked[i] {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// writeEvent writes one digest line and returns the number of truncated values.
func writeEvent(b *strings.Builder, idx int, ev ingest.CanonicalEvent, tags []sigma.Match) int {
	fmt.Fprintf(b, "[%d]", idx+1)
	if ev.HasTimestamp() {
		fmt.Fprintf(b, " time=%s", ev.Timestamp.UTC().Format(time.RFC3339))
	}
	if ev.SourceIP != "" {
		fmt.Fprintf(b, " src=%s", ev.SourceIP)
	}
	if ev.TargetIP != "" {
		fmt.Fprintf(b, " dst=%s", ev.TargetIP)
	}

	keys := make([]string, 0, len(ev.RawFields))
	for k := range ev.RawFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	truncated := 0
	for _, k := range keys {
		v := oneLine(ev.RawFields[k])
		if v == "" {
			continue
		}
		if len(v) > maxFieldValueLen {
			cut := runeCut(v, maxFieldValueLen)
			v = v[:cut] + fmt.Sprintf("...[+%d chars]", len(v)-cut)
			truncated++
		}
		fmt.Fprintf(b, " %s=%s", k, v)
	}
	for _, t := range tags {
		fmt.Fprintf(b, " {rule hint: %s (%s)}", t.RuleTitle, t.Level)
	}
	b.WriteString("\n")
	return truncated
}

// runeCut returns the largest index <= n that starts a rune in s.
func runeCut(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
