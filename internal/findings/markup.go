package findings

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

var markdownPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"bold", regexp.MustCompile(`\*\*[^*\n]+\*\*`)},
	{"code fence", regexp.MustCompile("```")},
	{"link", regexp.MustCompile(`\[[^\]\n]+\]\([^)\s]+\)`)},
	{"heading", regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+\S`)},
}

// voidElements never take an end tag.
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true,
	"img": true, "input": true, "link": true, "meta": true, "param": true,
	"source": true, "track": true, "wbr": true,
}

func (v *Validator) checkMarkup(doc *Document, verr *ValidationError) {
	plain := []struct{ name, value string }{
		{"incident_title", doc.IncidentTitle},
		{"incident_dates", doc.IncidentDates},
		{"executive_summary", doc.ExecutiveSummary},
		{"timeline_description", doc.TimelineDescription},
		{"conclusion", doc.Conclusion},
		{"footer", doc.Footer},
	}
	for i, c := range doc.StatisticsCards {
		plain = append(plain, struct{ name, value string }{fmt.Sprintf("statistics_cards[%d].label", i), c.Label})
	}
	for i, ev := range doc.TimelineEvents {
		p := fmt.Sprintf("timeline_events[%d]", i)
		plain = append(plain,
			struct{ name, value string }{p + ".title", ev.Title},
			struct{ name, value string }{p + ".description", ev.Description},
		)
	}
	for i, o := range doc.AttackObjectives {
		p := fmt.Sprintf("attack_objectives[%d]", i)
		plain = append(plain, struct{ name, value string }{p + ".objective", o.Objective})
		for j, d := range o.Details {
			plain = append(plain, struct{ name, value string }{fmt.Sprintf("%s.details[%d]", p, j), d})
		}
	}
	for _, f := range plain {
		if kind := markdownKind(f.value); kind != "" {
			verr.TypeErrors = append(verr.TypeErrors, fmt.Sprintf("%s contains markdown (%s); use plain text", f.name, kind))
		}
	}

	fragments := []struct{ name, value string }{
		{"entry_points_html", doc.EntryPointsHTML},
		{"iocs_html", doc.IOCsHTML},
		{"recommendations_html", doc.RecommendationsHTML},
	}
	for _, f := range fragments {
		if kind := markdownKind(f.value); kind != "" {
			verr.TypeErrors = append(verr.TypeErrors, fmt.Sprintf("%s contains markdown (%s); use HTML tags", f.name, kind))
		}
		if r, ok := controlChar(f.value); ok {
			verr.MarkupErrors = append(verr.MarkupErrors, fmt.Sprintf("%s contains control character %U", f.name, r))
		}
		if err := checkBalanced(f.value); err != nil {
			verr.MarkupErrors = append(verr.MarkupErrors, fmt.Sprintf("%s is not a well-formed fragment: %v", f.name, err))
		}
	}
}

func markdownKind(s string) string {
	for _, p := range markdownPatterns {
		if p.re.MatchString(s) {
			return p.name
		}
	}
	return ""
}

func controlChar(s string) (rune, bool) {
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return r, true
		}
	}
	return 0, false
}

// checkBalanced verifies that every opened non-void element is closed in
// order.
func checkBalanced(fragment string) error {
	z := html.NewTokenizer(strings.NewReader(fragment))
	var stack []string
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return z.Err()
			}
			if len(stack) > 0 {
				return fmt.Errorf("unclosed <%s>", stack[len(stack)-1])
			}
			return nil
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if !voidElements[tag] {
				stack = append(stack, tag)
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if voidElements[tag] {
				continue
			}
			if len(stack) == 0 || stack[len(stack)-1] != tag {
				return fmt.Errorf("unexpected </%s>", tag)
			}
			stack = stack[:len(stack)-1]
		}
	}
}
