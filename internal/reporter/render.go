// Package reporter renders a validated findings document into the
// self-contained HTML incident report.
package reporter

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"math"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/findings"
)

//go:embed templates/*.tmpl
var templates embed.FS

// NotObserved is shown in place of an empty optional sub-field.
const NotObserved = "not observed"

// RenderError reports a template execution failure. Given a validated
// document it indicates a renderer defect.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string { return "render report: " + e.Err.Error() }

func (e *RenderError) Unwrap() error { return e.Err }

// ReportData is the view model passed to the HTML template.
type ReportData struct {
	IncidentTitle       string
	IncidentDates       string
	ExecutiveSummary    string
	Cards               []CardView
	EntryPoints         template.HTML
	TimelineDescription string
	Timeline            []findings.TimelineEvent
	Objectives          []findings.AttackObjective
	IOCs                template.HTML
	Recommendations     template.HTML
	Conclusion          string
	Footer              string
}

// CardView is a statistic with its number already formatted.
type CardView struct {
	Number string
	Label  string
}

// Renderer turns findings documents into report HTML.
type Renderer struct {
	tmpl *template.Template
}

// New creates a Renderer with the embedded HTML template.
func New() (*Renderer, error) {
	funcMap := template.FuncMap{
		"severityClass": func(severity string) string {
			switch severity {
			case findings.SeverityCritical:
				return "sev-critical"
			case findings.SeverityHigh:
				return "sev-high"
			case findings.SeverityMedium:
				return "sev-medium"
			case findings.SeverityLow:
				return "sev-low"
			default:
				return "sev-none"
			}
		},
		"orNotObserved": func(s string) string {
			if s == "" {
				return NotObserved
			}
			return s
		},
		"isEmpty": func(s string) bool { return s == "" },
	}

	tmpl, err := template.New("report.html.tmpl").Funcs(funcMap).ParseFS(templates, "templates/report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render produces the report for doc. Output depends only on doc.
func (r *Renderer) Render(doc *findings.Document) ([]byte, error) {
	if doc == nil {
		return nil, &RenderError{Err: fmt.Errorf("nil findings document")}
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, NewReportData(doc)); err != nil {
		return nil, &RenderError{Err: err}
	}
	return buf.Bytes(), nil
}

// NewReportData builds the view model. HTML fragment fields are trusted
// here; they were checked and sanitized by the validator.
func NewReportData(doc *findings.Document) ReportData {
	cards := make([]CardView, len(doc.StatisticsCards))
	for i, c := range doc.StatisticsCards {
		cards[i] = CardView{Number: FormatNumber(c.Number), Label: c.Label}
	}

	objectives := make([]findings.AttackObjective, len(doc.AttackObjectives))
	copy(objectives, doc.AttackObjectives)
	sort.SliceStable(objectives, func(i, j int) bool {
		return findings.SeverityRank(objectives[i].Severity) < findings.SeverityRank(objectives[j].Severity)
	})

	return ReportData{
		IncidentTitle:       doc.IncidentTitle,
		IncidentDates:       doc.IncidentDates,
		ExecutiveSummary:    doc.ExecutiveSummary,
		Cards:               cards,
		EntryPoints:         template.HTML(doc.EntryPointsHTML),
		TimelineDescription: doc.TimelineDescription,
		Timeline:            doc.TimelineEvents,
		Objectives:          objectives,
		IOCs:                template.HTML(doc.IOCsHTML),
		Recommendations:     template.HTML(doc.RecommendationsHTML),
		Conclusion:          doc.Conclusion,
		Footer:              doc.Footer,
	}
}

// FormatNumber prints whole numbers with thousands separators and
// fractional numbers with one decimal place.
func FormatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return humanize.Comma(int64(f))
	}
	return humanize.FormatFloat("#,###.#", f)
}
