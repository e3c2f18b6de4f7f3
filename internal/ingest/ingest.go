// Package ingest normalizes uploaded log bundles (JSON, NDJSON, CSV, XML, plain text)
// into an ordered sequence of canonical events.
//
// Normalization is pure: it never touches the network or the filesystem, except
// ReadFile which only loads a bundle from disk.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// MaxBundleSize is the upload ceiling for a single log bundle (50 MiB).
const MaxBundleSize int64 = 50 << 20

// Format is the declared encoding of a log bundle.
type Format string

const (
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatCSV    Format = "csv"
	FormatXML    Format = "xml"
	FormatText   Format = "text"
)

// Reason classifies why a bundle was rejected.
type Reason string

const (
	ReasonUnsupportedFormat Reason = "unsupported_format"
	ReasonOversize          Reason = "oversize"
	ReasonMalformed         Reason = "malformed"
)

// IngestionError is returned for any bundle that cannot be normalized.
// It is fatal to a pipeline run and never retried.
type IngestionError struct {
	Reason Reason
	Detail string
}

func (e *IngestionError) Error() string {
	if e.Detail == "" {
		return "ingest: " + string(e.Reason)
	}
	return fmt.Sprintf("ingest: %s: %s", e.Reason, e.Detail)
}

func ingestErr(reason Reason, format string, args ...interface{}) *IngestionError {
	return &IngestionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Bundle is a raw uploaded log file. It is transient: owned by one run and
// discarded once normalized.
type Bundle struct {
	Name   string
	Format Format
	Data   []byte
	// Size is the declared byte size; 0 means len(Data).
	Size int64
}

// ByteSize returns the effective size used for the ceiling check.
func (b Bundle) ByteSize() int64 {
	if b.Size > 0 {
		return b.Size
	}
	return int64(len(b.Data))
}

// CanonicalEvent is one normalized log record. RawFields holds every field of
// the source record verbatim, recognized or not.
type CanonicalEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	SourceIP  string            `json:"source_ip,omitempty"`
	TargetIP  string            `json:"target_ip,omitempty"`
	RawFields map[string]string `json:"raw_fields"`
}

// HasTimestamp reports whether a timestamp was recognized for the event.
func (e CanonicalEvent) HasTimestamp() bool {
	return !e.Timestamp.IsZero()
}

// ParseFormat maps a user-supplied format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "ndjson", "jsonl":
		return FormatNDJSON, nil
	case "csv":
		return FormatCSV, nil
	case "xml":
		return FormatXML, nil
	case "text", "txt", "log":
		return FormatText, nil
	default:
		return "", ingestErr(ReasonUnsupportedFormat, "format %q", s)
	}
}

// FormatFromFilename infers the bundle format from its extension.
func FormatFromFilename(name string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return "", ingestErr(ReasonUnsupportedFormat, "file %q has no extension", filepath.Base(name))
	}
	return ParseFormat(ext)
}

// ReadFile loads a bundle from disk. When format is empty it is inferred from
// the file name. Oversize files are rejected before they are read.
func ReadFile(path string, format Format) (Bundle, error) {
	if format == "" {
		f, err := FormatFromFilename(path)
		if err != nil {
			return Bundle{}, err
		}
		format = f
	}
	info, err := os.Stat(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("stat bundle: %w", err)
	}
	if info.Size() > MaxBundleSize {
		return Bundle{}, oversize(info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle: %w", err)
	}
	return Bundle{Name: filepath.Base(path), Format: format, Data: data}, nil
}

func oversize(size int64) *IngestionError {
	return ingestErr(ReasonOversize, "%s exceeds the %s limit",
		humanize.IBytes(uint64(size)), humanize.IBytes(uint64(MaxBundleSize)))
}

// Normalize parses a bundle into canonical events, preserving source order.
func Normalize(b Bundle) ([]CanonicalEvent, error) {
	if size := b.ByteSize(); size > MaxBundleSize {
		return nil, oversize(size)
	}

	format := b.Format
	if format == "" {
		f, err := FormatFromFilename(b.Name)
		if err != nil {
			return nil, err
		}
		format = f
	}

	var (
		records []map[string]string
		events  []CanonicalEvent
		err     error
	)
	switch format {
	case FormatJSON:
		records, err = parseJSON(b.Data)
	case FormatNDJSON:
		records, err = parseNDJSON(b.Data)
	case FormatCSV:
		records, err = parseCSV(b.Data)
	case FormatXML:
		records, err = parseXML(b.Data)
	case FormatText:
		events = parseText(b.Data)
	default:
		return nil, ingestErr(ReasonUnsupportedFormat, "format %q", format)
	}
	if err != nil {
		return nil, err
	}

	if events == nil {
		events = make([]CanonicalEvent, 0, len(records))
		for _, rec := range records {
			events = append(events, eventFromFields(rec))
		}
	}
	if len(events) == 0 {
		return nil, ingestErr(ReasonMalformed, "no records found in %s bundle", format)
	}
	return events, nil
}
