// Package store persists rendered incident reports. Artifacts are written
// once and never modified: a second Put for the same key fails with ErrExists.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when no report exists for a key.
	ErrNotFound = errors.New("report not found")
	// ErrExists is returned when a report already exists for a key.
	ErrExists = errors.New("report already exists")
)

// StorageError wraps a failed store operation with its cause.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Artifact file names.
const (
	ReportFile   = "report.html"
	FindingsFile = "findings.json"
	MetaFile     = "meta.json"
)

// Report is one rendered incident report and the findings it was rendered from.
type Report struct {
	Key           string
	IncidentTitle string
	GeneratedAt   time.Time
	HTML          []byte
	Findings      []byte
}

// FileHash records the SHA-256 digest of a stored artifact.
type FileHash struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

// Meta describes a stored report without its content.
type Meta struct {
	Key           string     `json:"key"`
	IncidentTitle string     `json:"incident_title"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Files         []FileHash `json:"files"`
}

// Store is the report persistence interface.
type Store interface {
	// Put stores a report atomically. Readers never observe a partial report.
	Put(ctx context.Context, r Report) error
	Get(ctx context.Context, key string) (Report, error)
	// List returns stored reports, newest first.
	List(ctx context.Context) ([]Meta, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidKey reports whether key can name a report.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

func checkReport(r Report) error {
	if !ValidKey(r.Key) {
		return errors.Errorf("invalid key %q", r.Key)
	}
	if len(r.HTML) == 0 {
		return errors.New("empty report html")
	}
	return nil
}

func metaFor(r Report) Meta {
	return Meta{
		Key:           r.Key,
		IncidentTitle: r.IncidentTitle,
		GeneratedAt:   r.GeneratedAt.UTC(),
		Files: []FileHash{
			{File: ReportFile, SHA256: sha256Hex(r.HTML), Size: len(r.HTML)},
			{File: FindingsFile, SHA256: sha256Hex(r.Findings), Size: len(r.Findings)},
		},
	}
}

// sha256Hex computes the SHA-256 hex digest of data.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
