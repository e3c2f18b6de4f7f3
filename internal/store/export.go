package store

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
)

// EvidencePackage is the package_info.json manifest of an exported report.
type EvidencePackage struct {
	Version       string     `json:"version"`
	Key           string     `json:"key"`
	IncidentTitle string     `json:"incident_title"`
	GeneratedAt   time.Time  `json:"generated_at"`
	ExportedAt    time.Time  `json:"exported_at"`
	ToolVersion   string     `json:"tool_version"`
	Files         []FileHash `json:"files"`
}

// Export writes a ZIP evidence package for key to w: the report, its
// findings document and a package_info.json manifest with SHA-256 digests.
// Entries are prefixed with the key.
func Export(ctx context.Context, s Store, key, toolVersion string, w io.Writer) error {
	r, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	meta := metaFor(r)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{ReportFile, r.HTML},
		{FindingsFile, r.Findings},
	} {
		if err := writeZipEntry(zw, key+"/"+f.name, r.GeneratedAt, f.data); err != nil {
			return &StorageError{Op: "export", Key: key, Err: err}
		}
	}

	pkg := EvidencePackage{
		Version:       "1.0",
		Key:           r.Key,
		IncidentTitle: r.IncidentTitle,
		GeneratedAt:   meta.GeneratedAt,
		ExportedAt:    time.Now().UTC(),
		ToolVersion:   toolVersion,
		Files:         meta.Files,
	}
	pkgJSON, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return &StorageError{Op: "export", Key: key, Err: errors.Wrap(err, "marshal package info")}
	}
	if err := writeZipEntry(zw, key+"/package_info.json", pkg.ExportedAt, pkgJSON); err != nil {
		return &StorageError{Op: "export", Key: key, Err: err}
	}

	if err := zw.Close(); err != nil {
		return &StorageError{Op: "export", Key: key, Err: errors.Wrap(err, "close zip writer")}
	}
	return nil
}

func writeZipEntry(zw *zip.Writer, name string, modified time.Time, data []byte) error {
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
	if err != nil {
		return errors.Wrapf(err, "zip create %s", name)
	}
	if _, err := fw.Write(data); err != nil {
		return errors.Wrapf(err, "zip write %s", name)
	}
	return nil
}
