package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// stagingPrefix marks in-progress writes. Entries starting with "." are
// invisible to readers.
const stagingPrefix = ".staging-"

// FileStore keeps each report in its own directory:
//
//	<dir>/<key>/report.html
//	<dir>/<key>/findings.json
//	<dir>/<key>/meta.json
//
// A report is staged in a hidden directory and published with one rename.
type FileStore struct {
	dir string

	// staged is called after all files are written and before publishing.
	staged func(tmpDir string) error
}

// NewFileStore opens (creating if needed) a store rooted at dir. Staging
// directories left behind by an interrupted write are removed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "open", Err: errors.Wrap(err, "create store dir")}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: errors.Wrap(err, "read store dir")}
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) {
			os.RemoveAll(filepath.Join(dir, e.Name()))
		}
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string { return s.dir }

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, r Report) error {
	if err := checkReport(r); err != nil {
		return &StorageError{Op: "put", Key: r.Key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "put", Key: r.Key, Err: err}
	}

	final := filepath.Join(s.dir, r.Key)
	if _, err := os.Stat(final); err == nil {
		return &StorageError{Op: "put", Key: r.Key, Err: ErrExists}
	}

	tmp, err := os.MkdirTemp(s.dir, stagingPrefix+r.Key+"-")
	if err != nil {
		return &StorageError{Op: "put", Key: r.Key, Err: errors.Wrap(err, "create staging dir")}
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(tmp)
		}
	}()

	meta, err := json.MarshalIndent(metaFor(r), "", "  ")
	if err != nil {
		return &StorageError{Op: "put", Key: r.Key, Err: errors.Wrap(err, "marshal meta")}
	}
	for _, f := range []struct {
		name string
		data []byte
	}{
		{ReportFile, r.HTML},
		{FindingsFile, r.Findings},
		{MetaFile, meta},
	} {
		if err := writeSynced(filepath.Join(tmp, f.name), f.data); err != nil {
			return &StorageError{Op: "put", Key: r.Key, Err: errors.Wrapf(err, "write %s", f.name)}
		}
	}

	if s.staged != nil {
		if err := s.staged(tmp); err != nil {
			return &StorageError{Op: "put", Key: r.Key, Err: err}
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			return &StorageError{Op: "put", Key: r.Key, Err: ErrExists}
		}
		return &StorageError{Op: "put", Key: r.Key, Err: errors.Wrap(err, "publish")}
	}
	published = true
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Get implements Store. Artifact digests are checked against meta.json.
func (s *FileStore) Get(ctx context.Context, key string) (Report, error) {
	if !ValidKey(key) {
		return Report{}, &StorageError{Op: "get", Key: key, Err: ErrNotFound}
	}
	dir := filepath.Join(s.dir, key)
	meta, err := readMeta(dir)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return Report{}, &StorageError{Op: "get", Key: key, Err: ErrNotFound}
		}
		return Report{}, &StorageError{Op: "get", Key: key, Err: err}
	}

	r := Report{Key: meta.Key, IncidentTitle: meta.IncidentTitle, GeneratedAt: meta.GeneratedAt}
	for _, fh := range meta.Files {
		data, err := os.ReadFile(filepath.Join(dir, fh.File))
		if err != nil {
			return Report{}, &StorageError{Op: "get", Key: key, Err: errors.Wrapf(err, "read %s", fh.File)}
		}
		if sha256Hex(data) != fh.SHA256 {
			return Report{}, &StorageError{Op: "get", Key: key, Err: errors.Errorf("%s digest mismatch", fh.File)}
		}
		switch fh.File {
		case ReportFile:
			r.HTML = data
		case FindingsFile:
			r.Findings = data
		}
	}
	return r, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: errors.Wrap(err, "read store dir")}
	}
	metas := make([]Meta, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		meta, err := readMeta(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sortMetas(metas)
	return metas, nil
}

func readMeta(dir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return Meta{}, errors.Wrap(err, "read meta")
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, errors.Wrap(err, "decode meta")
	}
	return meta, nil
}

func sortMetas(metas []Meta) {
	sort.SliceStable(metas, func(i, j int) bool {
		if !metas[i].GeneratedAt.Equal(metas[j].GeneratedAt) {
			return metas[i].GeneratedAt.After(metas[j].GeneratedAt)
		}
		return metas[i].Key < metas[j].Key
	})
}
