package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport(key string, at time.Time) Report {
	return Report{
		Key:           key,
		IncidentTitle: "Incident " + key,
		GeneratedAt:   at,
		HTML:          []byte("<html><body>" + key + "</body></html>"),
		Findings:      []byte(`{"incident_title":"Incident ` + key + `"}`),
	}
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, sampleReport("run-1", at)))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, sampleReport("run-1", at), got)

	for _, name := range []string{ReportFile, FindingsFile, MetaFile} {
		assert.FileExists(t, filepath.Join(s.Dir(), "run-1", name))
	}
}

func TestFileStore_NeverOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := sampleReport("run-1", time.Now())
	require.NoError(t, s.Put(ctx, first))

	second := first
	second.HTML = []byte("<html>replaced</html>")
	err := s.Put(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExists))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.HTML, got.HTML)
}

func TestFileStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Get(context.Background(), "../etc")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStore_RejectsBadKeys(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"", ".hidden", "a/b", "..", "x y"} {
		err := s.Put(context.Background(), sampleReport(key, time.Now()))
		var serr *StorageError
		assert.True(t, errors.As(err, &serr), "key %q", key)
	}
}

func TestFileStore_CrashBeforePublishLeavesNothingVisible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	crash := errors.New("simulated crash")
	s.staged = func(tmpDir string) error {
		// Every artifact is on disk in the staging directory at this point.
		for _, name := range []string{ReportFile, FindingsFile, MetaFile} {
			assert.FileExists(t, filepath.Join(tmpDir, name))
		}
		metas, err := s.List(ctx)
		assert.NoError(t, err)
		assert.Empty(t, metas, "staged report visible to List")
		_, err = s.Get(ctx, "run-1")
		assert.True(t, errors.Is(err, ErrNotFound), "staged report visible to Get")
		return crash
	}

	err := s.Put(ctx, sampleReport("run-1", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, crash))

	_, err = s.Get(ctx, "run-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	metas, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)

	// A failed write can be retried under the same key.
	s.staged = nil
	require.NoError(t, s.Put(ctx, sampleReport("run-1", time.Now())))
}

func TestFileStore_LeftoverStagingIgnoredAndSwept(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, stagingPrefix+"run-9-123")
	require.NoError(t, os.MkdirAll(partial, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(partial, ReportFile), []byte("<html><bo"), 0644))

	reader := &FileStore{dir: dir}
	metas, err := reader.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, metas)

	_, err = NewFileStore(dir)
	require.NoError(t, err)
	assert.NoDirExists(t, partial)
}

func TestFileStore_DetectsTampering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleReport("run-1", time.Now())))

	path := filepath.Join(s.Dir(), "run-1", ReportFile)
	require.NoError(t, os.WriteFile(path, []byte("<html>edited</html>"), 0644))

	_, err := s.Get(ctx, "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestFileStore_ListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, sampleReport("old", base)))
	require.NoError(t, s.Put(ctx, sampleReport("new", base.Add(time.Hour))))

	metas, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "new", metas[0].Key)
	assert.Equal(t, "old", metas[1].Key)
	assert.Len(t, metas[0].Files, 2)
}

func TestFileStore_ConcurrentPutsSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := sampleReport("shared", time.Now())
			r.HTML = []byte(fmt.Sprintf("<html>%d</html>", i))
			errs[i] = s.Put(ctx, r)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.True(t, errors.Is(err, ErrExists), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)

	_, err := s.Get(ctx, "shared")
	assert.NoError(t, err)
}
