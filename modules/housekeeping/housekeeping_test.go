package housekeeping

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/module"
	"taskd/internal/storage"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

type purgeStore struct {
	storage.Store
	maxAge   time.Duration
	maxCount int
	calls    int
}

func (s *purgeStore) PurgeHistory(_ context.Context, _ time.Time, maxAge time.Duration, maxCount int) (int64, error) {
	s.calls++
	s.maxAge, s.maxCount = maxAge, maxCount
	return 7, nil
}

func newModule(t *testing.T, store storage.Store, raw string) *Module {
	t.Helper()
	m := New()
	require.NoError(t, m.Init(context.Background(), module.Deps{Log: logx.Nop(), Store: store}))
	if raw != "" {
		require.NoError(t, m.OnConfigChange(context.Background(), json.RawMessage(raw)))
	}
	return m
}

func newContext(params map[string]string, cancelled func() bool) (*task.Context, *[]int) {
	var seen []int
	progress := func(p *int, _ string) {
		if p != nil {
			seen = append(seen, *p)
		}
	}
	return task.NewContext(task.Descriptor{}, task.ExecutionInfo{}, params, logx.Nop(), progress, cancelled), &seen
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()
	assert.NoError(t, m.ValidateConfig(ctx, nil))
	assert.NoError(t, m.ValidateConfig(ctx, json.RawMessage(`{"history_max_age":"720h","temp_pattern":"*.tmp"}`)))
	assert.Error(t, m.ValidateConfig(ctx, json.RawMessage(`{"history_max_age":"soon"}`)))
	assert.Error(t, m.ValidateConfig(ctx, json.RawMessage(`{"temp_pattern":"[" }`)))
	assert.Error(t, m.ValidateConfig(ctx, json.RawMessage(`{"unknown":1}`)))
}

func TestPurgeUsesParamsOverConfig(t *testing.T) {
	t.Parallel()
	store := &purgeStore{}
	m := newModule(t, store, `{"history_max_age":"720h","history_max_count":100}`)

	tc, _ := newContext(map[string]string{"max_count": "5"}, nil)
	require.NoError(t, (&purgeHandler{m: m}).Run(context.Background(), tc))
	assert.Equal(t, 720*time.Hour, store.maxAge)
	assert.Equal(t, 5, store.maxCount)
	assert.Equal(t, "removed 7 history rows", tc.Result())
}

func TestPurgeWithoutLimitsIsNoop(t *testing.T) {
	t.Parallel()
	store := &purgeStore{}
	m := newModule(t, store, "")
	tc, _ := newContext(nil, nil)
	require.NoError(t, (&purgeHandler{m: m}).Run(context.Background(), tc))
	assert.Zero(t, store.calls)
	assert.Equal(t, "no retention limits configured", tc.Result())
}

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	mt := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mt, mt))
}

func TestCleanupRemovesStaleMatchingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "old.tmp"), 48*time.Hour)
	touch(t, filepath.Join(dir, "sub", "older.tmp"), 72*time.Hour)
	touch(t, filepath.Join(dir, "fresh.tmp"), time.Minute)
	touch(t, filepath.Join(dir, "old.keep"), 48*time.Hour)

	m := newModule(t, &purgeStore{}, "")
	tc, progress := newContext(map[string]string{"dir": dir, "pattern": "*.tmp", "older_than": "24h"}, nil)
	require.NoError(t, (&cleanupHandler{m: m}).Run(context.Background(), tc))

	assert.NoFileExists(t, filepath.Join(dir, "old.tmp"))
	assert.NoFileExists(t, filepath.Join(dir, "sub", "older.tmp"))
	assert.FileExists(t, filepath.Join(dir, "fresh.tmp"))
	assert.FileExists(t, filepath.Join(dir, "old.keep"))
	assert.DirExists(t, filepath.Join(dir, "sub"))
	assert.Equal(t, "removed 2 files (2 B)", tc.Result())
	require.NotEmpty(t, *progress)
	assert.Equal(t, 100, (*progress)[len(*progress)-1])
}

func TestCleanupStopsOnCancel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.tmp"), 48*time.Hour)
	touch(t, filepath.Join(dir, "b.tmp"), 48*time.Hour)

	m := newModule(t, &purgeStore{}, "")
	tc, _ := newContext(map[string]string{"dir": dir}, func() bool { return true })
	err := (&cleanupHandler{m: m}).Run(context.Background(), tc)
	require.ErrorIs(t, err, task.ErrCancelled)
	assert.FileExists(t, filepath.Join(dir, "a.tmp"))
	assert.FileExists(t, filepath.Join(dir, "b.tmp"))
}

func TestCleanupRefusesRoot(t *testing.T) {
	t.Parallel()
	m := newModule(t, &purgeStore{}, "")
	tc, _ := newContext(map[string]string{"dir": "/"}, nil)
	assert.Error(t, (&cleanupHandler{m: m}).Run(context.Background(), tc))
}

func TestModuleRegistersBothTypes(t *testing.T) {
	t.Parallel()
	regs := New().Tasks()
	require.Len(t, regs, 2)
	assert.Equal(t, TypePurgeHistory, regs[0].Type)
	assert.Equal(t, TypeCleanupTempFiles, regs[1].Type)
}
