package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"taskd/internal/config"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// cleanupHandler deletes stale regular files below a directory.
//
// Params: dir, older_than (duration), pattern (filepath.Match on the base
// name), max_delete. Directories and symlinks are never removed.
type cleanupHandler struct{ m *Module }

type candidate struct {
	path string
	size int64
}

func (h *cleanupHandler) Run(ctx context.Context, tc *task.Context) error {
	cfg, _ := h.m.snapshot()

	dir := cfg.tempDir
	if v := tc.Param("dir"); v != "" {
		dir = v
	}
	if err := checkRoot(dir); err != nil {
		return err
	}
	olderThan, err := config.Duration("older_than", tc.Param("older_than"), cfg.tempMaxAge)
	if err != nil {
		return err
	}
	pattern := cfg.tempPattern
	if v := tc.Param("pattern"); v != "" {
		if err := checkPattern(v); err != nil {
			return fmt.Errorf("pattern: %w", err)
		}
		pattern = v
	}
	limit := tc.ParamInt("max_delete", cfg.tempMaxDelete)

	tc.ReportProgress(0, "scanning "+dir)
	cutoff := time.Now().Add(-olderThan)
	found, err := scan(ctx, tc, dir, pattern, cutoff, limit)
	if err != nil {
		return err
	}

	var (
		removed int
		freed   int64
		failed  []error
	)
	for i, c := range found {
		if err := tc.CheckCancelled(); err != nil {
			tc.SetResult(summary(removed, freed, len(failed)))
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			failed = append(failed, err)
			tc.Log.Debug("temp file not removed", logx.String("path", c.path), logx.Err(err))
		} else {
			removed++
			freed += c.size
		}
		tc.ReportProgress(10+90*(i+1)/len(found), fmt.Sprintf("removed %d of %d", removed, len(found)))
	}

	tc.ReportProgress(100, "done")
	tc.SetResult(summary(removed, freed, len(failed)))
	if len(failed) > 0 && removed == 0 {
		return fmt.Errorf("cleanup: %w", errors.Join(failed...))
	}
	return nil
}

func scan(ctx context.Context, tc *task.Context, root, pattern string, cutoff time.Time, limit int) ([]candidate, error) {
	var out []candidate
	seen := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// Unreadable subtrees are skipped.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		seen++
		if seen%500 == 0 {
			if err := tc.CheckCancelled(); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			tc.ReportMessage(fmt.Sprintf("scanned %d files", seen))
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		out = append(out, candidate{path: path, size: info.Size()})
		if limit > 0 && len(out) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	tc.ReportProgress(10, fmt.Sprintf("%d of %d files are stale", len(out), seen))
	return out, nil
}

func checkRoot(dir string) error {
	if dir == "" {
		return errors.New("cleanup: dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if filepath.Dir(abs) == abs {
		return fmt.Errorf("cleanup: refusing to clean filesystem root %q", abs)
	}
	return nil
}

func checkPattern(p string) error {
	_, err := filepath.Match(p, "")
	return err
}

func summary(removed int, freed int64, failed int) string {
	s := fmt.Sprintf("removed %d files (%s)", removed, humanize.IBytes(uint64(freed)))
	if failed > 0 {
		s += fmt.Sprintf(", %d failed", failed)
	}
	return s
}
