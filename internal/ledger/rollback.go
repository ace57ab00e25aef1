package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/joescharf/quorum/internal/fsutil"
)

// RollbackFailure is one file that could not be restored.
type RollbackFailure struct {
	Path  string
	Error string
}

// RollbackReport lists what a session rollback restored and what it could not.
type RollbackReport struct {
	Restored []string
	Failed   []RollbackFailure
}

// OK reports whether every file was restored.
func (r *RollbackReport) OK() bool { return len(r.Failed) == 0 }

// Rollback restores every listed file from its pristine copy under
// backupRoot. It is best-effort: a missing or unreadable backup is reported
// and the remaining files are still restored. When files is empty the
// backup tree itself is walked.
func Rollback(ctx context.Context, projectRoot, backupRoot string, files []string) (*RollbackReport, error) {
	if _, err := os.Stat(backupRoot); err != nil && len(files) == 0 {
		return nil, fmt.Errorf("backup directory: %w", err)
	}
	if len(files) == 0 {
		var err error
		files, err = BackedUpFiles(backupRoot)
		if err != nil {
			return nil, err
		}
	}

	report := &RollbackReport{}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, RollbackFailure{Path: rel, Error: err.Error()})
			continue
		}
		if err := restoreOne(projectRoot, backupRoot, rel); err != nil {
			slog.Error("rollback failed", slog.String("path", rel), slog.String("error", err.Error()))
			report.Failed = append(report.Failed, RollbackFailure{Path: rel, Error: err.Error()})
			continue
		}
		report.Restored = append(report.Restored, rel)
	}
	return report, nil
}

func restoreOne(projectRoot, backupRoot, rel string) error {
	src, err := fsutil.SafeJoin(backupRoot, rel)
	if err != nil {
		return err
	}
	dst, err := fsutil.SafeJoin(projectRoot, rel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no backup for %s", rel)
		}
		return err
	}
	return fsutil.CopyFile(src, dst)
}

// BackedUpFiles lists the relative paths present in a backup tree, sorted.
func BackedUpFiles(backupRoot string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(backupRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(backupRoot, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk backups: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
