package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joescharf/quorum/internal/ledger"
	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/report"
	"github.com/joescharf/quorum/internal/store"
)

// SessionStore is the slice of the store a session rollback needs.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListBackups(ctx context.Context, sessionID string) ([]*store.Backup, error)
	RecordEvent(ctx context.Context, e *models.AuditEvent) error
}

// RollbackSession restores every file a session backed up to its pristine
// state. id may be a unique prefix. When the store holds no backup rows the
// session's backup tree is walked instead.
func RollbackSession(ctx context.Context, st SessionStore, id string, logger *slog.Logger) (*models.Session, *ledger.RollbackReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sess, err := st.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	backups, err := st.ListBackups(ctx, sess.ID)
	if err != nil {
		return sess, nil, err
	}
	files := make([]string, 0, len(backups))
	for _, b := range backups {
		files = append(files, b.FilePath)
	}

	rep, err := ledger.Rollback(ctx, sess.ProjectRoot, sess.BackupRoot, files)
	if err != nil {
		return sess, nil, err
	}

	record := func(e *models.AuditEvent) {
		e.SessionID = sess.ID
		if err := st.RecordEvent(ctx, e); err != nil {
			logger.Warn("persist event failed", slog.String("error", err.Error()))
		}
	}
	for _, f := range rep.Failed {
		record(&models.AuditEvent{
			Kind:     models.AuditRollbackFailed,
			FilePath: f.Path,
			Critical: true,
			Message:  f.Error,
		})
	}
	msg := fmt.Sprintf("restored %d file(s)", len(rep.Restored))
	if !rep.OK() {
		failed := make([]string, 0, len(rep.Failed))
		for _, f := range rep.Failed {
			failed = append(failed, f.Path)
		}
		msg += fmt.Sprintf(", %d failed: %s", len(rep.Failed), strings.Join(failed, ", "))
	}
	record(&models.AuditEvent{
		Kind:     models.AuditSessionRollback,
		Critical: !rep.OK(),
		Message:  msg,
	})
	logger.Info("session rolled back",
		slog.String("session", sess.ID),
		slog.Int("restored", len(rep.Restored)),
		slog.Int("failed", len(rep.Failed)),
	)
	return sess, rep, nil
}

// FindSessionDir resolves a session id (or unique prefix) to its directory
// under reportsDir and loads the session from its summary.
func FindSessionDir(reportsDir, id string) (*models.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session %w: empty id", store.ErrNotFound)
	}
	dir := filepath.Join(reportsDir, "session-"+id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		matches, err := filepath.Glob(filepath.Join(reportsDir, "session-"+id+"*"))
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", reportsDir, err)
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("session %w: %s in %s", store.ErrNotFound, id, reportsDir)
		case 1:
			dir = matches[0]
		default:
			return nil, fmt.Errorf("session %w: %s", store.ErrAmbiguous, id)
		}
	}

	sum, err := report.ReadSessionSummary(filepath.Join(dir, report.SummaryFile))
	if err != nil {
		return nil, err
	}
	return &models.Session{
		ID:          strings.TrimPrefix(filepath.Base(dir), "session-"),
		ProjectRoot: sum.Project,
		Root:        dir,
		BackupRoot:  filepath.Join(dir, ledger.FixesDir, ledger.BackupDir),
		DryRun:      sum.DryRun,
		GitHead:     sum.GitHead,
		GitDirty:    sum.GitDirty,
		StartedAt:   sum.StartTime,
		EndedAt:     sum.EndTime,
	}, nil
}

// RollbackDir restores a session found on disk, for when the session history
// database is unavailable. The backup tree is the list of files to restore;
// failures are logged since there is no store to record them in.
func RollbackDir(ctx context.Context, reportsDir, id string, logger *slog.Logger) (*models.Session, *ledger.RollbackReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sess, err := FindSessionDir(reportsDir, id)
	if err != nil {
		return nil, nil, err
	}
	rep, err := ledger.Rollback(ctx, sess.ProjectRoot, sess.BackupRoot, nil)
	if err != nil {
		return sess, nil, err
	}
	for _, f := range rep.Failed {
		logger.Error("rollback failed",
			slog.String("session", sess.ID),
			slog.String("path", f.Path),
			slog.String("error", f.Error),
		)
	}
	logger.Info("session rolled back from directory",
		slog.String("session", sess.ID),
		slog.Int("restored", len(rep.Restored)),
		slog.Int("failed", len(rep.Failed)),
	)
	return sess, rep, nil
}
