package store

import (
	"context"
	"time"

	"github.com/joescharf/quorum/internal/models"
)

// Backup is the pristine copy of one file taken during a session.
type Backup struct {
	SessionID  string
	FilePath   string
	BackupPath string
	CreatedAt  time.Time
}

// Store defines the persistence interface for the session ledger.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, limit int) ([]*models.Session, error)

	// Ledger entries
	RecordDecision(ctx context.Context, d *models.Decision) error
	RecordFix(ctx context.Context, sessionID string, f *models.Fix) error
	RecordEvent(ctx context.Context, e *models.AuditEvent) error
	RecordBackup(ctx context.Context, sessionID, relPath, backupPath string) error

	ListDecisions(ctx context.Context, sessionID string) ([]*models.Decision, error)
	ListFixes(ctx context.Context, sessionID string) ([]*models.Fix, error)
	ListEvents(ctx context.Context, sessionID string) ([]*models.AuditEvent, error)
	ListBackups(ctx context.Context, sessionID string) ([]*Backup, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
