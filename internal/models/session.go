package models

import "time"

// Session is one analysis-and-fix run. Its backup tree is the rollback
// source of truth and is never removed automatically.
type Session struct {
	ID            string
	ProjectRoot   string
	Root          string // <reports_dir>/session-<id>
	BackupRoot    string
	Strategy      Strategy
	DryRun        bool
	GitHead       string
	GitDirty      bool
	Agents        []string
	FixesApplied  int
	FixesFailed   int
	FilesModified []string
	StartedAt     time.Time
	EndedAt       *time.Time
}

// AuditKind names an audit trail entry.
type AuditKind string

const (
	AuditBackup              AuditKind = "backup"
	AuditVerifierUnavailable AuditKind = "verifier-unavailable"
	AuditRollback            AuditKind = "rollback"
	AuditRollbackFailed      AuditKind = "rollback-failed"
	AuditFixSkipped          AuditKind = "fix-skipped"
	AuditSessionRollback     AuditKind = "session-rollback"
)

// AuditEvent is a single append-only audit entry.
type AuditEvent struct {
	ID        string
	SessionID string
	Kind      AuditKind
	FilePath  string
	FixID     string
	Critical  bool
	Message   string
	CreatedAt time.Time
}

// Decision records whether a candidate issue was trusted, and by whom.
type Decision struct {
	ID         string
	SessionID  string
	Validated  bool
	Strategy   Strategy
	FilePath   string
	LineNumber int
	IssueType  string
	AgreedBy   []string
	Confidence float64
	Rationale  string
	CreatedAt  time.Time
}
