// Package ledger is the append-only record of one session: corroboration
// decisions, fix outcomes, audit events and the backup tree that makes
// every mutation reversible.
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
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/quorum/internal/fsutil"
	"github.com/joescharf/quorum/internal/models"
)

// Session directory layout.
const (
	AnalysisDir    = "1-ANALYSIS"
	FixesDir       = "2-FIXES"
	BackupDir      = "backup"
	CheckpointsDir = "checkpoints"
)

// ErrNoProjectRoot is returned by Open when the project root is unusable.
var ErrNoProjectRoot = errors.New("project root not found")

// Recorder persists ledger entries as they are appended.
type Recorder interface {
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	RecordDecision(ctx context.Context, d *models.Decision) error
	RecordFix(ctx context.Context, sessionID string, f *models.Fix) error
	RecordEvent(ctx context.Context, e *models.AuditEvent) error
	RecordBackup(ctx context.Context, sessionID, relPath, backupPath string) error
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	session  models.Session
	rec      Recorder
	logger   *slog.Logger
	now      func() time.Time
	decision []models.Decision
	fixes    []models.Fix
	events   []models.AuditEvent
	backups  map[string]string // rel path -> pristine copy
	modified map[string]bool
	files    map[string]*sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRecorder writes every entry through to r.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) { l.rec = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithStrategy records the corroboration strategy on the session.
func WithStrategy(s models.Strategy) Option {
	return func(l *Ledger) { l.session.Strategy = s }
}

// WithDryRun marks the session as a simulation.
func WithDryRun(dry bool) Option {
	return func(l *Ledger) { l.session.DryRun = dry }
}

// WithGit records repository provenance on the session.
func WithGit(head string, dirty bool) Option {
	return func(l *Ledger) {
		l.session.GitHead = head
		l.session.GitDirty = dirty
	}
}

// NewID returns a time-ordered unique identifier.
func NewID() string {
	return ulid.Make().String()
}

// Open starts a new session under reportsDir for the project at projectRoot
// and lays out its directories. A missing project root or an unusable
// reports directory is fatal for the run.
func Open(ctx context.Context, projectRoot, reportsDir string, opts ...Option) (*Ledger, error) {
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoProjectRoot, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoProjectRoot, projectRoot)
	}

	l := &Ledger{
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		backups:  make(map[string]string),
		modified: make(map[string]bool),
		files:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}

	id := NewID()
	root := filepath.Join(reportsDir, "session-"+id)
	l.session.ID = id
	l.session.ProjectRoot = absRoot
	l.session.Root = root
	l.session.BackupRoot = filepath.Join(root, FixesDir, BackupDir)
	l.session.StartedAt = l.now()

	for _, dir := range []string{
		filepath.Join(root, AnalysisDir),
		l.session.BackupRoot,
		filepath.Join(root, FixesDir, CheckpointsDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
	}

	if l.rec != nil {
		s := l.session
		if err := l.rec.CreateSession(ctx, &s); err != nil {
			return nil, fmt.Errorf("record session: %w", err)
		}
	}
	l.logger.Info("session opened", slog.String("session", id), slog.String("root", root))
	return l, nil
}

// Session returns a snapshot of the session record.
func (l *Ledger) Session() models.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.session
	s.Agents = append([]string(nil), l.session.Agents...)
	s.FilesModified = l.modifiedLocked()
	return s
}

// AnalysisPath returns a path inside the session's analysis directory.
func (l *Ledger) AnalysisPath(name string) string {
	return filepath.Join(l.session.Root, AnalysisDir, name)
}

// FixesPath returns a path inside the session's fixes directory.
func (l *Ledger) FixesPath(name string) string {
	return filepath.Join(l.session.Root, FixesDir, name)
}

// SetAgents records which analyzers contributed issues.
func (l *Ledger) SetAgents(agents []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.session.Agents = append([]string(nil), agents...)
}

// RecordDecision appends a trust decision.
func (l *Ledger) RecordDecision(ctx context.Context, d models.Decision) {
	l.mu.Lock()
	if d.ID == "" {
		d.ID = NewID()
	}
	d.SessionID = l.session.ID
	if d.CreatedAt.IsZero() {
		d.CreatedAt = l.now()
	}
	d.AgreedBy = append([]string(nil), d.AgreedBy...)
	l.decision = append(l.decision, d)
	l.mu.Unlock()

	l.persist("decision", func() error { return l.rec.RecordDecision(ctx, &d) })
}

// RecordValidated appends the decision for a corroborated issue.
func (l *Ledger) RecordValidated(ctx context.Context, ci models.CorroboratedIssue, rationale string) {
	l.RecordDecision(ctx, models.Decision{
		Validated:  true,
		Strategy:   ci.Strategy,
		FilePath:   ci.FilePath,
		LineNumber: ci.LineNumber,
		IssueType:  ci.IssueType,
		AgreedBy:   ci.AgreedBy,
		Confidence: ci.Confidence,
		Rationale:  rationale,
	})
}

// RecordRejected appends the decision for an issue that was not trusted.
func (l *Ledger) RecordRejected(ctx context.Context, strategy models.Strategy, is models.Issue, rationale string) {
	l.RecordDecision(ctx, models.Decision{
		Validated:  false,
		Strategy:   strategy,
		FilePath:   is.FilePath,
		LineNumber: is.LineNumber,
		IssueType:  is.IssueType,
		AgreedBy:   []string{is.SourceAgent},
		Confidence: is.Confidence,
		Rationale:  rationale,
	})
}

// RecordFix appends a copy of the fix outcome.
func (l *Ledger) RecordFix(ctx context.Context, f *models.Fix) {
	cp := *f
	cp.Agents = append([]string(nil), f.Agents...)

	l.mu.Lock()
	l.fixes = append(l.fixes, cp)
	if cp.Success && cp.Status == models.FixStatusCommitted {
		l.modified[cp.FilePath] = true
	}
	sessionID := l.session.ID
	l.mu.Unlock()

	l.persist("fix", func() error { return l.rec.RecordFix(ctx, sessionID, &cp) })
}

// RecordEvent appends an audit event.
func (l *Ledger) RecordEvent(ctx context.Context, e models.AuditEvent) {
	l.mu.Lock()
	if e.ID == "" {
		e.ID = NewID()
	}
	e.SessionID = l.session.ID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	l.events = append(l.events, e)
	l.mu.Unlock()

	level := slog.LevelInfo
	if e.Critical {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "audit",
		slog.String("kind", string(e.Kind)),
		slog.String("path", e.FilePath),
		slog.String("message", e.Message),
	)
	l.persist("event", func() error { return l.rec.RecordEvent(ctx, &e) })
}

// Backup stores the pre-mutation bytes of rel. The first backup of a file in
// a session becomes its pristine copy; every call also writes a checkpoint
// private to fixID, whose path is returned for RestoreCheckpoint.
func (l *Ledger) Backup(ctx context.Context, fixID, rel string, data []byte, perm fs.FileMode) (string, error) {
	l.mu.Lock()
	fileMu, ok := l.files[rel]
	if !ok {
		fileMu = &sync.Mutex{}
		l.files[rel] = fileMu
	}
	_, backedUp := l.backups[rel]
	sessionID, root, backupRoot := l.session.ID, l.session.Root, l.session.BackupRoot
	l.mu.Unlock()

	// Backups of one file are serialized; other files proceed in parallel.
	fileMu.Lock()
	defer fileMu.Unlock()

	if !backedUp {
		l.mu.Lock()
		_, backedUp = l.backups[rel]
		l.mu.Unlock()
	}
	if !backedUp {
		pristine, err := fsutil.SafeJoin(backupRoot, rel)
		if err != nil {
			return "", err
		}
		if err := fsutil.WriteAtomic(pristine, data, perm); err != nil {
			return "", fmt.Errorf("write backup: %w", err)
		}
		l.mu.Lock()
		l.backups[rel] = pristine
		l.mu.Unlock()
		if l.rec != nil {
			if err := l.rec.RecordBackup(ctx, sessionID, rel, pristine); err != nil {
				l.logger.Warn("persist backup failed", slog.String("path", rel), slog.String("error", err.Error()))
			}
		}
	}

	checkpoint, err := fsutil.SafeJoin(filepath.Join(root, FixesDir, CheckpointsDir, fixID), rel)
	if err != nil {
		return "", err
	}
	if err := fsutil.WriteAtomic(checkpoint, data, perm); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	return checkpoint, nil
}

// RestoreCheckpoint copies a checkpoint back over dst.
func (l *Ledger) RestoreCheckpoint(_ context.Context, checkpoint, dst string) error {
	if err := fsutil.CopyFile(checkpoint, dst); err != nil {
		return fmt.Errorf("restore %s: %w", dst, err)
	}
	return nil
}

// Decisions returns a copy of the recorded decisions.
func (l *Ledger) Decisions() []models.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Decision(nil), l.decision...)
}

// Fixes returns a copy of the recorded fix outcomes, in append order.
func (l *Ledger) Fixes() []models.Fix {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Fix(nil), l.fixes...)
}

// Events returns a copy of the audit trail.
func (l *Ledger) Events() []models.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.AuditEvent(nil), l.events...)
}

// BackedUp returns the relative paths that have a pristine copy, sorted.
func (l *Ledger) BackedUp() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.backups))
	for rel := range l.backups {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// Finalize closes the session, computing its totals.
func (l *Ledger) Finalize(ctx context.Context) models.Session {
	l.mu.Lock()
	applied, failed := 0, 0
	for _, f := range l.fixes {
		switch f.Status {
		case models.FixStatusCommitted:
			applied++
		case models.FixStatusFailed:
			failed++
		}
	}
	end := l.now()
	l.session.EndedAt = &end
	l.session.FixesApplied = applied
	l.session.FixesFailed = failed
	l.session.FilesModified = l.modifiedLocked()
	s := l.session
	l.mu.Unlock()

	l.persist("session", func() error { return l.rec.UpdateSession(ctx, &s) })
	l.logger.Info("session finalized",
		slog.String("session", s.ID),
		slog.Int("applied", applied),
		slog.Int("failed", failed),
	)
	return s
}

func (l *Ledger) modifiedLocked() []string {
	out := make([]string, 0, len(l.modified))
	for rel := range l.modified {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// persist writes through to the recorder. The on-disk session tree is the
// source of truth, so recorder failures are logged rather than returned.
func (l *Ledger) persist(what string, fn func() error) {
	if l.rec == nil {
		return
	}
	if err := fn(); err != nil {
		l.logger.Warn("persist "+what+" failed", slog.String("error", err.Error()))
	}
}
