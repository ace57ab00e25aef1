package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/quorum/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Fixes for different files
	// are recorded from parallel workers, so all access goes through a single
	// connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	return ulid.Make().String()
}

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// ErrAmbiguous is returned when a session id prefix matches more than one
// session.
var ErrAmbiguous = errors.New("ambiguous id")

func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeList(s string) []string {
	var v []string
	_ = json.Unmarshal([]byte(s), &v)
	if len(v) == 0 {
		return nil
	}
	return v
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `id, project_root, root, backup_root, strategy, dry_run, git_head, git_dirty, agents, fixes_applied, fixes_failed, files_modified, started_at, ended_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectRoot, sess.Root, sess.BackupRoot, string(sess.Strategy),
		boolToInt(sess.DryRun), sess.GitHead, boolToInt(sess.GitDirty), encodeList(sess.Agents),
		sess.FixesApplied, sess.FixesFailed, encodeList(sess.FilesModified), sess.StartedAt, sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET strategy=?, dry_run=?, git_head=?, git_dirty=?, agents=?, fixes_applied=?, fixes_failed=?, files_modified=?, ended_at=?
		WHERE id=?`,
		string(sess.Strategy), boolToInt(sess.DryRun), sess.GitHead, boolToInt(sess.GitDirty),
		encodeList(sess.Agents), sess.FixesApplied, sess.FixesFailed, encodeList(sess.FilesModified),
		sess.EndedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %w: %s", ErrNotFound, sess.ID)
	}
	return nil
}

// GetSession looks a session up by id or by a unique id prefix.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session %w: empty id", ErrNotFound)
	}
	sessions, err := s.scanSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? OR id LIKE ? ORDER BY started_at DESC LIMIT 2`,
		id, id+"%")
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("session %w: %s", ErrNotFound, id)
	}
	for _, sess := range sessions {
		if sess.ID == id {
			return sess, nil
		}
	}
	if len(sessions) > 1 {
		return nil, fmt.Errorf("session %w: %s", ErrAmbiguous, id)
	}
	return sessions[0], nil
}

// ListSessions returns the newest sessions first. A non-positive limit
// returns all of them.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.scanSessions(ctx, query, args...)
}

func (s *SQLiteStore) scanSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		var strategy, agents, files string
		var endedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.ProjectRoot, &sess.Root, &sess.BackupRoot, &strategy,
			&sess.DryRun, &sess.GitHead, &sess.GitDirty, &agents,
			&sess.FixesApplied, &sess.FixesFailed, &files, &sess.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Strategy = models.Strategy(strategy)
		sess.Agents = decodeList(agents)
		sess.FilesModified = decodeList(files)
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Decisions ---

func (s *SQLiteStore) RecordDecision(ctx context.Context, d *models.Decision) error {
	if d.ID == "" {
		d.ID = newULID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, session_id, validated, strategy, file_path, line_number, issue_type, agreed_by, confidence, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, boolToInt(d.Validated), string(d.Strategy), d.FilePath, d.LineNumber,
		d.IssueType, encodeList(d.AgreedBy), d.Confidence, d.Rationale, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, sessionID string) ([]*models.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, validated, strategy, file_path, line_number, issue_type, agreed_by, confidence, rationale, created_at
		FROM decisions WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []*models.Decision
	for rows.Next() {
		d := &models.Decision{}
		var strategy, agreedBy string
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Validated, &strategy, &d.FilePath, &d.LineNumber,
			&d.IssueType, &agreedBy, &d.Confidence, &d.Rationale, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Strategy = models.Strategy(strategy)
		d.AgreedBy = decodeList(agreedBy)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// --- Fixes ---

// RecordFix appends one fix outcome. Applying the same fix again appends a
// second row rather than overwriting the first.
func (s *SQLiteStore) RecordFix(ctx context.Context, sessionID string, f *models.Fix) error {
	appliedAt := f.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fixes (id, session_id, fix_id, file_path, line_number, fix_type, description, old_text, new_text, confidence, agents, applied, success, status, error_kind, error, verifier, degraded, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newULID(), sessionID, f.ID, f.FilePath, f.LineNumber, string(f.FixType), f.Description,
		f.OldText, f.NewText, f.Confidence, encodeList(f.Agents), boolToInt(f.Applied), boolToInt(f.Success),
		string(f.Status), string(f.ErrorKind), f.Error, f.Verifier, boolToInt(f.Degraded), appliedAt,
	)
	if err != nil {
		return fmt.Errorf("record fix: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFixes(ctx context.Context, sessionID string) ([]*models.Fix, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fix_id, file_path, line_number, fix_type, description, old_text, new_text, confidence, agents, applied, success, status, error_kind, error, verifier, degraded, applied_at
		FROM fixes WHERE session_id = ? ORDER BY applied_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list fixes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fixes []*models.Fix
	for rows.Next() {
		f := &models.Fix{}
		var fixType, agents, status, errorKind string
		if err := rows.Scan(&f.ID, &f.FilePath, &f.LineNumber, &fixType, &f.Description,
			&f.OldText, &f.NewText, &f.Confidence, &agents, &f.Applied, &f.Success,
			&status, &errorKind, &f.Error, &f.Verifier, &f.Degraded, &f.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		f.FixType = models.FixType(fixType)
		f.Agents = decodeList(agents)
		f.Status = models.FixStatus(status)
		f.ErrorKind = models.ErrorKind(errorKind)
		fixes = append(fixes, f)
	}
	return fixes, rows.Err()
}

// --- Audit ---

func (s *SQLiteStore) RecordEvent(ctx context.Context, e *models.AuditEvent) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, session_id, kind, file_path, fix_id, critical, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Kind), e.FilePath, e.FixID, boolToInt(e.Critical), e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]*models.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, file_path, fix_id, critical, message, created_at
		FROM audit_events WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.AuditEvent
	for rows.Next() {
		e := &models.AuditEvent{}
		var kind string
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.FilePath, &e.FixID, &e.Critical, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = models.AuditKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Backups ---

// RecordBackup stores where a file's pristine copy lives. The first backup
// of a file in a session wins.
func (s *SQLiteStore) RecordBackup(ctx context.Context, sessionID, relPath, backupPath string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO backups (session_id, file_path, backup_path, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, relPath, backupPath, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record backup: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListBackups(ctx context.Context, sessionID string) ([]*Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, file_path, backup_path, created_at FROM backups WHERE session_id = ? ORDER BY file_path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var backups []*Backup
	for rows.Next() {
		b := &Backup{}
		if err := rows.Scan(&b.SessionID, &b.FilePath, &b.BackupPath, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}
