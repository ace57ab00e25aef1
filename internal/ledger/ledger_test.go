package ledger

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

	"github.com/joescharf/quorum/internal/models"
)

// fakeRecorder captures write-through calls.
type fakeRecorder struct {
	mu        sync.Mutex
	sessions  []models.Session
	updates   []models.Session
	decisions []models.Decision
	fixes     []models.Fix
	events    []models.AuditEvent
	backups   []string
	failFix   error
}

func (f *fakeRecorder) CreateSession(_ context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, *s)
	return nil
}
func (f *fakeRecorder) UpdateSession(_ context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, *s)
	return nil
}
func (f *fakeRecorder) RecordDecision(_ context.Context, d *models.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, *d)
	return nil
}
func (f *fakeRecorder) RecordFix(_ context.Context, _ string, fx *models.Fix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFix != nil {
		return f.failFix
	}
	f.fixes = append(f.fixes, *fx)
	return nil
}
func (f *fakeRecorder) RecordEvent(_ context.Context, e *models.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}
func (f *fakeRecorder) RecordBackup(_ context.Context, _, rel, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups = append(f.backups, rel)
	return nil
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, string) {
	t.Helper()
	project := t.TempDir()
	l, err := Open(context.Background(), project, filepath.Join(t.TempDir(), "reports"), opts...)
	require.NoError(t, err)
	return l, project
}

func TestOpen_Layout(t *testing.T) {
	rec := &fakeRecorder{}
	l, project := newTestLedger(t, WithRecorder(rec), WithStrategy(models.StrategyFileLevel), WithGit("abc123", true))

	s := l.Session()
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "session-"+s.ID, filepath.Base(s.Root))
	assert.Equal(t, project, s.ProjectRoot)
	assert.Equal(t, models.StrategyFileLevel, s.Strategy)
	assert.Equal(t, "abc123", s.GitHead)
	assert.True(t, s.GitDirty)

	for _, dir := range []string{
		filepath.Join(s.Root, AnalysisDir),
		filepath.Join(s.Root, FixesDir, BackupDir),
		filepath.Join(s.Root, FixesDir, CheckpointsDir),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	require.Len(t, rec.sessions, 1)
	assert.Equal(t, s.ID, rec.sessions[0].ID)
}

func TestOpen_MissingProjectRoot(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "nope"), t.TempDir())
	assert.ErrorIs(t, err, ErrNoProjectRoot)
}

func TestOpen_UnusableReportsDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := Open(context.Background(), t.TempDir(), blocker)
	assert.Error(t, err)
}

func TestSessionIDsAreTimeOrdered(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.Less(t, a, b)
}

func TestBackup_PristineOnFirstTouchOnly(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	cp1, err := l.Backup(ctx, "fix-1", "src/App.tsx", []byte("v1"), 0644)
	require.NoError(t, err)
	cp2, err := l.Backup(ctx, "fix-2", "src/App.tsx", []byte("v2"), 0644)
	require.NoError(t, err)

	s := l.Session()
	pristine, err := os.ReadFile(filepath.Join(s.BackupRoot, "src", "App.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(pristine))

	c1, err := os.ReadFile(cp1)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(c1))
	c2, err := os.ReadFile(cp2)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(c2))

	assert.Equal(t, []string{"src/App.tsx"}, l.BackedUp())
}

// stallingRecorder blocks the backup record of one file until released.
type stallingRecorder struct {
	fakeRecorder
	stall   string
	entered chan struct{}
	release chan struct{}
}

func (s *stallingRecorder) RecordBackup(ctx context.Context, id, rel, path string) error {
	if rel == s.stall {
		close(s.entered)
		<-s.release
	}
	return s.fakeRecorder.RecordBackup(ctx, id, rel, path)
}

func TestBackup_OtherFilesDoNotWait(t *testing.T) {
	rec := &stallingRecorder{stall: "a.js", entered: make(chan struct{}), release: make(chan struct{})}
	l, _ := newTestLedger(t, WithRecorder(rec))
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() {
		_, err := l.Backup(ctx, "fix-a", "a.js", []byte("a"), 0644)
		slow <- err
	}()
	<-rec.entered

	fast := make(chan error, 1)
	go func() {
		_, err := l.Backup(ctx, "fix-b", "b.js", []byte("b"), 0644)
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("backup of b.js waited on a.js")
	}

	close(rec.release)
	require.NoError(t, <-slow)
	assert.Equal(t, []string{"a.js", "b.js"}, l.BackedUp())
}

func TestBackup_ConcurrentSameFileKeepsOnePristine(t *testing.T) {
	rec := &fakeRecorder{}
	l, _ := newTestLedger(t, WithRecorder(rec))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Backup(ctx, fmt.Sprintf("fix-%d", i), "src/app.js", []byte("same"), 0644)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{"src/app.js"}, rec.backups)
	assert.Equal(t, []string{"src/app.js"}, l.BackedUp())
}

func TestBackup_RejectsEscapingPath(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Backup(context.Background(), "fix-1", "../../etc/passwd", []byte("x"), 0644)
	assert.Error(t, err)
}

func TestRestoreCheckpoint(t *testing.T) {
	l, project := newTestLedger(t)
	ctx := context.Background()
	target := filepath.Join(project, "a.js")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))

	cp, err := l.Backup(ctx, "fix-1", "a.js", []byte("original"), 0644)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("broken"), 0644))

	require.NoError(t, l.RestoreCheckpoint(ctx, cp, target))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	assert.Error(t, l.RestoreCheckpoint(ctx, filepath.Join(project, "missing"), target))
}

func TestRecordFix_ConcurrentAppends(t *testing.T) {
	rec := &fakeRecorder{}
	l, _ := newTestLedger(t, WithRecorder(rec))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.RecordFix(ctx, &models.Fix{
				ID:       fmt.Sprintf("fix-%d", i),
				FilePath: fmt.Sprintf("f%d.js", i%5),
				Status:   models.FixStatusCommitted,
				Applied:  true,
				Success:  true,
			})
			l.RecordEvent(ctx, models.AuditEvent{Kind: models.AuditBackup, FilePath: "x"})
		}(i)
	}
	wg.Wait()

	assert.Len(t, l.Fixes(), 50)
	assert.Len(t, l.Events(), 50)
	assert.Len(t, rec.fixes, 50)
	assert.Len(t, l.Session().FilesModified, 5)
}

func TestRecordFix_StoresCopy(t *testing.T) {
	l, _ := newTestLedger(t)
	f := &models.Fix{ID: "a", Status: models.FixStatusFailed, Agents: []string{"x"}}
	l.RecordFix(context.Background(), f)
	f.Status = models.FixStatusCommitted
	f.Agents[0] = "mutated"

	got := l.Fixes()
	require.Len(t, got, 1)
	assert.Equal(t, models.FixStatusFailed, got[0].Status)
	assert.Equal(t, "x", got[0].Agents[0])
}

func TestRecorderFailureDoesNotLoseEntry(t *testing.T) {
	rec := &fakeRecorder{failFix: errors.New("disk full")}
	l, _ := newTestLedger(t, WithRecorder(rec))
	l.RecordFix(context.Background(), &models.Fix{ID: "a"})
	assert.Len(t, l.Fixes(), 1)
}

func TestDecisions(t *testing.T) {
	rec := &fakeRecorder{}
	l, _ := newTestLedger(t, WithRecorder(rec))
	ctx := context.Background()

	l.RecordValidated(ctx, models.CorroboratedIssue{
		FilePath: "a.ts", LineNumber: 3, IssueType: "emoji",
		AgreedBy: []string{"a", "b"}, Confidence: 90, Strategy: models.StrategyFineGrained,
	}, "2 agents agree")
	l.RecordRejected(ctx, models.StrategyFineGrained, models.Issue{SourceAgent: "c", FilePath: "b.ts", LineNumber: 1, IssueType: "console"}, "no corroboration")

	ds := l.Decisions()
	require.Len(t, ds, 2)
	assert.True(t, ds[0].Validated)
	assert.Equal(t, []string{"a", "b"}, ds[0].AgreedBy)
	assert.False(t, ds[1].Validated)
	assert.Equal(t, []string{"c"}, ds[1].AgreedBy)
	assert.Equal(t, l.Session().ID, ds[1].SessionID)
	assert.Len(t, rec.decisions, 2)
}

func TestFinalize(t *testing.T) {
	rec := &fakeRecorder{}
	l, _ := newTestLedger(t, WithRecorder(rec))
	ctx := context.Background()

	l.RecordFix(ctx, &models.Fix{FilePath: "a.js", Status: models.FixStatusCommitted, Applied: true, Success: true})
	l.RecordFix(ctx, &models.Fix{FilePath: "b.js", Status: models.FixStatusFailed, Applied: true})
	l.RecordFix(ctx, &models.Fix{FilePath: "c.js", Status: models.FixStatusSkipped})

	s := l.Finalize(ctx)
	assert.Equal(t, 1, s.FixesApplied)
	assert.Equal(t, 1, s.FixesFailed)
	assert.Equal(t, []string{"a.js"}, s.FilesModified)
	require.NotNil(t, s.EndedAt)
	require.Len(t, rec.updates, 1)
	assert.Equal(t, 1, rec.updates[0].FixesApplied)
}
