package fixer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/quorum/internal/fsutil"
	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/normalize"
	"github.com/joescharf/quorum/internal/verify"
)

// Failure taxonomy. Every failure is recorded on the Fix; none aborts other
// fixes.
var (
	ErrFileMissing              = errors.New("file missing")
	ErrPreconditionNotPresent   = errors.New("precondition not present")
	ErrTransformFailed          = errors.New("transform failed")
	ErrBackupFailed             = errors.New("backup failed")
	ErrWriteFailed              = errors.New("write failed")
	ErrSyntaxVerificationFailed = errors.New("syntax verification failed")
	ErrRollbackFailed           = errors.New("rollback failed")
)

// DefaultConcurrency is the number of files mutated in parallel.
const DefaultConcurrency = 4

// Ledger is the part of the session ledger the engine writes to.
type Ledger interface {
	Backup(ctx context.Context, fixID, rel string, data []byte, perm fs.FileMode) (string, error)
	RestoreCheckpoint(ctx context.Context, checkpoint, dst string) error
	RecordFix(ctx context.Context, f *models.Fix)
	RecordEvent(ctx context.Context, e models.AuditEvent)
}

// Verifier checks a written file. An error wrapping verify.ErrUnavailable is
// a degraded pass; any other error fails the fix.
type Verifier interface {
	Verify(ctx context.Context, path string) (string, error)
}

// Engine applies fixes to files under root.
type Engine struct {
	root        string
	ledger      Ledger
	verifier    Verifier
	dryRun      bool
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithVerifier sets the syntax verifier. Without one every fix is committed
// in degraded mode.
func WithVerifier(v Verifier) EngineOption {
	return func(e *Engine) { e.verifier = v }
}

// WithDryRun computes every edit in memory without backing up or writing.
func WithDryRun(dry bool) EngineOption {
	return func(e *Engine) { e.dryRun = dry }
}

// WithConcurrency bounds how many files are mutated at once.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an engine rooted at the project directory.
func NewEngine(root string, l Ledger, opts ...EngineOption) *Engine {
	e := &Engine{
		root:        root,
		ledger:      l,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Summary counts fix outcomes for one ApplyAll call.
type Summary struct {
	Committed int
	Failed    int
	Skipped   int
	Simulated int
	Degraded  int
}

// ApplyAll applies fixes one file at a time per file and distinct files in
// parallel. Within a file fixes run bottom-up (descending line, stable) so a
// removed line never shifts the target of a fix still waiting.
func (e *Engine) ApplyAll(ctx context.Context, fixes []*models.Fix) Summary {
	var files []string
	byFile := make(map[string][]*models.Fix)
	for _, f := range fixes {
		key := normalize.Path(f.FilePath)
		if _, ok := byFile[key]; !ok {
			files = append(files, key)
		}
		byFile[key] = append(byFile[key], f)
	}
	sort.Strings(files)

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, file := range files {
		group := byFile[file]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].LineNumber > group[j].LineNumber
		})
		g.Go(func() error {
			for _, f := range group {
				e.Apply(ctx, f)
			}
			return nil
		})
	}
	_ = g.Wait()

	var sum Summary
	for _, f := range fixes {
		switch f.Status {
		case models.FixStatusCommitted:
			sum.Committed++
		case models.FixStatusFailed:
			sum.Failed++
		case models.FixStatusSkipped:
			sum.Skipped++
		case models.FixStatusSimulated:
			sum.Simulated++
		}
		if f.Degraded {
			sum.Degraded++
		}
	}
	return sum
}

// Apply runs one fix through the mutation protocol and records the outcome
// on the fix and in the ledger. It never panics on a failing fix and never
// returns an error; the outcome lives on the Fix.
func (e *Engine) Apply(ctx context.Context, fix *models.Fix) {
	fix.Applied, fix.Success = false, false
	fix.ErrorKind, fix.Error = models.ErrorKindNone, ""
	fix.FilePath = normalize.Path(fix.FilePath)

	e.apply(ctx, fix)

	fix.AppliedAt = e.now()
	if e.ledger != nil {
		e.ledger.RecordFix(ctx, fix)
	}

	attrs := []any{
		slog.String("file", fix.FilePath),
		slog.Int("line", fix.LineNumber),
		slog.String("type", string(fix.FixType)),
		slog.String("status", string(fix.Status)),
	}
	if fix.Error != "" {
		e.logger.Warn("fix not committed", append(attrs, slog.String("error", fix.Error))...)
	} else {
		e.logger.Debug("fix applied", attrs...)
	}
}

func (e *Engine) apply(ctx context.Context, fix *models.Fix) {
	// Both terminal states count as applied; a simulation applies nothing.
	fix.Applied = !e.dryRun

	strategy, ok := strategies[fix.FixType]
	if !ok {
		e.fail(fix, fmt.Errorf("%w: unknown fix type %q", ErrTransformFailed, fix.FixType))
		return
	}

	// Located.
	abs, err := fsutil.SafeJoin(e.root, fix.FilePath)
	if err != nil {
		e.fail(fix, fmt.Errorf("%w: %v", ErrFileMissing, err))
		return
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		e.fail(fix, fmt.Errorf("%w: %s", ErrFileMissing, fix.FilePath))
		return
	}

	if err := ctx.Err(); err != nil {
		fix.Applied = false
		fix.Status = models.FixStatusSkipped
		fix.ErrorKind = models.ErrorKindCancelled
		fix.Error = fmt.Sprintf("skipped before backup: %v", err)
		return
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		e.fail(fix, fmt.Errorf("%w: read %s: %v", ErrBackupFailed, fix.FilePath, err))
		return
	}

	if e.dryRun {
		if _, err := e.transform(data, fix, strategy); err != nil {
			e.fail(fix, err)
			return
		}
		fix.Status = models.FixStatusSimulated
		fix.Success = true
		return
	}

	// Backed up. From here on the fix runs to completion.
	ctx = context.WithoutCancel(ctx)
	checkpoint, err := e.ledger.Backup(ctx, fix.ID, fix.FilePath, data, info.Mode().Perm())
	if err != nil {
		e.fail(fix, fmt.Errorf("%w: %v", ErrBackupFailed, err))
		return
	}

	// Transformed.
	newData, err := e.transform(data, fix, strategy)
	if err != nil {
		e.fail(fix, err)
		return
	}

	// Written.
	if err := fsutil.WriteAtomic(abs, newData, info.Mode().Perm()); err != nil {
		e.fail(fix, fmt.Errorf("%w: %v", ErrWriteFailed, err))
		e.rollback(ctx, fix, checkpoint, abs)
		return
	}

	// Verified.
	if err := e.verify(ctx, fix, abs); err != nil {
		e.fail(fix, fmt.Errorf("%w: %v", ErrSyntaxVerificationFailed, err))
		e.rollback(ctx, fix, checkpoint, abs)
		return
	}

	// Committed.
	if fix.Expect == "" {
		fix.Expect = fix.OldText
	}
	fix.Status = models.FixStatusCommitted
	fix.Success = true
}

// transform re-reads the target line from the fresh buffer and applies the
// strategy to it, recording the before/after text on the fix.
func (e *Engine) transform(data []byte, fix *models.Fix, strategy transform) ([]byte, error) {
	lines := splitLines(string(data))
	idx := fix.LineNumber - 1
	if idx < 0 || idx >= len(lines) {
		return nil, fmt.Errorf("%w: line %d outside file of %d lines", ErrPreconditionNotPresent, fix.LineNumber, len(lines))
	}
	content, eol := lines[idx].content, lines[idx].eol

	if fix.Expect != "" && !containsNormalized(content, fix.Expect) {
		return nil, fmt.Errorf("%w: line %d no longer contains the reported text", ErrPreconditionNotPresent, fix.LineNumber)
	}

	out, remove, err := strategy(content, fix)
	if err != nil {
		return nil, err
	}
	if !remove && out == content {
		return nil, fmt.Errorf("%w: edit left line %d unchanged", ErrTransformFailed, fix.LineNumber)
	}

	fix.OldText = content
	var b strings.Builder
	b.Grow(len(data))
	for i, l := range lines {
		if i != idx {
			b.WriteString(l.content)
			b.WriteString(l.eol)
			continue
		}
		if remove {
			fix.NewText = ""
			continue
		}
		fix.NewText = out
		b.WriteString(out)
		b.WriteString(eol)
	}
	return []byte(b.String()), nil
}

func (e *Engine) verify(ctx context.Context, fix *models.Fix, abs string) error {
	if e.verifier == nil {
		fix.Verifier = "none"
		fix.Degraded = true
		e.ledger.RecordEvent(ctx, models.AuditEvent{
			Kind:     models.AuditVerifierUnavailable,
			FilePath: fix.FilePath,
			FixID:    fix.ID,
			Message:  "syntax verification disabled",
		})
		return nil
	}

	name, err := e.verifier.Verify(ctx, abs)
	fix.Verifier = name
	if errors.Is(err, verify.ErrUnavailable) {
		fix.Degraded = true
		e.ledger.RecordEvent(ctx, models.AuditEvent{
			Kind:     models.AuditVerifierUnavailable,
			FilePath: fix.FilePath,
			FixID:    fix.ID,
			Message:  err.Error(),
		})
		return nil
	}
	return err
}

// rollback restores the fix's checkpoint. A failed restore is recorded as a
// critical audit entry and appended to the fix error, never returned.
func (e *Engine) rollback(ctx context.Context, fix *models.Fix, checkpoint, abs string) {
	if err := e.ledger.RestoreCheckpoint(ctx, checkpoint, abs); err != nil {
		rerr := fmt.Errorf("%w: %v", ErrRollbackFailed, err)
		fix.Error += "; " + rerr.Error()
		e.ledger.RecordEvent(ctx, models.AuditEvent{
			Kind:     models.AuditRollbackFailed,
			FilePath: fix.FilePath,
			FixID:    fix.ID,
			Critical: true,
			Message:  rerr.Error(),
		})
		return
	}
	e.ledger.RecordEvent(ctx, models.AuditEvent{
		Kind:     models.AuditRollback,
		FilePath: fix.FilePath,
		FixID:    fix.ID,
		Message:  "restored from checkpoint after: " + fix.Error,
	})
}

func (e *Engine) fail(fix *models.Fix, err error) {
	fix.Status = models.FixStatusFailed
	fix.Success = false
	fix.ErrorKind = classify(err)
	fix.Error = err.Error()
}

func classify(err error) models.ErrorKind {
	switch {
	case errors.Is(err, ErrFileMissing):
		return models.ErrorKindFileMissing
	case errors.Is(err, ErrPreconditionNotPresent):
		return models.ErrorKindPrecondition
	case errors.Is(err, ErrBackupFailed):
		return models.ErrorKindBackupFailed
	case errors.Is(err, ErrWriteFailed):
		return models.ErrorKindWriteFailed
	case errors.Is(err, ErrSyntaxVerificationFailed):
		return models.ErrorKindSyntax
	case errors.Is(err, ErrRollbackFailed):
		return models.ErrorKindRollbackFailed
	default:
		return models.ErrorKindTransformFailed
	}
}

type line struct {
	content string
	eol     string
}

// splitLines keeps each line's terminator so unchanged lines are written
// back byte for byte.
func splitLines(s string) []line {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	out := make([]line, len(parts))
	for i, p := range parts {
		content := strings.TrimRight(p, "\r\n")
		out[i] = line{content: content, eol: p[len(content):]}
	}
	return out
}

// containsNormalized compares with whitespace runs collapsed, using the
// first non-blank line of want.
func containsNormalized(got, want string) bool {
	for _, w := range strings.Split(want, "\n") {
		if w = strings.Join(strings.Fields(w), " "); w != "" {
			return strings.Contains(strings.Join(strings.Fields(got), " "), w)
		}
	}
	return true
}
