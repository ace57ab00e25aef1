// Package coordinator runs one analysis-and-fix session end to end: load
// analyzer reports, decide which issues to trust, apply fixes and write the
// session artifacts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joescharf/quorum/internal/consensus"
	"github.com/joescharf/quorum/internal/fixer"
	"github.com/joescharf/quorum/internal/fsutil"
	"github.com/joescharf/quorum/internal/git"
	"github.com/joescharf/quorum/internal/intake"
	"github.com/joescharf/quorum/internal/ledger"
	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/report"
	"github.com/joescharf/quorum/internal/review"
)

var (
	// ErrNoInputs is returned when no analyzer report was given.
	ErrNoInputs = errors.New("no analyzer reports given")
	// ErrBadStrategy is returned for an unknown corroboration strategy.
	ErrBadStrategy = errors.New("unknown strategy")
	// ErrNoReviewers is returned when dual review runs without two reviewers.
	ErrNoReviewers = errors.New("dual review needs two reviewers")
)

// Options configures a run.
type Options struct {
	ProjectRoot string
	ReportsDir  string
	// Inputs are analyzer report files or directories of them.
	Inputs []string

	Strategy      models.Strategy
	MinAgents     int
	LineTolerance int
	// Reviewers are the two independent passes used by dual review.
	Reviewers [2]review.Reviewer

	// Apply synthesizes and applies fixes; otherwise the run stops after
	// corroboration.
	Apply       bool
	DryRun      bool
	Threshold   float64
	Concurrency int
	Verifier    fixer.Verifier

	Recorder ledger.Recorder
	Git      git.Client
	Logger   *slog.Logger
	Now      func() time.Time
}

// Result is everything a run decided and did.
type Result struct {
	Session     models.Session
	Reports     []*intake.Report
	Pool        []models.Issue
	Consensus   *consensus.Result
	Arbitration *review.Arbitration
	Validated   []models.CorroboratedIssue
	Rejected    int
	Fixes       []*models.Fix
	Skips       []fixer.Skip
	Summary     fixer.Summary
	Artifacts   []string
}

func (o *Options) setDefaults() error {
	if len(o.Inputs) == 0 {
		return ErrNoInputs
	}
	if o.Strategy == "" {
		o.Strategy = models.StrategyFineGrained
	}
	switch o.Strategy {
	case models.StrategyFineGrained, models.StrategyFileLevel:
	case models.StrategyDualReview:
		if o.Reviewers[0] == nil || o.Reviewers[1] == nil {
			return ErrNoReviewers
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadStrategy, o.Strategy)
	}
	if o.ReportsDir == "" {
		o.ReportsDir = filepath.Join(o.ProjectRoot, ".quorum", "reports")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// Run executes one session. Errors are returned only for problems that stop
// the whole run (bad options, unreadable reports, no session directory);
// individual fix failures are recorded on the fixes and in the ledger.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	log := opts.Logger

	reports, err := loadReports(opts.Inputs)
	if err != nil {
		return nil, err
	}

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(log),
		ledger.WithStrategy(opts.Strategy),
		ledger.WithDryRun(opts.DryRun),
	}
	if opts.Recorder != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithRecorder(opts.Recorder))
	}
	if opts.Git != nil {
		if p, ok := git.Describe(opts.Git, opts.ProjectRoot); ok {
			ledgerOpts = append(ledgerOpts, ledger.WithGit(p.Head, p.Dirty))
			if p.Dirty && opts.Apply && !opts.DryRun {
				log.Warn("project has uncommitted changes", slog.String("branch", p.Branch))
			}
		}
	}

	l, err := ledger.Open(ctx, opts.ProjectRoot, opts.ReportsDir, ledgerOpts...)
	if err != nil {
		return nil, err
	}

	res := &Result{Reports: reports, Pool: intake.Pool(reports)}
	l.SetAgents(intake.Agents(reports))
	if err := copyReports(l, reports); err != nil {
		return nil, err
	}

	if opts.Strategy == models.StrategyDualReview {
		if err := arbitrate(ctx, l, opts, res); err != nil {
			return nil, err
		}
	} else if err := corroborate(ctx, l, opts, res); err != nil {
		return nil, err
	}

	if opts.Apply {
		applyFixes(ctx, l, opts, res)
	}

	res.Session = l.Finalize(ctx)
	if err := writeSummary(opts, res); err != nil {
		return nil, err
	}
	if opts.Apply {
		if err := writeFixReport(l, opts, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func loadReports(inputs []string) ([]*intake.Report, error) {
	var reports []*intake.Report
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, fmt.Errorf("analyzer input: %w", err)
		}
		if info.IsDir() {
			rs, err := intake.LoadDir(in)
			if err != nil {
				return nil, err
			}
			reports = append(reports, rs...)
			continue
		}
		r, err := intake.LoadFile(in)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if len(reports) == 0 {
		return nil, ErrNoInputs
	}
	return reports, nil
}

// copyReports keeps the raw analyzer output next to the decisions made from
// it. Name clashes get a numeric suffix.
func copyReports(l *ledger.Ledger, reports []*intake.Report) error {
	used := make(map[string]bool)
	for _, r := range reports {
		base := filepath.Base(r.Path)
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		name := base
		for i := 2; used[name] || intake.IsArtifact(name); i++ {
			name = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		used[name] = true
		if err := fsutil.CopyFile(r.Path, l.AnalysisPath(name)); err != nil {
			return fmt.Errorf("copy analyzer report: %w", err)
		}
	}
	return nil
}

func corroborate(ctx context.Context, l *ledger.Ledger, opts Options, res *Result) error {
	m := consensus.New(opts.Strategy, opts.MinAgents, opts.LineTolerance)
	cr := m.Match(res.Pool)
	res.Consensus = cr
	res.Validated = cr.Validated
	res.Rejected = len(cr.Rejected)

	for _, ci := range cr.Validated {
		l.RecordValidated(ctx, ci, fmt.Sprintf("%d agents agree: %s", ci.AgreementCount, strings.Join(ci.AgreedBy, ", ")))
	}
	reason := "no corroborating agent"
	if !cr.Enabled {
		reason = fmt.Sprintf("consensus disabled: %d agent(s) reported, %d required", len(cr.Agents), cr.MinAgents)
	} else if cr.Strategy == models.StrategyFileLevel {
		reason = "not promoted by file-level consensus"
	}
	for _, is := range cr.Rejected {
		l.RecordRejected(ctx, cr.Strategy, is, reason)
	}
	opts.Logger.Info("corroboration done",
		slog.String("strategy", string(cr.Strategy)),
		slog.Bool("enabled", cr.Enabled),
		slog.Int("validated", len(cr.Validated)),
		slog.Int("rejected", len(cr.Rejected)),
	)

	path := l.AnalysisPath(report.ConsensusFile)
	if err := report.WriteJSON(path, report.NewConsensusArtifact(cr, opts.Now())); err != nil {
		return err
	}
	res.Artifacts = append(res.Artifacts, path)
	return nil
}

func arbitrate(ctx context.Context, l *ledger.Ledger, opts Options, res *Result) error {
	arb := review.Arbitrate(ctx, res.Pool, opts.Reviewers[0], opts.Reviewers[1])
	res.Arbitration = arb
	res.Validated = arb.Authorized

	for _, ci := range arb.Authorized {
		l.RecordValidated(ctx, ci, "approved by both reviewers")
	}
	for _, o := range arb.Outcomes {
		if o.Approved {
			continue
		}
		reason := rejectionReason(o)
		for _, is := range o.Issues {
			l.RecordRejected(ctx, models.StrategyDualReview, is, reason)
			res.Rejected++
		}
	}
	opts.Logger.Info("dual review done",
		slog.Int("authorized", len(arb.Authorized)),
		slog.Int("both_rejected", arb.BothRejected),
		slog.Int("disagreement", arb.Disagreement),
	)

	now := opts.Now()
	for i, v := range report.NewValidatorArtifacts(arb, l.Session().ProjectRoot, now) {
		path := l.AnalysisPath(report.ValidatorFile(i + 1))
		if err := report.WriteJSON(path, v); err != nil {
			return err
		}
		res.Artifacts = append(res.Artifacts, path)
	}
	path := l.AnalysisPath(report.ValidationConsensusFile)
	if err := report.WriteJSON(path, report.NewValidationConsensusArtifact(arb, now)); err != nil {
		return err
	}
	res.Artifacts = append(res.Artifacts, path)
	return nil
}

// rejectionReason quotes the first rejecting verdict.
func rejectionReason(o review.Outcome) string {
	for _, vs := range [][]review.Verdict{o.First, o.Second} {
		for _, v := range vs {
			if !v.Approved {
				return fmt.Sprintf("rejected by %s: %s", v.Reviewer, v.Rationale)
			}
		}
	}
	return "rejected"
}

func applyFixes(ctx context.Context, l *ledger.Ledger, opts Options, res *Result) {
	synth := fixer.NewSynthesizer(opts.Threshold)
	fixes, skips := synth.SynthesizeAll(res.Validated)
	res.Fixes, res.Skips = fixes, skips

	for _, s := range skips {
		l.RecordEvent(ctx, models.AuditEvent{
			Kind:     models.AuditFixSkipped,
			FilePath: s.Issue.FilePath,
			Message:  fmt.Sprintf("line %d %s: %s", s.Issue.LineNumber, s.Issue.IssueType, s.Reason),
		})
	}

	engineOpts := []fixer.EngineOption{
		fixer.WithDryRun(opts.DryRun),
		fixer.WithConcurrency(opts.Concurrency),
		fixer.WithLogger(opts.Logger),
	}
	if opts.Verifier != nil {
		engineOpts = append(engineOpts, fixer.WithVerifier(opts.Verifier))
	}
	engine := fixer.NewEngine(l.Session().ProjectRoot, l, engineOpts...)
	res.Summary = engine.ApplyAll(ctx, fixes)

	opts.Logger.Info("fixes done",
		slog.Int("committed", res.Summary.Committed),
		slog.Int("simulated", res.Summary.Simulated),
		slog.Int("failed", res.Summary.Failed),
		slog.Int("skipped", res.Summary.Skipped),
		slog.Int("degraded", res.Summary.Degraded),
	)
}

func writeSummary(opts Options, res *Result) error {
	agents := make([]report.AgentSummary, 0, len(res.Reports))
	for _, r := range res.Reports {
		agents = append(agents, report.AgentSummary{Name: r.Agent, IssuesFound: len(r.Issues)})
	}
	enabled := true
	if res.Consensus != nil {
		enabled = res.Consensus.Enabled
	}
	fixes := make([]models.Fix, 0, len(res.Fixes))
	for _, f := range res.Fixes {
		fixes = append(fixes, *f)
	}
	summary := report.NewSessionSummary(report.SummaryInput{
		Session:   res.Session,
		Agents:    agents,
		Pool:      res.Pool,
		Enabled:   enabled,
		Validated: res.Validated,
		Rejected:  res.Rejected,
		Fixes:     fixes,
	})
	path := filepath.Join(res.Session.Root, report.SummaryFile)
	if err := report.WriteJSON(path, summary); err != nil {
		return err
	}
	res.Artifacts = append(res.Artifacts, path)
	return nil
}

func writeFixReport(l *ledger.Ledger, opts Options, res *Result) error {
	md, err := report.FixesMarkdown(res.Session, l.Fixes(), opts.Now())
	if err != nil {
		return err
	}
	path := l.FixesPath(report.FixesFileName(opts.DryRun))
	if err := fsutil.WriteAtomic(path, md, 0644); err != nil {
		return fmt.Errorf("write fix report: %w", err)
	}
	res.Artifacts = append(res.Artifacts, path)
	return nil
}
