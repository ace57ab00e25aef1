package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/quorum/internal/coordinator"
	"github.com/joescharf/quorum/internal/git"
	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/output"
	"github.com/joescharf/quorum/internal/review"
	"github.com/joescharf/quorum/internal/verify"
)

// addRunFlags registers the flags shared by analyze, fix and review.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("project", "p", ".", "Project root the analyzer reports refer to")
	cmd.Flags().String("reports-dir", "", "Where session directories are written (default from config)")
	cmd.Flags().Int("min-agents", 0, "Distinct analyzers required before consensus is enabled (default from config)")
	cmd.Flags().Int("tolerance", -1, "Line distance within which reports corroborate (default from config)")
}

// addFixFlags registers the flags that control fix application.
func addFixFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("threshold", 0, "Minimum corroborated confidence for automatic fixes (default from config)")
	cmd.Flags().Int("concurrency", 0, "Files fixed in parallel (default from config)")
	cmd.Flags().Bool("no-verify", false, "Skip syntax verification (every fix is marked degraded)")
}

func stringSetting(cmd *cobra.Command, flag, key string) string {
	if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
		return f.Value.String()
	}
	return viper.GetString(key)
}

func intSetting(cmd *cobra.Command, flag, key string) int {
	if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
		v, _ := cmd.Flags().GetInt(flag)
		return v
	}
	return viper.GetInt(key)
}

func floatSetting(cmd *cobra.Command, flag, key string) float64 {
	if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
		v, _ := cmd.Flags().GetFloat64(flag)
		return v
	}
	return viper.GetFloat64(key)
}

// baseOptions builds run options from config, leaving per-call fields
// (project, inputs, strategy, apply) to the caller.
func baseOptions() coordinator.Options {
	return coordinator.Options{
		ReportsDir:    viper.GetString("reports_dir"),
		Strategy:      models.Strategy(viper.GetString("consensus.strategy")),
		MinAgents:     viper.GetInt("consensus.min_agents"),
		LineTolerance: viper.GetInt("consensus.line_tolerance"),
		Threshold:     viper.GetFloat64("fix.confidence_threshold"),
		Concurrency:   viper.GetInt("fix.concurrency"),
		Git:           git.NewClient(),
		Logger:        logger,
	}
}

// runOptions resolves options for one command invocation.
func runOptions(cmd *cobra.Command, inputs []string) (coordinator.Options, error) {
	opts := baseOptions()

	project, _ := cmd.Flags().GetString("project")
	abs, err := filepath.Abs(project)
	if err != nil {
		return opts, fmt.Errorf("project path: %w", err)
	}
	opts.ProjectRoot = abs
	opts.Inputs = inputs
	opts.ReportsDir = stringSetting(cmd, "reports-dir", "reports_dir")
	opts.Strategy = models.Strategy(stringSetting(cmd, "strategy", "consensus.strategy"))
	opts.MinAgents = intSetting(cmd, "min-agents", "consensus.min_agents")
	opts.LineTolerance = intSetting(cmd, "tolerance", "consensus.line_tolerance")
	opts.Threshold = floatSetting(cmd, "threshold", "fix.confidence_threshold")
	opts.Concurrency = intSetting(cmd, "concurrency", "fix.concurrency")
	opts.DryRun = dryRun

	noVerify, _ := cmd.Flags().GetBool("no-verify")
	if viper.GetBool("verify.enabled") && !noVerify {
		opts.Verifier = newVerifier(abs)
	}

	if s, err := getStore(); err != nil {
		ui.Warning("Session history disabled: %v", err)
	} else {
		opts.Recorder = s
	}
	return opts, nil
}

func newVerifier(projectRoot string) *verify.Registry {
	timeout, err := time.ParseDuration(viper.GetString("verify.timeout"))
	if err != nil {
		timeout = verify.DefaultTimeout
	}
	return verify.NewRegistry(
		verify.WithTimeout(timeout),
		verify.WithWorkingDir(projectRoot),
		verify.WithLogger(logger),
	)
}

// newReviewers builds the two independent review passes. The second pass is
// the strict heuristic reviewer unless an LLM pass is configured.
func newReviewers(secondPass string) ([2]review.Reviewer, error) {
	cfg := review.DefaultConfig()
	if secondPass != "" {
		cfg.SecondPass = secondPass
	}
	first := review.NewHeuristicReviewer("validator-1")

	switch cfg.SecondPass {
	case "heuristic":
		return [2]review.Reviewer{first, review.NewStrictReviewer("validator-2", cfg.StrictFloor)}, nil
	case "llm":
		client := newLLMClient()
		if client == nil {
			return [2]review.Reviewer{}, fmt.Errorf("LLM second pass needs an API key (set anthropic.api_key or ANTHROPIC_API_KEY)")
		}
		return [2]review.Reviewer{first, review.NewLLMReviewer("validator-2", client)}, nil
	default:
		return [2]review.Reviewer{}, fmt.Errorf("invalid second pass: %s (use heuristic or llm)", cfg.SecondPass)
	}
}

func runSession(ctx context.Context, opts coordinator.Options) (*coordinator.Result, error) {
	if opts.DryRun && opts.Apply {
		ui.DryRunMsg("Fixes are simulated; no project file is modified")
	}
	return coordinator.Run(ctx, opts)
}

// printCorroboration shows what the run decided to trust.
func printCorroboration(res *coordinator.Result) {
	agents := make([]string, 0, len(res.Reports))
	for _, r := range res.Reports {
		agents = append(agents, fmt.Sprintf("%s (%d)", r.Agent, len(r.Issues)))
	}
	ui.Info("Session %s", output.Cyan(res.Session.ID))
	ui.Info("Analyzers: %s", strings.Join(agents, ", "))

	if res.Consensus != nil && !res.Consensus.Enabled {
		ui.Warning("Consensus disabled: %d analyzer(s) reported, %d required. Nothing was validated.",
			len(res.Consensus.Agents), res.Consensus.MinAgents)
	}
	if res.Arbitration != nil {
		ui.Info("Reviews: %d approved by both, %d rejected by both, %d disagreements",
			res.Arbitration.BothApproved, res.Arbitration.BothRejected, res.Arbitration.Disagreement)
	}
	ui.Info("Issues: %d pooled, %s validated, %d rejected",
		len(res.Pool), output.Green(fmt.Sprint(len(res.Validated))), res.Rejected)

	if len(res.Validated) == 0 {
		return
	}
	fmt.Fprintln(ui.Out)
	threshold := viper.GetFloat64("fix.confidence_threshold")
	table := ui.Table([]string{"FILE", "LINE", "TYPE", "AGREED BY", "CONFIDENCE", "AUTO-FIX"})
	for _, ci := range res.Validated {
		auto := "no"
		if ci.AutoFixable {
			auto = "yes"
		}
		table.Append([]string{
			ci.FilePath,
			fmt.Sprint(ci.LineNumber),
			ci.IssueType,
			strings.Join(ci.AgreedBy, ", "),
			output.ConfidenceColor(ci.Confidence, threshold),
			auto,
		})
	}
	_ = table.Render()
}

// printFixes shows the outcome of every staged fix.
func printFixes(res *coordinator.Result) {
	fmt.Fprintln(ui.Out)
	if len(res.Fixes) > 0 {
		table := ui.Table([]string{"FILE", "LINE", "TYPE", "STATUS", "DETAIL"})
		for _, f := range res.Fixes {
			detail := f.Error
			if detail == "" && f.Degraded {
				detail = "not verified"
			} else if detail == "" {
				detail = f.Verifier
			}
			table.Append([]string{
				f.FilePath,
				fmt.Sprint(f.LineNumber),
				string(f.FixType),
				output.StatusColor(string(f.Status)),
				detail,
			})
		}
		_ = table.Render()
		fmt.Fprintln(ui.Out)
	}
	for _, s := range res.Skips {
		ui.VerboseLog("skipped %s:%d %s: %s", s.Issue.FilePath, s.Issue.LineNumber, s.Issue.IssueType, s.Reason)
	}

	sum := res.Summary
	if res.Session.DryRun {
		ui.Success("%d fix(es) simulated, %d failed, %d not eligible", sum.Simulated, sum.Failed, len(res.Skips))
	} else {
		ui.Success("%d fix(es) committed, %d failed, %d not eligible", sum.Committed, sum.Failed, len(res.Skips))
	}
	if sum.Degraded > 0 {
		ui.Warning("%d fix(es) applied without syntax verification", sum.Degraded)
	}
	if sum.Committed > 0 {
		ui.Info("Undo with: quorum rollback %s", res.Session.ID)
	}
}

func printArtifacts(res *coordinator.Result) {
	ui.VerboseLog("Session directory: %s", res.Session.Root)
	for _, a := range res.Artifacts {
		ui.VerboseLog("wrote %s", a)
	}
}
