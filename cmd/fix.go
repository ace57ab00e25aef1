package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/quorum/internal/models"
)

var fixCmd = &cobra.Command{
	Use:   "fix <report>...",
	Short: "Corroborate analyzer reports and apply the trusted fixes",
	Long: `Corroborate the given analyzer reports, then apply every validated,
auto-fixable issue above the confidence threshold. Each file is backed up
before it is touched, re-checked after the write, and restored when the
check fails. Use --dry-run to simulate.

Strategies: fine-grained (default), file-level, dual-review.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fixRun(cmd, args)
	},
}

func init() {
	addRunFlags(fixCmd)
	addFixFlags(fixCmd)
	fixCmd.Flags().StringP("strategy", "s", "", "fine-grained, file-level or dual-review (default from config)")
	fixCmd.Flags().String("second-pass", "", "Second reviewer for dual-review: heuristic or llm (default from config)")
	rootCmd.AddCommand(fixCmd)
}

func fixRun(cmd *cobra.Command, args []string) error {
	opts, err := runOptions(cmd, args)
	if err != nil {
		return err
	}
	opts.Apply = true
	if opts.Strategy == models.StrategyDualReview {
		second, _ := cmd.Flags().GetString("second-pass")
		if opts.Reviewers, err = newReviewers(second); err != nil {
			return err
		}
	}

	res, err := runSession(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printCorroboration(res)
	printFixes(res)
	printArtifacts(res)
	return nil
}
