package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/quorum/internal/models"
)

var reviewApply bool

var reviewCmd = &cobra.Command{
	Use:   "review <report>...",
	Short: "Run two independent reviewers over every reported issue",
	Long: `Dual review: two independent passes approve or reject each reported
issue, and only issues both approve are authorized. Writes validator-1.json,
validator-2.json and validation-consensus.json. With --apply the authorized
issues are fixed as by 'quorum fix'.

The second pass is a stricter rule-based reviewer by default; set
review.second_pass to "llm" (or pass --second-pass llm) to use a model.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewRun(cmd, args)
	},
}

func init() {
	addRunFlags(reviewCmd)
	addFixFlags(reviewCmd)
	reviewCmd.Flags().BoolVar(&reviewApply, "apply", false, "Apply the authorized fixes")
	reviewCmd.Flags().String("second-pass", "", "heuristic or llm (default from config)")
	rootCmd.AddCommand(reviewCmd)
}

func reviewRun(cmd *cobra.Command, args []string) error {
	opts, err := runOptions(cmd, args)
	if err != nil {
		return err
	}
	opts.Strategy = models.StrategyDualReview
	opts.Apply = reviewApply

	second, _ := cmd.Flags().GetString("second-pass")
	if opts.Reviewers, err = newReviewers(second); err != nil {
		return err
	}

	res, err := runSession(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printCorroboration(res)
	if reviewApply {
		printFixes(res)
	}
	printArtifacts(res)
	return nil
}
