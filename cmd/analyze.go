package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/quorum/internal/models"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <report>...",
	Short: "Corroborate analyzer reports without changing any file",
	Long: `Pool the given analyzer reports (files or directories of JSON/YAML
reports) and decide which issues are corroborated by at least two
independent analyzers. Writes consensus-issues.json and a session summary;
no project file is touched.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return analyzeRun(cmd, args)
	},
}

func init() {
	addRunFlags(analyzeCmd)
	analyzeCmd.Flags().StringP("strategy", "s", "", "fine-grained or file-level (default from config)")
	rootCmd.AddCommand(analyzeCmd)
}

func analyzeRun(cmd *cobra.Command, args []string) error {
	opts, err := runOptions(cmd, args)
	if err != nil {
		return err
	}
	if !models.ValidStrategy(string(opts.Strategy)) {
		return fmt.Errorf("invalid strategy: %s (use fine-grained or file-level; see 'quorum review' for dual review)", opts.Strategy)
	}

	res, err := runSession(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printCorroboration(res)
	printArtifacts(res)
	return nil
}
