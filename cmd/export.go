package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/report"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as JSON, CSV, or Markdown",
	Long: `Export a recorded session. json writes the whole ledger (decisions,
fixes, audit events), csv writes one row per fix, and markdown renders the
fix report with diffs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun(args[0])
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json, csv, markdown")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}

func exportRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	decisions, err := s.ListDecisions(ctx, sess.ID)
	if err != nil {
		return err
	}
	fixes, err := s.ListFixes(ctx, sess.ID)
	if err != nil {
		return err
	}
	events, err := s.ListEvents(ctx, sess.ID)
	if err != nil {
		return err
	}

	var w io.Writer = ui.Out
	if exportOutput != "" {
		if dryRun {
			ui.DryRunMsg("Would write %s export to %s", exportFormat, exportOutput)
			return nil
		}
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	exp := report.NewSessionExport(sess, decisions, fixes, events)
	switch exportFormat {
	case "json":
		return exp.EncodeJSON(w)
	case "csv":
		return exp.EncodeFixesCSV(w)
	case "markdown", "md":
		flat := make([]models.Fix, 0, len(fixes))
		for _, f := range fixes {
			flat = append(flat, *f)
		}
		md, err := report.FixesMarkdown(*sess, flat, time.Now())
		if err != nil {
			return err
		}
		_, err = w.Write(md)
		return err
	default:
		return fmt.Errorf("unknown format: %s (use: json, csv, markdown)", exportFormat)
	}
}
