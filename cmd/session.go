package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/output"
)

var (
	sessionLimit     int
	sessionDecisions bool
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Inspect recorded sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show one session (default: the latest)",
	Long: `Show a session's provenance, fix outcomes and audit trail.
The session may be given by a unique ID prefix.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return sessionShowRun(id)
	},
}

func init() {
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Maximum sessions to show (0 for all)")
	sessionShowCmd.Flags().BoolVar(&sessionDecisions, "decisions", false, "Also list every trust decision")
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	sessions, err := s.ListSessions(context.Background(), sessionLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions recorded. Use 'quorum analyze <reports>' to start one.")
		return nil
	}

	table := ui.Table([]string{"ID", "Project", "Strategy", "Applied", "Failed", "Started"})
	for _, sess := range sessions {
		applied := fmt.Sprint(sess.FixesApplied)
		if sess.DryRun {
			applied += " (dry run)"
		}
		failed := fmt.Sprint(sess.FixesFailed)
		if sess.FixesFailed > 0 {
			failed = output.Red(failed)
		}
		table.Append([]string{
			sess.ID,
			sess.ProjectRoot,
			string(sess.Strategy),
			applied,
			failed,
			timeAgo(sess.StartedAt),
		})
	}
	return table.Render()
}

func sessionShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var sess *models.Session
	if id == "" {
		latest, err := s.ListSessions(ctx, 1)
		if err != nil {
			return err
		}
		if len(latest) == 0 {
			return fmt.Errorf("no sessions recorded")
		}
		sess = latest[0]
	} else if sess, err = s.GetSession(ctx, id); err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan("session "+sess.ID))
	fmt.Fprintf(ui.Out, "  Project:    %s\n", sess.ProjectRoot)
	fmt.Fprintf(ui.Out, "  Directory:  %s\n", sess.Root)
	fmt.Fprintf(ui.Out, "  Strategy:   %s\n", sess.Strategy)
	if len(sess.Agents) > 0 {
		fmt.Fprintf(ui.Out, "  Analyzers:  %s\n", strings.Join(sess.Agents, ", "))
	}
	if sess.GitHead != "" {
		state := output.Green("clean")
		if sess.GitDirty {
			state = output.Red("uncommitted changes")
		}
		fmt.Fprintf(ui.Out, "  Git HEAD:   %s (%s)\n", sess.GitHead, state)
	}
	fmt.Fprintf(ui.Out, "  Started:    %s (%s)\n", sess.StartedAt.Local().Format(time.DateTime), timeAgo(sess.StartedAt))
	if sess.EndedAt == nil {
		fmt.Fprintf(ui.Out, "  Ended:      %s\n", output.Yellow("not finalized"))
	}
	if sess.DryRun {
		fmt.Fprintf(ui.Out, "  Mode:       %s\n", output.Yellow("dry run"))
	}
	fmt.Fprintf(ui.Out, "  Fixes:      %d applied, %d failed\n", sess.FixesApplied, sess.FixesFailed)
	if len(sess.FilesModified) > 0 {
		fmt.Fprintf(ui.Out, "  Modified:   %s\n", strings.Join(sess.FilesModified, ", "))
	}

	if sessionDecisions {
		decisions, err := s.ListDecisions(ctx, sess.ID)
		if err != nil {
			return err
		}
		if len(decisions) > 0 {
			fmt.Fprintln(ui.Out)
			table := ui.Table([]string{"FILE", "LINE", "TYPE", "VERDICT", "AGREED BY", "RATIONALE"})
			for _, d := range decisions {
				table.Append([]string{
					d.FilePath,
					fmt.Sprint(d.LineNumber),
					d.IssueType,
					output.VerdictColor(d.Validated),
					strings.Join(d.AgreedBy, ", "),
					d.Rationale,
				})
			}
			if err := table.Render(); err != nil {
				return err
			}
		}
	}

	fixes, err := s.ListFixes(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(fixes) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"FILE", "LINE", "TYPE", "STATUS", "ERROR"})
		for _, f := range fixes {
			table.Append([]string{
				f.FilePath,
				fmt.Sprint(f.LineNumber),
				string(f.FixType),
				output.StatusColor(string(f.Status)),
				f.Error,
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	events, err := s.ListEvents(ctx, sess.ID)
	if err != nil {
		return err
	}
	for _, e := range events {
		if e.Critical {
			ui.Error("%s %s: %s", e.Kind, e.FilePath, e.Message)
		}
	}
	return nil
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
