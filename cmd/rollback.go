package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/quorum/internal/coordinator"
	"github.com/joescharf/quorum/internal/ledger"
	"github.com/joescharf/quorum/internal/models"
	"github.com/joescharf/quorum/internal/store"
)

var rollbackReportsDir string

var rollbackCmd = &cobra.Command{
	Use:   "rollback <session-id>",
	Short: "Restore every file a session modified",
	Long: `Restore each file touched by a session to the pristine copy taken
before its first fix. Rollback is best-effort: a file that cannot be
restored is reported and the rest are still restored. The session's backup
directory is never deleted.

Sessions missing from the history database are looked up on disk under
the reports directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return rollbackRun(args[0])
	},
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackReportsDir, "reports-dir", "", "Where session directories live (default from config)")
	rootCmd.AddCommand(rollbackCmd)
}

func rollbackReportsRoot() string {
	if rollbackReportsDir != "" {
		return rollbackReportsDir
	}
	return viper.GetString("reports_dir")
}

func rollbackRun(id string) error {
	ctx := context.Background()
	s, storeErr := getStore()
	if storeErr != nil {
		ui.Warning("Session history unavailable (%v); reading %s", storeErr, rollbackReportsRoot())
	}

	if dryRun {
		return rollbackPreview(ctx, s, id)
	}

	var (
		sess *models.Session
		rep  *ledger.RollbackReport
		err  error
	)
	if s != nil {
		sess, rep, err = coordinator.RollbackSession(ctx, s, id, logger)
	}
	if s == nil || errors.Is(err, store.ErrNotFound) {
		sess, rep, err = coordinator.RollbackDir(ctx, rollbackReportsRoot(), id, logger)
	}
	if err != nil {
		return err
	}
	for _, f := range rep.Restored {
		ui.VerboseLog("restored %s", f)
	}
	for _, f := range rep.Failed {
		ui.Error("%s: %s", f.Path, f.Error)
	}
	if !rep.OK() {
		return fmt.Errorf("rollback of session %s incomplete: %d file(s) not restored", sess.ID, len(rep.Failed))
	}
	ui.Success("Session %s rolled back: %d file(s) restored", sess.ID, len(rep.Restored))
	return nil
}

func rollbackPreview(ctx context.Context, s store.Store, id string) error {
	var files []string
	var sess *models.Session
	var err error
	if s != nil {
		if sess, err = s.GetSession(ctx, id); err == nil {
			backups, err := s.ListBackups(ctx, sess.ID)
			if err != nil {
				return err
			}
			for _, b := range backups {
				files = append(files, b.FilePath)
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if sess == nil {
		if sess, err = coordinator.FindSessionDir(rollbackReportsRoot(), id); err != nil {
			return err
		}
	}
	if len(files) == 0 {
		if files, err = ledger.BackedUpFiles(sess.BackupRoot); err != nil {
			return err
		}
	}
	for _, f := range files {
		ui.DryRunMsg("Would restore %s", f)
	}
	return nil
}
