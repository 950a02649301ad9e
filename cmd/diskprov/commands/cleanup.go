package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fly-io/diskprov/pkg/db"
	"github.com/fly-io/diskprov/pkg/errors"
)

var (
	cleanupAll     bool
	cleanupRun     string
	cleanupFailed  bool
	cleanupJournal bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune run history from the ledger",
	Long: `Remove provisioning runs from the local ledger. Disks are never touched.
  --all            Remove every run
  --run <id>       Remove one run
  --failed         Remove failed runs
  --journal        Also remove the FSM journal (with --all)`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all runs")
	cleanupCmd.Flags().StringVar(&cleanupRun, "run", "", "Remove a specific run by id")
	cleanupCmd.Flags().BoolVar(&cleanupFailed, "failed", false, "Remove failed runs")
	cleanupCmd.Flags().BoolVar(&cleanupJournal, "journal", false, "Remove the FSM journal directory")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx := context.Background()

	switch {
	case cleanupAll:
		if err := cleanupRuns(ctx, cmd, repo, ""); err != nil {
			return err
		}
		if cleanupJournal {
			if err := os.RemoveAll(cfg.FSMDBPath); err != nil {
				return errors.Wrap(err, "failed to remove FSM journal")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed FSM journal %s\n", cfg.FSMDBPath)
		}
		return nil
	case cleanupRun != "":
		return cleanupSpecificRun(ctx, cmd, repo, cleanupRun)
	case cleanupFailed:
		return cleanupRuns(ctx, cmd, repo, db.StatusFailed)
	default:
		return fmt.Errorf("must specify --all, --run, or --failed")
	}
}

func cleanupRuns(ctx context.Context, cmd *cobra.Command, repo *db.Repository, status string) error {
	runs, err := repo.ListRuns(status)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cleaning up %d runs...\n", len(runs))

	removed := 0
	for _, run := range runs {
		if run.Status == db.StatusRunning {
			fmt.Fprintf(out, "Skipped running run: %s\n", run.ID)
			continue
		}
		if err := repo.DeleteRun(ctx, run.ID); err != nil {
			fmt.Fprintf(out, "Failed to remove %s: %v\n", run.ID, err)
			continue
		}
		removed++
	}

	fmt.Fprintf(out, "Removed %d runs\n", removed)
	return nil
}

func cleanupSpecificRun(ctx context.Context, cmd *cobra.Command, repo *db.Repository, id string) error {
	run, err := repo.GetRun(id)
	if err != nil {
		return errors.Wrap(err, "run lookup failed")
	}
	if run == nil {
		return fmt.Errorf("run %s not found", id)
	}

	if err := repo.DeleteRun(ctx, id); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed run %s\n", id)
	return nil
}
