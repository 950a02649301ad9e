package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/db"
	"github.com/fly-io/diskprov/pkg/errors"
	"github.com/fly-io/diskprov/pkg/metrics"
	"github.com/fly-io/diskprov/pkg/provision"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a run interrupted before it finished",
	Long: `Resume the provisioning run the process was running when it stopped.

The run continues from its journaled state. Partitions already recorded for the
run are not created again.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

// interruptedRun returns the one run still pending or running in the ledger.
func interruptedRun(repo *db.Repository) (*db.Run, error) {
	var open []*db.Run
	for _, status := range []string{db.StatusPending, db.StatusRunning} {
		runs, err := repo.ListRuns(status)
		if err != nil {
			return nil, errors.Wrap(err, "list failed")
		}
		open = append(open, runs...)
	}

	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		return open[0], nil
	default:
		ids := make([]string, 0, len(open))
		for _, r := range open {
			ids = append(ids, r.ID)
		}
		return nil, fmt.Errorf("%d interrupted runs %v, remove all but one with cleanup --run", len(open), ids)
	}
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open, err := openerFor(cfg)
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	run, err := interruptedRun(repo)
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No interrupted runs")
		return nil
	}
	slog.Info("run_resume", "run_id", run.ID, "status", run.Status, "state", run.State)

	collector := metrics.NewCollector()
	runErr := provision.WithSession(ctx, open, func(b backend.Backend) error {
		return resumeRun(ctx, repo, b, collector, run.ID)
	})
	return finishRun(cmd.OutOrStdout(), repo, collector, run.ID, runErr)
}

// resumeRun restarts the journaled FSM of runID and waits for it.
func resumeRun(ctx context.Context, repo *db.Repository, b backend.Backend, collector *metrics.Collector, runID string) error {
	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	_, resume, err := registerRun(ctx, manager, repo, b, collector, runID)
	if err != nil {
		return err
	}
	if err := resume(ctx); err != nil {
		return errors.Wrap(err, "FSM resume failed")
	}

	if err := manager.WaitByID(ctx, runID); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}

	run, err := repo.GetRun(runID)
	if err != nil {
		return errors.Wrap(err, "failed to load run")
	}
	if run != nil && (run.Status == db.StatusPending || run.Status == db.StatusRunning) {
		return fmt.Errorf("run %s has no active FSM in the journal", runID)
	}
	return nil
}
