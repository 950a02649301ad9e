package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nrednav/cuid2"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/db"
	"github.com/fly-io/diskprov/pkg/errors"
	appfsm "github.com/fly-io/diskprov/pkg/fsm"
	"github.com/fly-io/diskprov/pkg/metrics"
	"github.com/fly-io/diskprov/pkg/provision"
	"github.com/fly-io/diskprov/pkg/request"
)

var provisionCheck bool

var provisionCmd = &cobra.Command{
	Use:   "provision <request>",
	Short: "Partition and format a disk from a request document",
	Long: `Provision a disk from a YAML or JSON request document.

The request source is one of:
  path/to/request.yaml   a local file
  -                      standard input
  s3://bucket/key        an S3 object (s3:///key uses the configured bucket)`,
	Args: cobra.ExactArgs(1),
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().BoolVar(&provisionCheck, "check", false, "Validate the request and exit without touching any disk")
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doc, err := request.Load(ctx, args[0], cmd.InOrStdin(), &s3Fetcher{cfg: cfg})
	if err != nil {
		return errors.Wrap(err, "request load failed")
	}
	if provisionCheck {
		if err := request.NewValidator(cfg.MaxPartitions).Validate(doc.Request); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "request ok: disk %d, %d partitions\n", doc.Request.DiskIndex, len(doc.Request.Partitions))
		return nil
	}

	open, err := openerFor(cfg)
	if err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runID := cuid2.Generate()
	run := &db.Run{
		ID:             runID,
		Source:         doc.Source,
		RequestSHA256:  doc.SHA256,
		DiskIndex:      doc.Request.DiskIndex,
		GPT:            doc.Request.GPT,
		PartitionCount: len(doc.Request.Partitions),
		Status:         db.StatusPending,
	}
	if err := repo.CreateRun(run); err != nil {
		return errors.Wrap(err, "failed to record run")
	}
	slog.Info("run_created", "run_id", runID, "source", doc.Source)

	collector := metrics.NewCollector()
	runErr := provision.WithSession(ctx, open, func(b backend.Backend) error {
		return execute(ctx, repo, b, collector, &appfsm.RunRequest{
			RunID:   runID,
			Source:  doc.Source,
			SHA256:  doc.SHA256,
			Request: doc.Request,
		})
	})

	return finishRun(cmd.OutOrStdout(), repo, collector, runID, runErr)
}

// finishRun writes metrics, closes a run that never reached a state handler
// and prints the run.
func finishRun(w io.Writer, repo *db.Repository, collector *metrics.Collector, runID string, runErr error) error {
	if cfg.MetricsTextfile != "" {
		if err := collector.WriteTextfile(cfg.MetricsTextfile); err != nil {
			slog.Warn("metrics_write_failed", "path", cfg.MetricsTextfile, "error", err)
		}
	}

	run, err := repo.GetRun(runID)
	if err != nil {
		return errors.Wrap(err, "failed to load run")
	}
	if run == nil {
		return fmt.Errorf("run %s disappeared from the ledger", runID)
	}
	if runErr != nil && run.Status != db.StatusFailed {
		// e.g. the backend did not open
		if err := repo.UpdateRunStatus(runID, db.StatusFailed, appfsm.KindName(runErr), runErr.Error()); err != nil {
			slog.Error("status_update_failed", "run_id", runID, "error", err)
		}
		run.Status, run.ErrorKind, run.ErrorMessage = db.StatusFailed, appfsm.KindName(runErr), runErr.Error()
	}

	parts, err := repo.ListPartitions(runID)
	if err != nil {
		return errors.Wrap(err, "failed to load partitions")
	}
	printRun(w, run, parts)

	if run.Status != db.StatusSucceeded {
		return fmt.Errorf("run %s failed: %s", runID, run.ErrorMessage)
	}
	return nil
}

// registerRun builds the provisioning FSM for one run on manager. Orchestrator
// transitions are recorded as the run's state.
func registerRun(ctx context.Context, manager *fsm.Manager, repo *db.Repository, b backend.Backend, collector *metrics.Collector, runID string) (fsm.Start[appfsm.RunRequest, appfsm.RunResponse], fsm.Resume, error) {
	orchestrator := provision.New(b, cfg.Provision(),
		provision.WithMetrics(collector),
		provision.WithObserver(func(t provision.Transition) {
			if err := repo.UpdateRunState(runID, t.To.String()); err != nil {
				slog.Warn("run_state_update_failed", "run_id", runID, "state", t.To.String(), "error", err)
			}
		}),
	)

	machine := appfsm.NewMachine(repo, orchestrator, cfg.FSMMaxRetries)
	start, resume, err := machine.Register(ctx, manager)
	if err != nil {
		return nil, nil, errors.Wrap(err, "FSM register failed")
	}
	return start, resume, nil
}

// execute runs one request through the provisioning FSM and waits for it.
func execute(ctx context.Context, repo *db.Repository, b backend.Backend, collector *metrics.Collector, req *appfsm.RunRequest) error {
	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	start, _, err := registerRun(ctx, manager, repo, b, collector, req.RunID)
	if err != nil {
		return err
	}

	version, err := start(ctx, req.RunID, fsm.NewRequest(req, &appfsm.RunResponse{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "run_id", req.RunID, "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}
	return nil
}

func printRun(w io.Writer, run *db.Run, parts []*db.Partition) {
	fmt.Fprintf(w, "run %s  disk %d  gpt=%t  status=%s", run.ID, run.DiskIndex, run.GPT, run.Status)
	if run.State != "" {
		fmt.Fprintf(w, "  state=%s", run.State)
	}
	fmt.Fprintln(w)
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "error (%s): %s\n", orDash(run.ErrorKind), run.ErrorMessage)
	}
	if len(parts) == 0 {
		fmt.Fprintf(w, "0/%d partitions provisioned\n", run.PartitionCount)
		return
	}

	fmt.Fprintf(w, "%-4s %-40s %-10s %-12s %-8s %-16s %s\n", "IDX", "VOLUME", "SIZE", "OFFSET", "FS", "LABEL", "NOTES")
	fmt.Fprintln(w, "------------------------------------------------------------------------------------------------------------")
	for _, p := range parts {
		offset := "auto"
		if p.HasOffset {
			offset = humanize.IBytes(p.Offset)
		}
		notes := p.LabelWarning
		if p.MatchFallback {
			notes = joinNotes(notes, fmt.Sprintf("matched by fallback after %d snapshots", p.MatchAttempts))
		}
		fmt.Fprintf(w, "%-4d %-40s %-10s %-12s %-8s %-16s %s\n",
			p.Index, p.VolumeID, humanize.IBytes(p.Size), offset, orDash(p.FileSystem), orDash(p.Label), notes)
	}
	fmt.Fprintf(w, "%d/%d partitions provisioned\n", len(parts), run.PartitionCount)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func joinNotes(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
