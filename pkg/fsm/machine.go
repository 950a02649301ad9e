package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/fly-io/diskprov/pkg/db"
	"github.com/fly-io/diskprov/pkg/errors"
	"github.com/fly-io/diskprov/pkg/provision"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo         *db.Repository
	orchestrator *provision.Orchestrator
	maxRetries   int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(repo *db.Repository, orchestrator *provision.Orchestrator, maxRetries int) *Machine {
	return &Machine{
		repo:         repo,
		orchestrator: orchestrator,
		maxRetries:   maxRetries,
	}
}

// runFailure is a provisioning failure that has already been recorded and
// must not be retried.
type runFailure struct {
	err error
}

func (f *runFailure) Error() string { return f.err.Error() }
func (f *runFailure) Unwrap() error { return f.err }

// KindName returns the stored name of the error kind of err.
func KindName(err error) string {
	if kind := errors.KindOf(err); kind != nil {
		return kind.Error()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return ""
}

func (m *Machine) checkRetries(ctx context.Context, runID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", runID, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// fail closes the run as failed and returns a non-retryable error.
func (m *Machine) fail(runID string, resp *RunResponse, err error) error {
	m.orchestrator.Finish(err)
	resp.Status = db.StatusFailed
	resp.ErrorMessage = err.Error()
	if uerr := m.repo.UpdateRunStatus(runID, db.StatusFailed, KindName(err), err.Error()); uerr != nil {
		slog.Error("status_update_failed", "run_id", runID, "status", db.StatusFailed, "error", uerr)
	}
	return &runFailure{err: err}
}

func respond(resp *RunResponse, err error) (*fsm.Response[RunResponse], error) {
	if err == nil {
		return fsm.NewResponse(resp), nil
	}
	var f *runFailure
	if errors.As(err, &f) {
		return nil, fsm.Abort(f.err)
	}
	return nil, err
}

// handleResolveDisk validates the request and resolves its disk
func (m *Machine) handleResolveDisk(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("fsm_state_resolve_disk", "run_id", req.Msg.RunID)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &RunResponse{}
	}
	return respond(resp, m.resolveDisk(ctx, req.Msg, resp))
}

func (m *Machine) resolveDisk(ctx context.Context, msg *RunRequest, resp *RunResponse) error {
	if msg.Request == nil {
		return m.fail(msg.RunID, resp, errors.Invalid("run %s has no request", msg.RunID))
	}
	if err := m.repo.UpdateRunStatus(msg.RunID, db.StatusRunning, "", ""); err != nil {
		slog.Error("status_update_failed", "run_id", msg.RunID, "status", db.StatusRunning, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	disk, err := m.orchestrator.ResolveDisk(ctx, msg.Request)
	if err != nil {
		return m.fail(msg.RunID, resp, err)
	}
	resp.Disk = disk
	slog.Info("run_disk_resolved", "run_id", msg.RunID, "disk", disk.Index, "name", disk.Name, "style", disk.Style.String())
	return nil
}

// handleConvertStyle initialises the disk as GPT when requested
func (m *Machine) handleConvertStyle(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("fsm_state_convert_style", "run_id", req.Msg.RunID)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	return respond(resp, m.convertStyle(ctx, req.Msg, resp))
}

func (m *Machine) convertStyle(ctx context.Context, msg *RunRequest, resp *RunResponse) error {
	if !msg.Request.GPT {
		slog.Info("style_conversion_skipped", "run_id", msg.RunID, "disk", resp.Disk.Index)
		return nil
	}
	disk, err := m.orchestrator.ConvertStyle(ctx, resp.Disk)
	if err != nil {
		return m.fail(msg.RunID, resp, err)
	}
	resp.Disk = disk
	resp.Converted = true
	return nil
}

// handlePartition provisions every partition not yet recorded for the run
func (m *Machine) handlePartition(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("fsm_state_partition", "run_id", req.Msg.RunID, "partitions", len(req.Msg.Request.Partitions))

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	return respond(resp, m.partition(ctx, req.Msg, resp))
}

func (m *Machine) partition(ctx context.Context, msg *RunRequest, resp *RunResponse) error {
	saved, err := m.repo.ListPartitions(msg.RunID)
	if err != nil {
		slog.Error("partitions_load_failed", "run_id", msg.RunID, "error", err)
		return errors.Wrap(err, "failed to load partitions")
	}
	done := make(map[int]bool, len(saved))
	for _, p := range saved {
		done[p.Index] = true
	}

	for i, spec := range msg.Request.Partitions {
		if done[i] {
			slog.Info("partition_already_provisioned", "run_id", msg.RunID, "partition", i)
			continue
		}
		pr, err := m.orchestrator.ProvisionPartition(ctx, resp.Disk, i, spec)
		if err != nil {
			return m.fail(msg.RunID, resp, err)
		}
		resp.Completed = append(resp.Completed, pr)

		// Not retryable: the partition already exists on disk.
		if err := m.repo.SavePartition(partitionRecord(msg.RunID, pr)); err != nil {
			slog.Error("partition_save_failed", "run_id", msg.RunID, "partition", i, "error", err)
			return m.fail(msg.RunID, resp, errors.Wrap(err, "failed to record partition"))
		}
	}
	return nil
}

// handleComplete marks the run as succeeded
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("fsm_state_complete", "run_id", req.Msg.RunID)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &RunResponse{}
	}
	return respond(resp, m.complete(req.Msg, resp))
}

func (m *Machine) complete(msg *RunRequest, resp *RunResponse) error {
	if err := m.repo.UpdateRunStatus(msg.RunID, db.StatusSucceeded, "", ""); err != nil {
		slog.Error("status_update_failed", "run_id", msg.RunID, "status", db.StatusSucceeded, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	m.orchestrator.Finish(nil)
	resp.Status = db.StatusSucceeded

	slog.Info("fsm_complete", "run_id", msg.RunID, "status", db.StatusSucceeded, "partitions", len(resp.Completed))
	return nil
}

func partitionRecord(runID string, pr provision.PartitionResult) *db.Partition {
	return &db.Partition{
		RunID:         runID,
		Index:         pr.Index,
		VolumeID:      string(pr.Volume),
		Size:          pr.Size,
		Offset:        pr.Offset,
		HasOffset:     pr.HasOffset,
		TypeGUID:      pr.TypeGUID,
		Label:         pr.Label,
		LabelWarning:  pr.LabelWarning,
		FileSystem:    string(pr.FileSystem),
		VolumeLabel:   pr.VolumeLabel,
		MatchAttempts: pr.MatchAttempts,
		MatchFallback: pr.MatchFallback,
	}
}
