// Package provision partitions and formats one disk from a validated request.
// Partitions are processed strictly in request order: each one is snapshotted,
// created, matched to the volume it produced and optionally formatted before
// the next begins. Nothing already provisioned is rolled back on failure.
package provision

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
	"github.com/fly-io/diskprov/pkg/job"
	"github.com/fly-io/diskprov/pkg/metrics"
	"github.com/fly-io/diskprov/pkg/request"
)

const (
	DefaultMatchAttempts = 5
	DefaultMatchDelay    = 500 * time.Millisecond
	DefaultAlignment     = 1024 * 1024
)

// State is a step of a provisioning run.
type State int

const (
	StateIdle State = iota
	StateDiskResolved
	StateStyleConverted
	StateSnapshotting
	StateCreating
	StateMatching
	StateFormatting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiskResolved:
		return "disk_resolved"
	case StateStyleConverted:
		return "style_converted"
	case StateSnapshotting:
		return "snapshotting"
	case StateCreating:
		return "creating"
	case StateMatching:
		return "matching"
	case StateFormatting:
		return "formatting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transition is reported to observers on every state change. Partition is
// errors.NoPartition outside the partition loop.
type Transition struct {
	From      State
	To        State
	Partition int
	Err       error
}

// Config holds the tunables of a run.
type Config struct {
	PollInterval  time.Duration
	JobTimeout    time.Duration
	MatchAttempts int
	MatchDelay    time.Duration
	Alignment     uint64
	MaxPartitions int
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PollInterval:  job.DefaultPollInterval,
		JobTimeout:    job.DefaultTimeout,
		MatchAttempts: DefaultMatchAttempts,
		MatchDelay:    DefaultMatchDelay,
		Alignment:     DefaultAlignment,
		MaxPartitions: request.DefaultMaxPartitions,
	}
}

// PartitionResult describes one provisioned partition.
type PartitionResult struct {
	Index         int
	Volume        backend.VolumeID
	Size          uint64
	Offset        uint64
	HasOffset     bool
	TypeGUID      string
	Label         string
	LabelWarning  string
	FileSystem    request.Filesystem
	VolumeLabel   string
	MatchAttempts int
	MatchFallback bool
}

// Result is what a run produced. On failure it holds the partitions completed
// before the failing one.
type Result struct {
	Disk       backend.Disk
	Partitions []PartitionResult
}

// Orchestrator drives one provisioning run against a backend.
type Orchestrator struct {
	backend    backend.Backend
	cfg        Config
	clock      clock.Clock
	metrics    *metrics.Collector
	observers  []func(Transition)
	validator  *request.Validator
	resolver   *DiskResolver
	supervisor *job.Supervisor
	matcher    *Matcher
	partitions *PartitionProvisioner
	formatter  *FormatOrchestrator

	state State
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records job, match and run metrics into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithObserver adds a state transition callback.
func WithObserver(fn func(Transition)) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithClock replaces the clock used for job supervision.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// New creates an orchestrator. Zero config fields take their defaults.
func New(b backend.Backend, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MatchAttempts <= 0 {
		cfg.MatchAttempts = def.MatchAttempts
	}
	if cfg.MatchDelay < 0 {
		cfg.MatchDelay = def.MatchDelay
	}
	if cfg.Alignment == 0 {
		cfg.Alignment = def.Alignment
	}

	o := &Orchestrator{backend: b, cfg: cfg, clock: clock.WallClock}
	for _, opt := range opts {
		opt(o)
	}
	o.validator = request.NewValidator(cfg.MaxPartitions)
	o.resolver = NewDiskResolver(b)
	o.supervisor = job.NewSupervisor(b, cfg.PollInterval, cfg.JobTimeout, job.WithClock(o.clock))
	o.matcher = NewMatcher(b, cfg.MatchAttempts, cfg.MatchDelay)
	o.partitions = NewPartitionProvisioner(b, o.supervisor, cfg.Alignment)
	o.formatter = NewFormatOrchestrator(b, o.supervisor)
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) transition(to State, partition int, err error) {
	t := Transition{From: o.state, To: to, Partition: partition, Err: err}
	o.state = to
	slog.Debug("provision_transition", "from", t.From.String(), "to", t.To.String(), "partition", partition)
	for _, fn := range o.observers {
		fn(t)
	}
}

func (o *Orchestrator) fail(partition int, err error) error {
	o.transition(StateFailed, partition, err)
	return err
}

// Run provisions every partition of req in order and returns the first failure.
func (o *Orchestrator) Run(ctx context.Context, req *request.Request) (*Result, error) {
	slog.Info("provision_start", "disk", req.DiskIndex, "gpt", req.GPT, "partitions", len(req.Partitions))

	result := &Result{}
	disk, err := o.ResolveDisk(ctx, req)
	if err != nil {
		return result, o.Finish(err)
	}
	result.Disk = disk

	if req.GPT {
		if disk, err = o.ConvertStyle(ctx, disk); err != nil {
			return result, o.Finish(err)
		}
		result.Disk = disk
	}

	for i, spec := range req.Partitions {
		pr, err := o.ProvisionPartition(ctx, disk, i, spec)
		if err != nil {
			return result, o.Finish(err)
		}
		result.Partitions = append(result.Partitions, pr)
	}
	return result, o.Finish(nil)
}

// ResolveDisk validates req, resolves its disk and checks the partitions fit.
// Validation happens before any backend call.
func (o *Orchestrator) ResolveDisk(ctx context.Context, req *request.Request) (backend.Disk, error) {
	if err := o.validator.Validate(req); err != nil {
		return backend.Disk{}, o.fail(errors.NoPartition, err)
	}
	disk, err := o.resolver.Resolve(ctx, req.DiskIndex)
	if err != nil {
		return backend.Disk{}, o.fail(errors.NoPartition, err)
	}
	if err := o.validator.CheckFits(req, disk.Size); err != nil {
		return backend.Disk{}, o.fail(errors.NoPartition, err)
	}
	o.transition(StateDiskResolved, errors.NoPartition, nil)
	return disk, nil
}

// ConvertStyle initialises disk as GPT. A disk that already is GPT is left alone.
func (o *Orchestrator) ConvertStyle(ctx context.Context, disk backend.Disk) (backend.Disk, error) {
	if disk.Style == backend.StyleGPT {
		slog.Info("disk_style_unchanged", "disk", disk.Index, "style", disk.Style.String())
		o.transition(StateStyleConverted, errors.NoPartition, nil)
		return disk, nil
	}

	fail := func(status uint32, cause error) error {
		return o.fail(errors.NoPartition, &errors.OpError{
			Op:        "convert_style",
			Kind:      errors.ErrStyleConversionFailed,
			DiskIndex: disk.Index,
			Partition: errors.NoPartition,
			Status:    status,
			Err:       cause,
		})
	}

	slog.Info("disk_style_convert_start", "disk", disk.Index, "from", disk.Style.String(), "to", backend.StyleGPT.String())
	h, err := o.backend.ConvertStyle(ctx, disk, backend.StyleGPT)
	if err != nil {
		return disk, fail(0, err)
	}
	out := o.supervisor.Await(ctx, h)
	o.recordJob(out)
	if !out.Succeeded {
		return disk, fail(out.Status, out.Err())
	}

	disk.Style = backend.StyleGPT
	slog.Info("disk_style_converted", "disk", disk.Index, "style", disk.Style.String())
	o.transition(StateStyleConverted, errors.NoPartition, nil)
	return disk, nil
}

// ProvisionPartition runs one snapshot, create, match and format cycle.
func (o *Orchestrator) ProvisionPartition(ctx context.Context, disk backend.Disk, index int, spec request.PartitionSpec) (PartitionResult, error) {
	if err := ctx.Err(); err != nil {
		return PartitionResult{}, o.fail(index, errors.Wrap(err, "provisioning cancelled"))
	}
	// Formats are checked here too so a run resumed from a journal fails
	// before creating anything.
	if spec.Format != nil {
		if err := request.ValidateFormat(index, *spec.Format); err != nil {
			return PartitionResult{}, o.fail(index, err)
		}
	}

	o.transition(StateSnapshotting, index, nil)
	before, err := TakeSnapshot(ctx, o.backend, disk)
	if err != nil {
		return PartitionResult{}, o.fail(index, &errors.OpError{
			Op:        "snapshot_volumes",
			Kind:      errors.ErrBackendUnavailable,
			DiskIndex: disk.Index,
			Partition: index,
			Err:       err,
		})
	}
	slog.Debug("volume_snapshot", "disk", disk.Index, "partition", index, "volumes", before.Len())

	o.transition(StateCreating, index, nil)
	created, err := o.partitions.Create(ctx, disk, index, spec)
	o.recordJob(created)
	if err != nil {
		return PartitionResult{}, o.fail(index, err)
	}

	o.transition(StateMatching, index, nil)
	match, err := o.matcher.Match(ctx, disk, index, before, created.Created)
	if err != nil {
		return PartitionResult{}, o.fail(index, err)
	}
	o.metrics.VolumeMatched(match.Attempts, match.Fallback)

	pr := PartitionResult{
		Index:         index,
		Volume:        match.Volume,
		Size:          uint64(spec.Size),
		Offset:        spec.OffsetBytes(),
		HasOffset:     spec.HasOffset(),
		Label:         spec.Label,
		MatchAttempts: match.Attempts,
		MatchFallback: match.Fallback,
	}
	if pt, err := request.ResolvePartitionType(spec.Type); err == nil {
		pr.TypeGUID = pt.GUID
	}
	pr.LabelWarning = o.partitions.ApplyLabel(ctx, disk, index, match.Volume, spec.Label)

	if spec.Format != nil {
		o.transition(StateFormatting, index, nil)
		formatted, err := o.formatter.Format(ctx, disk, index, match.Volume, *spec.Format)
		o.recordJob(formatted)
		if err != nil {
			return pr, o.fail(index, err)
		}
		pr.FileSystem = spec.Format.FileSystem
		pr.VolumeLabel = spec.Format.Label
	}

	o.metrics.PartitionProvisioned(string(pr.FileSystem))
	slog.Info("partition_provisioned", "disk", disk.Index, "partition", index, "volume", pr.Volume, "fs", pr.FileSystem)
	return pr, nil
}

// Finish ends the run: Done on success, Failed otherwise. It returns err.
func (o *Orchestrator) Finish(err error) error {
	o.metrics.RunFinished(err)
	if err != nil {
		if o.state != StateFailed {
			o.transition(StateFailed, errors.NoPartition, err)
		}
		slog.Error("provision_failed", "error", err)
		return err
	}
	o.transition(StateDone, errors.NoPartition, nil)
	slog.Info("provision_complete")
	return nil
}

func (o *Orchestrator) recordJob(out job.Outcome) {
	if out.Op == "" {
		return
	}
	outcome := "succeeded"
	switch {
	case out.TimedOut:
		outcome = "timed_out"
	case !out.Succeeded:
		outcome = "failed"
	}
	o.metrics.JobFinished(out.Op, out.Mode.String(), outcome, out.Elapsed)
}
