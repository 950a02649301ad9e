// Package simulated is an in-memory storage backend. It reproduces the behaviours
// the provisioning core has to cope with: the three completion shapes, accepted
// asynchronous return codes, volume enumeration lag, missing label support and
// backend-reported failures.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

// Operation names, used for completion modes, faults and call counters.
const (
	OpListDisks       = "list_disks"
	OpConvertStyle    = "convert_style"
	OpCreatePartition = "create_partition"
	OpListVolumes     = "list_volumes"
	OpFormatVolume    = "format_volume"
	OpSetLabel        = "set_partition_label"
)

// Backend-side failure codes.
const (
	StatusNotEnoughSpace  uint32 = 40000
	StatusInvalidLayout   uint32 = 40001
	StatusDiskNotEmpty    uint32 = 41000
	StatusVolumeNotFound  uint32 = 42000
	StatusUnsupportedCall uint32 = 1
)

const defaultAlignment = 1024 * 1024

// Fault makes one call of an operation fail. Call is 1-based; zero matches
// every call.
type Fault struct {
	Op     string
	Call   int
	Status uint32
	Detail string
	// Err fails the issuing call itself instead of the job.
	Err error
	// Hang leaves the job running forever.
	Hang bool
}

// Options configures a Backend.
type Options struct {
	Disks []backend.Disk
	// Modes selects the completion shape per operation. Polled by default.
	Modes map[string]backend.CompletionMode
	// Accepted makes immediate-mode calls answer 4096 and hand out a job.
	Accepted bool
	// PollsToComplete is how many JobStatus calls report running first.
	PollsToComplete int
	// EnumerationLag is how many ListVolumes calls miss a new volume.
	EnumerationLag int
	// ExtentsPerPartition is how many volumes one partition surfaces.
	ExtentsPerPartition int
	// ReportCreated adds the created volume to the job status.
	ReportCreated bool
	Labels        backend.LabelSupport
	Faults        []Fault
}

// Partition is a partition the backend has created.
type Partition struct {
	Number  int
	Offset  uint64
	Size    uint64
	Type    string
	MBRType byte
	Label   string
	Volumes []backend.VolumeID
}

type pendingVolume struct {
	id        backend.VolumeID
	remaining int
}

type disk struct {
	info       backend.Disk
	partitions []*Partition
	visible    []backend.VolumeID
	pending    []pendingVolume
}

type job struct {
	handle  backend.JobHandle
	polls   int
	hang    bool
	done    bool
	status  backend.JobStatus
	perform func() (backend.VolumeID, uint32, string)
}

// Backend is an in-memory backend.Backend. It is safe for concurrent use.
type Backend struct {
	opts Options

	mu      sync.Mutex
	disks   map[int]*disk
	order   []int
	jobs    map[string]*job
	seq     int
	calls   map[string]int
	formats map[backend.VolumeID]backend.FormatParams
	owner   map[backend.VolumeID]*Partition
	closed  bool
}

var (
	_ backend.Backend          = (*Backend)(nil)
	_ backend.JobWaiter        = (*Backend)(nil)
	_ backend.LabelCapable     = (*Backend)(nil)
	_ backend.PartitionLabeler = (*Backend)(nil)
)

// New creates a backend holding copies of opts.Disks.
func New(opts Options) *Backend {
	if opts.ExtentsPerPartition <= 0 {
		opts.ExtentsPerPartition = 1
	}
	b := &Backend{
		opts:    opts,
		disks:   make(map[int]*disk),
		jobs:    make(map[string]*job),
		calls:   make(map[string]int),
		formats: make(map[backend.VolumeID]backend.FormatParams),
		owner:   make(map[backend.VolumeID]*Partition),
	}
	for _, d := range opts.Disks {
		if d.SectorSize == 0 {
			d.SectorSize = 512
		}
		b.disks[d.Index] = &disk{info: d}
		b.order = append(b.order, d.Index)
	}
	slog.Debug("simulated_backend_open", "disks", len(opts.Disks), "lag", opts.EnumerationLag)
	return b
}

// fault counts a call of op and returns the fault configured for it, if any.
// Callers hold b.mu.
func (b *Backend) fault(op string) *Fault {
	b.calls[op]++
	n := b.calls[op]
	for i := range b.opts.Faults {
		f := &b.opts.Faults[i]
		if f.Op == op && (f.Call == 0 || f.Call == n) {
			return f
		}
	}
	return nil
}

func (b *Backend) lookup(index int) (*disk, error) {
	if b.closed {
		return nil, errors.ErrBackendUnavailable
	}
	d, ok := b.disks[index]
	if !ok {
		return nil, fmt.Errorf("simulated: no disk %d", index)
	}
	return d, nil
}

// ListDisks returns the disks in configuration order.
func (b *Backend) ListDisks(ctx context.Context) ([]backend.Disk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.ErrBackendUnavailable
	}
	if f := b.fault(OpListDisks); f != nil && f.Err != nil {
		return nil, f.Err
	}
	out := make([]backend.Disk, 0, len(b.order))
	for _, idx := range b.order {
		out = append(out, b.disks[idx].info)
	}
	return out, nil
}

// ConvertStyle initialises an empty disk with a new partition table.
func (b *Backend) ConvertStyle(ctx context.Context, target backend.Disk, style backend.PartitionStyle) (backend.JobHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(target.Index)
	if err != nil {
		return backend.JobHandle{}, err
	}
	f := b.fault(OpConvertStyle)
	if f != nil && f.Err != nil {
		return backend.JobHandle{}, f.Err
	}
	return b.issue(OpConvertStyle, f, func() (backend.VolumeID, uint32, string) {
		if d.info.Style == style {
			return "", 0, ""
		}
		if len(d.partitions) > 0 {
			return "", StatusDiskNotEmpty, "disk already has partitions"
		}
		d.info.Style = style
		return "", 0, ""
	}), nil
}

// CreatePartition carves a partition. Auto-placed partitions start at the next
// free byte rounded up to the alignment hint.
func (b *Backend) CreatePartition(ctx context.Context, target backend.Disk, params backend.CreatePartitionParams) (backend.JobHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(target.Index)
	if err != nil {
		return backend.JobHandle{}, err
	}
	f := b.fault(OpCreatePartition)
	if f != nil && f.Err != nil {
		return backend.JobHandle{}, f.Err
	}
	return b.issue(OpCreatePartition, f, func() (backend.VolumeID, uint32, string) {
		return b.carve(d, params)
	}), nil
}

func (b *Backend) carve(d *disk, params backend.CreatePartitionParams) (backend.VolumeID, uint32, string) {
	if d.info.Style == backend.StyleRaw {
		return "", StatusInvalidLayout, "disk is not initialized"
	}

	start := params.Offset
	if !params.HasOffset {
		align := params.Alignment
		if align == 0 {
			align = defaultAlignment
		}
		start = alignUp(d.end(), align)
	}
	if start > d.info.Size || params.Size > d.info.Size-start {
		return "", StatusNotEnoughSpace, "not enough available capacity"
	}
	for _, p := range d.partitions {
		if start < p.Offset+p.Size && p.Offset < start+params.Size {
			return "", StatusInvalidLayout, fmt.Sprintf("overlaps partition %d", p.Number)
		}
	}

	p := &Partition{
		Number:  len(d.partitions) + 1,
		Offset:  start,
		Size:    params.Size,
		Type:    params.TypeGUID,
		MBRType: params.MBRType,
	}
	if b.opts.Labels == backend.LabelEmbedded {
		p.Label = params.Label
	}
	for i := 0; i < b.opts.ExtentsPerPartition; i++ {
		id := backend.VolumeID(uuid.NewString())
		p.Volumes = append(p.Volumes, id)
		b.owner[id] = p
		if b.opts.EnumerationLag > 0 {
			d.pending = append(d.pending, pendingVolume{id: id, remaining: b.opts.EnumerationLag})
		} else {
			d.visible = append(d.visible, id)
		}
	}
	d.partitions = append(d.partitions, p)
	return p.Volumes[0], 0, ""
}

func (d *disk) end() uint64 {
	var end uint64
	for _, p := range d.partitions {
		if e := p.Offset + p.Size; e > end {
			end = e
		}
	}
	return end
}

func alignUp(v, align uint64) uint64 {
	if v == 0 {
		return align
	}
	return (v + align - 1) / align * align
}

// ListVolumes returns the disk's volumes in creation order. Volumes still
// inside their enumeration lag are left out.
func (b *Backend) ListVolumes(ctx context.Context, target backend.Disk) ([]backend.VolumeID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(target.Index)
	if err != nil {
		return nil, err
	}
	if f := b.fault(OpListVolumes); f != nil && f.Err != nil {
		return nil, f.Err
	}

	still := d.pending[:0]
	for _, p := range d.pending {
		if p.remaining > 0 {
			p.remaining--
			still = append(still, p)
			continue
		}
		d.visible = append(d.visible, p.id)
	}
	d.pending = still

	out := make([]backend.VolumeID, len(d.visible))
	copy(out, d.visible)
	return out, nil
}

// FormatVolume records the filesystem laid on a volume.
func (b *Backend) FormatVolume(ctx context.Context, volume backend.VolumeID, params backend.FormatParams) (backend.JobHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.JobHandle{}, errors.ErrBackendUnavailable
	}
	f := b.fault(OpFormatVolume)
	if f != nil && f.Err != nil {
		return backend.JobHandle{}, f.Err
	}
	return b.issue(OpFormatVolume, f, func() (backend.VolumeID, uint32, string) {
		if _, ok := b.owner[volume]; !ok {
			return "", StatusVolumeNotFound, "volume not found"
		}
		b.formats[volume] = params
		return "", 0, ""
	}), nil
}

// issue creates a job for op in the configured completion mode. Immediate
// calls that are not accepted run perform right away. Callers hold b.mu.
func (b *Backend) issue(op string, f *Fault, perform func() (backend.VolumeID, uint32, string)) backend.JobHandle {
	mode := b.opts.Modes[op]
	if f != nil && !f.Hang {
		inner := perform
		status, detail := f.Status, f.Detail
		perform = func() (backend.VolumeID, uint32, string) {
			if status == 0 {
				return inner()
			}
			return "", status, detail
		}
	}

	if mode == backend.CompletionImmediate && !b.opts.Accepted {
		_, status, detail := perform()
		return backend.JobHandle{Op: op, Mode: mode, ReturnCode: status, Detail: detail}
	}

	b.seq++
	h := backend.JobHandle{ID: fmt.Sprintf("job-%d", b.seq), Op: op, Mode: mode}
	if mode == backend.CompletionImmediate {
		h.ReturnCode = backend.ReturnJobStarted
	}
	b.jobs[h.ID] = &job{
		handle:  h,
		polls:   b.opts.PollsToComplete,
		hang:    f != nil && f.Hang,
		status:  backend.JobStatus{State: backend.JobRunning},
		perform: perform,
	}
	return h
}

// finish runs a job's effect once. Callers hold b.mu.
func (b *Backend) finish(j *job) {
	if j.done {
		return
	}
	j.done = true
	created, status, detail := j.perform()
	if status != 0 {
		j.status = backend.JobStatus{State: backend.JobException, ErrorCode: status, Description: detail}
		return
	}
	j.status = backend.JobStatus{State: backend.JobCompleted}
	if b.opts.ReportCreated {
		j.status.Created = created
	}
}

// JobStatus reports a job's state, completing it once its polls are used up.
func (b *Backend) JobStatus(ctx context.Context, h backend.JobHandle) (backend.JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.JobStatus{}, errors.ErrBackendUnavailable
	}
	j, ok := b.jobs[h.ID]
	if !ok {
		return backend.JobStatus{}, fmt.Errorf("simulated: unknown job %q", h.ID)
	}
	if j.hang || j.done {
		return j.status, nil
	}
	if j.polls > 0 {
		j.polls--
		return j.status, nil
	}
	b.finish(j)
	return j.status, nil
}

// WaitJob blocks until the job is terminal and returns its result code.
func (b *Backend) WaitJob(ctx context.Context, h backend.JobHandle) (uint32, string, error) {
	b.mu.Lock()
	j, ok := b.jobs[h.ID]
	if !ok {
		b.mu.Unlock()
		return 0, "", fmt.Errorf("simulated: unknown job %q", h.ID)
	}
	if j.hang {
		b.mu.Unlock()
		<-ctx.Done()
		return 0, "", ctx.Err()
	}
	b.finish(j)
	st := j.status
	b.mu.Unlock()
	return st.ErrorCode, st.Description, nil
}

// LabelSupport reports the configured label mode.
func (b *Backend) LabelSupport() backend.LabelSupport {
	return b.opts.Labels
}

// SetPartitionLabel names the partition that produced volume.
func (b *Backend) SetPartitionLabel(ctx context.Context, target backend.Disk, volume backend.VolumeID, label string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.lookup(target.Index); err != nil {
		return err
	}
	if f := b.fault(OpSetLabel); f != nil {
		if f.Err != nil {
			return f.Err
		}
		return fmt.Errorf("simulated: set label failed with status %d", f.Status)
	}
	if b.opts.Labels != backend.LabelFollowUp {
		return fmt.Errorf("simulated: label follow-up not supported (status %d)", StatusUnsupportedCall)
	}
	p, ok := b.owner[volume]
	if !ok {
		return fmt.Errorf("simulated: volume %s not found", volume)
	}
	p.Label = label
	return nil
}

// Close ends the session. Later calls fail with ErrBackendUnavailable.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	slog.Debug("simulated_backend_closed", "calls", b.calls)
	return nil
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Calls returns how many times op was issued.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Disk returns the current state of a disk.
func (b *Backend) Disk(index int) (backend.Disk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.disks[index]
	if !ok {
		return backend.Disk{}, false
	}
	return d.info, true
}

// Partitions returns copies of the partitions on a disk.
func (b *Backend) Partitions(index int) []Partition {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.disks[index]
	if !ok {
		return nil
	}
	out := make([]Partition, 0, len(d.partitions))
	for _, p := range d.partitions {
		cp := *p
		cp.Volumes = append([]backend.VolumeID(nil), p.Volumes...)
		out = append(out, cp)
	}
	return out
}

// Format returns how a volume was formatted.
func (b *Backend) Format(volume backend.VolumeID) (backend.FormatParams, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.formats[volume]
	return p, ok
}
