//go:build linux

// Package linux is the block-device backend: disko scans disks and writes GPT
// partitions, and the sgdisk, mkfs and udevadm tools do the rest. Every mutating
// call runs as a background job that callers poll by id.
package linux

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anuvu/disko"
	"github.com/anuvu/disko/partid"
	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	utilexec "k8s.io/utils/exec"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

// DiskSystem is the subset of disko.System the backend uses.
type DiskSystem interface {
	ScanAllDisks(filter disko.DiskFilter) (disko.DiskSet, error)
	ScanDisk(devicePath string) (disko.Disk, error)
	CreatePartition(d disko.Disk, p disko.Partition) error
}

// DeviceState reports whether a disk is online and whether it is read-only.
type DeviceState func(d disko.Disk) (online, readOnly bool)

type job struct {
	handle  backend.JobHandle
	started time.Time
	status  backend.JobStatus
}

// Backend implements backend.Backend on a Linux host.
type Backend struct {
	system DiskSystem
	exec   utilexec.Interface
	state  DeviceState
	clock  clock.Clock

	wg sync.WaitGroup

	mu   sync.Mutex
	seq  int
	jobs map[string]*job
	// disks is the index to device mapping from the last ListDisks.
	disks map[int]disko.Disk
	// locks serialises jobs per disk path.
	locks map[string]*sync.Mutex
}

// New creates a backend over sys and exec. A nil state treats every disk as
// online and trusts disko's read-only flag.
func New(sys DiskSystem, exec utilexec.Interface, state DeviceState, clk clock.Clock) *Backend {
	if state == nil {
		state = func(d disko.Disk) (bool, bool) { return true, d.ReadOnly }
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Backend{
		system: sys,
		exec:   exec,
		state:  state,
		clock:  clk,
		jobs:   make(map[string]*job),
		disks:  make(map[int]disko.Disk),
		locks:  make(map[string]*sync.Mutex),
	}
}

// LabelSupport reports that GPT partition names are written at creation.
func (b *Backend) LabelSupport() backend.LabelSupport { return backend.LabelEmbedded }

// ListDisks scans every block device. Indexes follow the sorted device names.
func (b *Backend) ListDisks(ctx context.Context) ([]backend.Disk, error) {
	set, err := b.system.ScanAllDisks(func(disko.Disk) bool { return true })
	if err != nil {
		slog.Error("disk_scan_failed", "error", err)
		return nil, errors.Wrap(err, "failed to scan disks")
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.disks = make(map[int]disko.Disk, len(names))

	out := make([]backend.Disk, 0, len(names))
	for i, name := range names {
		d := set[name]
		b.disks[i] = d
		online, readOnly := b.state(d)
		out = append(out, backend.Disk{
			Index:      i,
			Path:       d.Path,
			Name:       d.Name,
			Size:       d.Size,
			SectorSize: d.SectorSize,
			Online:     online,
			ReadOnly:   readOnly,
			Style:      styleOf(d.Table),
		})
	}
	slog.Debug("disk_scan_complete", "disks", len(out))
	return out, nil
}

func (b *Backend) devicePath(target backend.Disk) (string, error) {
	if target.Path != "" {
		return target.Path, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.disks[target.Index]; ok {
		return d.Path, nil
	}
	return "", fmt.Errorf("disk %d has not been scanned", target.Index)
}

func (b *Backend) diskLock(path string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[path]
	if !ok {
		l = &sync.Mutex{}
		b.locks[path] = l
	}
	return l
}

// ConvertStyle writes an empty GPT. Disks that still carry partitions are refused.
func (b *Backend) ConvertStyle(ctx context.Context, target backend.Disk, style backend.PartitionStyle) (backend.JobHandle, error) {
	path, err := b.devicePath(target)
	if err != nil {
		return backend.JobHandle{}, err
	}
	return b.start("convert_style", path, func(ctx context.Context) (backend.VolumeID, uint32, string) {
		if style != backend.StyleGPT {
			return "", StatusUnsupported, fmt.Sprintf("cannot initialise %s tables", style)
		}
		d, err := b.system.ScanDisk(path)
		if err != nil {
			return "", StatusFailed, err.Error()
		}
		if len(d.Partitions) > 0 {
			return "", StatusDiskNotEmpty, fmt.Sprintf("%s has %d partitions", path, len(d.Partitions))
		}
		if out, err := b.exec.CommandContext(ctx, "sgdisk", convertArgs(path)...).CombinedOutput(); err != nil {
			return "", StatusFailed, commandDetail("sgdisk", out, err)
		}
		b.settle(ctx)
		return "", 0, ""
	}), nil
}

// CreatePartition carves one GPT partition. The job reports the new
// partition device as the created volume.
func (b *Backend) CreatePartition(ctx context.Context, target backend.Disk, params backend.CreatePartitionParams) (backend.JobHandle, error) {
	path, err := b.devicePath(target)
	if err != nil {
		return backend.JobHandle{}, err
	}
	partType := partid.LinuxFS
	if params.TypeGUID != "" {
		g, err := disko.StringToGUID(params.TypeGUID)
		if err != nil {
			return backend.JobHandle{}, errors.Wrap(err, "invalid partition type")
		}
		partType = disko.PartType(g)
	}

	return b.start("create_partition", path, func(ctx context.Context) (backend.VolumeID, uint32, string) {
		d, err := b.system.ScanDisk(path)
		if err != nil {
			return "", StatusFailed, err.Error()
		}
		if d.Table != disko.GPT {
			return "", StatusInvalidLayout, fmt.Sprintf("%s has no GPT partition table", path)
		}
		number := nextPartitionNumber(d)
		if number == 0 {
			return "", StatusInvalidLayout, "no free partition number"
		}
		start, last, status, detail := place(d.FreeSpaces(), params)
		if status != 0 {
			return "", status, detail
		}

		part := disko.Partition{
			Start:  start,
			Last:   last,
			ID:     disko.GenGUID(),
			Type:   partType,
			Name:   params.Label,
			Number: number,
		}
		slog.Info("linux_partition_create", "disk", path, "number", number, "start", start, "size", humanize.IBytes(params.Size))
		if err := b.system.CreatePartition(d, part); err != nil {
			return "", StatusFailed, err.Error()
		}
		b.settle(ctx)
		return backend.VolumeID(partitionPath(path, number)), 0, ""
	}), nil
}

// ListVolumes returns the partition devices of the disk.
func (b *Backend) ListVolumes(ctx context.Context, target backend.Disk) ([]backend.VolumeID, error) {
	path, err := b.devicePath(target)
	if err != nil {
		return nil, err
	}
	d, err := b.system.ScanDisk(path)
	if err != nil {
		slog.Error("disk_scan_failed", "disk", path, "error", err)
		return nil, errors.Wrap(err, "failed to scan disk")
	}
	return volumes(d), nil
}

// FormatVolume runs the mkfs tool for the requested filesystem.
func (b *Backend) FormatVolume(ctx context.Context, volume backend.VolumeID, params backend.FormatParams) (backend.JobHandle, error) {
	tool, args, err := mkfsCommand(string(volume), params)
	if err != nil {
		return backend.JobHandle{}, errors.Wrap(errors.ErrUnsupportedFilesystem, err.Error())
	}
	return b.start("format_volume", diskOf(string(volume)), func(ctx context.Context) (backend.VolumeID, uint32, string) {
		if out, err := b.exec.CommandContext(ctx, tool, args...).CombinedOutput(); err != nil {
			return "", StatusFailed, commandDetail(tool, out, err)
		}
		return "", 0, ""
	}), nil
}

// JobStatus reports the current state of a job.
func (b *Backend) JobStatus(ctx context.Context, h backend.JobHandle) (backend.JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[h.ID]
	if !ok {
		return backend.JobStatus{}, fmt.Errorf("unknown job %q", h.ID)
	}
	return j.status, nil
}

// Close waits for running jobs to finish. Started jobs are never cancelled.
func (b *Backend) Close() error {
	b.mu.Lock()
	var running []string
	for id, j := range b.jobs {
		if !j.status.State.Terminal() {
			running = append(running, id)
		}
	}
	b.mu.Unlock()
	if len(running) > 0 {
		sort.Strings(running)
		slog.Info("linux_backend_close_waiting", "jobs", running)
	}
	b.wg.Wait()
	return nil
}

// start runs fn in the background, one job per disk at a time.
func (b *Backend) start(op, diskPath string, fn func(ctx context.Context) (backend.VolumeID, uint32, string)) backend.JobHandle {
	b.mu.Lock()
	b.seq++
	h := backend.JobHandle{ID: fmt.Sprintf("%s-%d", op, b.seq), Op: op, Mode: backend.CompletionPolled}
	j := &job{handle: h, started: b.clock.Now(), status: backend.JobStatus{State: backend.JobRunning}}
	b.jobs[h.ID] = j
	b.mu.Unlock()

	lock := b.diskLock(diskPath)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		lock.Lock()
		defer lock.Unlock()

		created, code, detail := fn(context.Background())
		status := backend.JobStatus{State: backend.JobCompleted, Created: created}
		if code != 0 {
			status = backend.JobStatus{State: backend.JobException, ErrorCode: code, Description: detail}
		}

		b.mu.Lock()
		j.status = status
		elapsed := b.clock.Now().Sub(j.started)
		b.mu.Unlock()
		slog.Info("linux_job_complete", "job", h.ID, "state", status.State.String(), "code", code, "elapsed_ms", elapsed.Milliseconds())
	}()
	return h
}

func (b *Backend) settle(ctx context.Context) {
	if out, err := b.exec.CommandContext(ctx, "udevadm", "settle").CombinedOutput(); err != nil {
		slog.Warn("udev_settle_failed", "error", commandDetail("udevadm", out, err))
	}
}

// diskOf is the inverse of partitionPath.
func diskOf(partition string) string {
	trimmed := strings.TrimRight(partition, "0123456789")
	if trimmed == "" || trimmed == partition {
		return partition
	}
	if base, ok := strings.CutSuffix(trimmed, "p"); ok && base != "" {
		if c := base[len(base)-1]; c >= '0' && c <= '9' {
			return base
		}
	}
	return trimmed
}

func commandDetail(tool string, out []byte, err error) string {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return fmt.Sprintf("%s: %v", tool, err)
	}
	return fmt.Sprintf("%s: %v: %s", tool, err, msg)
}
