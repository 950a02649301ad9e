package provision

import (
	"context"
	"log/slog"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
	"github.com/fly-io/diskprov/pkg/job"
	"github.com/fly-io/diskprov/pkg/request"
)

// FormatOrchestrator lays filesystems on matched volumes.
type FormatOrchestrator struct {
	backend    backend.Backend
	supervisor *job.Supervisor
}

// NewFormatOrchestrator creates a format orchestrator.
func NewFormatOrchestrator(b backend.Backend, s *job.Supervisor) *FormatOrchestrator {
	return &FormatOrchestrator{backend: b, supervisor: s}
}

// Params maps a format spec to a backend call.
func (f *FormatOrchestrator) Params(spec request.FormatSpec) (backend.FormatParams, error) {
	code, err := spec.FileSystem.BackendCode()
	if err != nil {
		return backend.FormatParams{}, err
	}
	return backend.FormatParams{FileSystem: code, Label: spec.Label, Quick: spec.IsQuick()}, nil
}

// Format formats volume and waits for a terminal outcome. An unknown
// filesystem fails before the backend is called.
func (f *FormatOrchestrator) Format(ctx context.Context, disk backend.Disk, index int, volume backend.VolumeID, spec request.FormatSpec) (job.Outcome, error) {
	params, err := f.Params(spec)
	if err != nil {
		slog.Error("format_unsupported_filesystem", "disk", disk.Index, "partition", index, "fs", spec.FileSystem)
		return job.Outcome{}, &errors.OpError{
			Op:        "format_volume",
			Kind:      errors.ErrUnsupportedFilesystem,
			DiskIndex: disk.Index,
			Partition: index,
			Err:       err,
		}
	}
	fail := func(status uint32, cause error) error {
		return &errors.OpError{
			Op:        "format_volume",
			Kind:      errors.ErrFormatFailed,
			DiskIndex: disk.Index,
			Partition: index,
			Status:    status,
			Err:       cause,
		}
	}

	slog.Info("format_start",
		"disk", disk.Index,
		"partition", index,
		"volume", volume,
		"fs", params.FileSystem,
		"label", params.Label,
		"quick", params.Quick)

	h, err := f.backend.FormatVolume(ctx, volume, params)
	if err != nil {
		slog.Error("format_call_failed", "disk", disk.Index, "partition", index, "error", err)
		return job.Outcome{}, fail(0, err)
	}

	out := f.supervisor.Await(ctx, h)
	if !out.Succeeded {
		return out, fail(out.Status, out.Err())
	}
	slog.Info("format_complete", "disk", disk.Index, "partition", index, "volume", volume, "fs", params.FileSystem)
	return out, nil
}
