package provision

import (
	"context"
	"log/slog"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
	"github.com/fly-io/diskprov/pkg/job"
	"github.com/fly-io/diskprov/pkg/request"
)

// PartitionProvisioner issues partition-creation jobs and waits for them.
type PartitionProvisioner struct {
	backend    backend.Backend
	supervisor *job.Supervisor
	alignment  uint64
}

// NewPartitionProvisioner creates a provisioner. Auto-placed partitions are
// hinted to the given alignment.
func NewPartitionProvisioner(b backend.Backend, s *job.Supervisor, alignment uint64) *PartitionProvisioner {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	return &PartitionProvisioner{backend: b, supervisor: s, alignment: alignment}
}

// Params maps a partition spec to a backend call. A pinned offset is passed
// verbatim and suppresses the alignment hint. Labels are only embedded when the
// backend takes them at creation.
func (p *PartitionProvisioner) Params(spec request.PartitionSpec) (backend.CreatePartitionParams, error) {
	pt, err := request.ResolvePartitionType(spec.Type)
	if err != nil {
		return backend.CreatePartitionParams{}, err
	}
	params := backend.CreatePartitionParams{
		Size:     uint64(spec.Size),
		TypeGUID: pt.GUID,
		MBRType:  pt.MBR,
	}
	if spec.HasOffset() {
		params.Offset = spec.OffsetBytes()
		params.HasOffset = true
	} else {
		params.Alignment = p.alignment
	}
	if backend.LabelSupportOf(p.backend) == backend.LabelEmbedded {
		params.Label = spec.Label
	}
	return params, nil
}

// Create issues the partition and waits for a terminal outcome. Any failure is
// an ErrPartitionCreateFailed OpError carrying the status, size and offset.
func (p *PartitionProvisioner) Create(ctx context.Context, disk backend.Disk, index int, spec request.PartitionSpec) (job.Outcome, error) {
	params, err := p.Params(spec)
	if err != nil {
		return job.Outcome{}, err
	}
	fail := func(status uint32, cause error) error {
		return &errors.OpError{
			Op:        "create_partition",
			Kind:      errors.ErrPartitionCreateFailed,
			DiskIndex: disk.Index,
			Partition: index,
			Status:    status,
			Size:      params.Size,
			Offset:    params.Offset,
			HasOffset: params.HasOffset,
			Err:       cause,
		}
	}

	slog.Info("partition_create_start",
		"disk", disk.Index,
		"partition", index,
		"size", params.Size,
		"offset", params.Offset,
		"has_offset", params.HasOffset,
		"alignment", params.Alignment,
		"type", params.TypeGUID)

	h, err := p.backend.CreatePartition(ctx, disk, params)
	if err != nil {
		slog.Error("partition_create_call_failed", "disk", disk.Index, "partition", index, "error", err)
		return job.Outcome{}, fail(0, err)
	}

	out := p.supervisor.Await(ctx, h)
	if !out.Succeeded {
		return out, fail(out.Status, out.Err())
	}
	slog.Info("partition_created", "disk", disk.Index, "partition", index, "job_id", out.JobID, "elapsed", out.Elapsed)
	return out, nil
}

// ApplyLabel persists the partition label after the volume is known, for
// backends that cannot embed it. A label that cannot be persisted is returned
// as a warning; creation still counts as successful.
func (p *PartitionProvisioner) ApplyLabel(ctx context.Context, disk backend.Disk, index int, volume backend.VolumeID, label string) string {
	if label == "" {
		return ""
	}
	switch backend.LabelSupportOf(p.backend) {
	case backend.LabelEmbedded:
		return ""
	case backend.LabelFollowUp:
		labeler, ok := p.backend.(backend.PartitionLabeler)
		if !ok {
			break
		}
		if err := labeler.SetPartitionLabel(ctx, disk, volume, label); err != nil {
			slog.Warn("partition_label_not_set", "disk", disk.Index, "partition", index, "label", label, "error", err)
			return "partition label not set: " + err.Error()
		}
		slog.Info("partition_label_set", "disk", disk.Index, "partition", index, "label", label)
		return ""
	}
	slog.Warn("partition_label_unsupported", "disk", disk.Index, "partition", index, "label", label)
	return "backend cannot persist partition labels"
}
