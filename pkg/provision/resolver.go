package provision

import (
	"context"
	"log/slog"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

// DiskResolver finds the disk a request targets.
type DiskResolver struct {
	backend backend.Backend
}

// NewDiskResolver creates a resolver.
func NewDiskResolver(b backend.Backend) *DiskResolver {
	return &DiskResolver{backend: b}
}

// Resolve returns the disk with the given index. Enumeration order is ignored.
// Offline and read-only disks resolve with a warning.
func (r *DiskResolver) Resolve(ctx context.Context, index int) (backend.Disk, error) {
	disks, err := r.backend.ListDisks(ctx)
	if err != nil {
		slog.Error("disk_enumeration_failed", "disk", index, "error", err)
		return backend.Disk{}, &errors.OpError{
			Op:        "resolve_disk",
			Kind:      errors.ErrBackendUnavailable,
			DiskIndex: index,
			Partition: errors.NoPartition,
			Err:       err,
		}
	}

	for _, d := range disks {
		if d.Index != index {
			continue
		}
		if !d.Online {
			slog.Warn("disk_offline", "disk", index, "name", d.Name)
		}
		if d.ReadOnly {
			slog.Warn("disk_read_only", "disk", index, "name", d.Name)
		}
		slog.Info("disk_resolved", "disk", index, "name", d.Name, "size", d.Size, "style", d.Style.String())
		return d, nil
	}

	slog.Error("disk_not_found", "disk", index, "enumerated", len(disks))
	return backend.Disk{}, &errors.OpError{
		Op:        "resolve_disk",
		Kind:      errors.ErrDiskNotFound,
		DiskIndex: index,
		Partition: errors.NoPartition,
	}
}
