package provision

import (
	"context"
	"log/slog"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

// Opener opens a backend session.
type Opener func(ctx context.Context) (backend.Backend, error)

// WithSession opens a backend, runs fn and closes the backend on every path.
// Open failures match errors.ErrBackendUnavailable.
func WithSession(ctx context.Context, open Opener, fn func(backend.Backend) error) (err error) {
	b, err := open(ctx)
	if err != nil {
		slog.Error("backend_open_failed", "error", err)
		if errors.Is(err, errors.ErrBackendUnavailable) {
			return err
		}
		return &errors.OpError{
			Op:        "open_backend",
			Kind:      errors.ErrBackendUnavailable,
			DiskIndex: -1,
			Partition: errors.NoPartition,
			Err:       err,
		}
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			slog.Warn("backend_close_failed", "error", cerr)
			if err == nil {
				err = errors.Wrap(cerr, "failed to close backend")
			}
		}
	}()
	return fn(b)
}
