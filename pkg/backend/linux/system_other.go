//go:build !linux

package linux

import (
	"context"
	"fmt"
	"runtime"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

// Open fails on platforms without block device support.
func Open(ctx context.Context) (backend.Backend, error) {
	return nil, errors.Wrap(errors.ErrBackendUnavailable, fmt.Sprintf("linux backend not supported on %s", runtime.GOOS))
}
