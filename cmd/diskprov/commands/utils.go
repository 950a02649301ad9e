package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fly-io/diskprov/internal/config"
	"github.com/fly-io/diskprov/pkg/backend"
	linuxbackend "github.com/fly-io/diskprov/pkg/backend/linux"
	"github.com/fly-io/diskprov/pkg/backend/simulated"
	"github.com/fly-io/diskprov/pkg/errors"
	"github.com/fly-io/diskprov/pkg/provision"
	"github.com/fly-io/diskprov/pkg/storage"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM journal directory (only needed for provision)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

// openerFor returns the session opener of the configured backend.
func openerFor(c *config.Config) (provision.Opener, error) {
	switch c.Backend {
	case config.BackendLinux:
		return linuxbackend.Open, nil
	case config.BackendSimulated:
		disks := simulated.DefaultDisks()
		if len(c.SimDisks) > 0 {
			parsed, err := simulated.ParseDisks(c.SimDisks)
			if err != nil {
				return nil, errors.Wrap(err, "invalid sim-disks")
			}
			disks = parsed
		}
		return func(ctx context.Context) (backend.Backend, error) {
			return simulated.New(simulated.Options{
				Disks:          disks,
				EnumerationLag: c.SimEnumerationLag,
			}), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// s3Fetcher creates the S3 client on first use so local sources never load
// AWS configuration.
type s3Fetcher struct {
	cfg *config.Config

	once   sync.Once
	client *storage.Client
	err    error
}

func (f *s3Fetcher) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	f.once.Do(func() {
		f.client, f.err = storage.NewClient(ctx, storage.Options{
			Bucket:    f.cfg.S3Bucket,
			Region:    f.cfg.S3Region,
			Endpoint:  f.cfg.S3Endpoint,
			Anonymous: f.cfg.S3Anonymous,
		})
	})
	if f.err != nil {
		return nil, errors.Wrap(f.err, "S3 client failed")
	}
	return f.client.Fetch(ctx, bucket, key)
}
