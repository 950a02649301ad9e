package provision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

// Snapshot is the set of volumes a disk exposed at one moment, in backend
// enumeration order.
type Snapshot struct {
	ids []backend.VolumeID
	set map[backend.VolumeID]struct{}
}

// NewSnapshot builds a snapshot. Duplicate identities keep their first position.
func NewSnapshot(ids []backend.VolumeID) Snapshot {
	s := Snapshot{set: make(map[backend.VolumeID]struct{}, len(ids))}
	for _, id := range ids {
		if _, ok := s.set[id]; ok {
			continue
		}
		s.set[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
	return s
}

// TakeSnapshot enumerates the volumes of disk.
func TakeSnapshot(ctx context.Context, b backend.Backend, disk backend.Disk) (Snapshot, error) {
	ids, err := b.ListVolumes(ctx, disk)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "failed to list volumes")
	}
	return NewSnapshot(ids), nil
}

// Contains reports whether id is in the snapshot.
func (s Snapshot) Contains(id backend.VolumeID) bool {
	_, ok := s.set[id]
	return ok
}

// Len returns the number of volumes.
func (s Snapshot) Len() int { return len(s.ids) }

// IDs returns the volumes in enumeration order.
func (s Snapshot) IDs() []backend.VolumeID {
	return append([]backend.VolumeID(nil), s.ids...)
}

// Since returns the volumes of s missing from before, in s's order.
func (s Snapshot) Since(before Snapshot) []backend.VolumeID {
	var out []backend.VolumeID
	for _, id := range s.ids {
		if !before.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// MatchNew identifies the volume present in after but not in before. With no
// candidate it fails with ErrNoVolumeProduced. With several it returns the last
// one in after's order together with ErrAmbiguousVolumeMatch.
func MatchNew(before, after Snapshot) (backend.VolumeID, error) {
	candidates := after.Since(before)
	switch len(candidates) {
	case 0:
		return "", errors.ErrNoVolumeProduced
	case 1:
		return candidates[0], nil
	default:
		return candidates[len(candidates)-1], errors.ErrAmbiguousVolumeMatch
	}
}

// Match is the result of a volume match.
type Match struct {
	Volume   backend.VolumeID
	Attempts int
	// Fallback is set when several candidates remained and the last was taken.
	Fallback bool
	// Hinted is set when the backend-reported volume was confirmed by the diff.
	Hinted bool
}

// Matcher re-snapshots a disk until a single new volume shows up.
type Matcher struct {
	backend  backend.Backend
	attempts int
	delay    time.Duration
}

// NewMatcher creates a matcher taking at most attempts snapshots, delay apart.
func NewMatcher(b backend.Backend, attempts int, delay time.Duration) *Matcher {
	if attempts <= 0 {
		attempts = DefaultMatchAttempts
	}
	return &Matcher{backend: b, attempts: attempts, delay: delay}
}

// Match finds the volume a partition creation produced on disk. hint, when set,
// is the volume the backend claims to have created; it is only trusted if the
// snapshot diff agrees.
func (m *Matcher) Match(ctx context.Context, disk backend.Disk, partition int, before Snapshot, hint backend.VolumeID) (Match, error) {
	var (
		result    Match
		candidate backend.VolumeID
	)
	operation := func() error {
		result.Attempts++
		after, err := TakeSnapshot(ctx, m.backend, disk)
		if err != nil {
			return backoff.Permanent(err)
		}
		if hint != "" && after.Contains(hint) && !before.Contains(hint) {
			result.Volume, result.Hinted = hint, true
			return nil
		}
		id, err := MatchNew(before, after)
		if err == nil {
			result.Volume = id
			return nil
		}
		candidate = id
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("volume_match_retry", "disk", disk.Index, "partition", partition, "attempt", result.Attempts, "reason", err, "wait", wait)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.delay), uint64(m.attempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)

	switch {
	case err == nil:
		slog.Info("volume_matched", "disk", disk.Index, "partition", partition, "volume", result.Volume, "attempts", result.Attempts, "hinted", result.Hinted)
		return result, nil
	case errors.Is(err, errors.ErrAmbiguousVolumeMatch):
		result.Volume, result.Fallback = candidate, true
		slog.Warn("volume_match_fallback", "disk", disk.Index, "partition", partition, "volume", candidate, "attempts", result.Attempts)
		return result, nil
	default:
		if errors.Is(err, errors.ErrNoVolumeProduced) {
			err = fmt.Errorf("no new volume after %d snapshots", result.Attempts)
		}
		slog.Error("volume_match_failed", "disk", disk.Index, "partition", partition, "attempts", result.Attempts, "error", err)
		return result, &errors.OpError{
			Op:        "match_volume",
			Kind:      errors.ErrNoVolumeProduced,
			DiskIndex: disk.Index,
			Partition: partition,
			Err:       err,
		}
	}
}
