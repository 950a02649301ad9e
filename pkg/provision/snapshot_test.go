package provision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/backend/simulated"
	"github.com/fly-io/diskprov/pkg/errors"
)

func ids(v ...string) []backend.VolumeID {
	out := make([]backend.VolumeID, len(v))
	for i, s := range v {
		out[i] = backend.VolumeID(s)
	}
	return out
}

func TestMatchNew_UnionReturnsNewVolume(t *testing.T) {
	cases := [][]string{
		{},
		{"a"},
		{"a", "b", "c"},
	}
	for _, base := range cases {
		before := NewSnapshot(ids(base...))
		for pos := 0; pos <= len(base); pos++ {
			after := append(ids(base[:pos]...), "x")
			after = append(after, ids(base[pos:]...)...)

			got, err := MatchNew(before, NewSnapshot(after))
			require.NoError(t, err)
			assert.Equal(t, backend.VolumeID("x"), got, "base=%v pos=%d", base, pos)
		}
	}
}

func TestMatchNew_Idempotent(t *testing.T) {
	before := NewSnapshot(ids("a", "b"))
	after := NewSnapshot(ids("a", "b", "c"))

	first, err1 := MatchNew(before, after)
	second, err2 := MatchNew(before, after)
	assert.Equal(t, first, second)
	assert.Equal(t, err1, err2)
}

func TestMatchNew_NoChange(t *testing.T) {
	s := NewSnapshot(ids("a", "b"))
	_, err := MatchNew(s, s)
	assert.ErrorIs(t, err, errors.ErrNoVolumeProduced)
}

func TestMatchNew_SeveralCandidatesTakesLast(t *testing.T) {
	before := NewSnapshot(ids("a"))
	after := NewSnapshot(ids("c", "a", "b"))

	got, err := MatchNew(before, after)
	assert.ErrorIs(t, err, errors.ErrAmbiguousVolumeMatch)
	assert.Equal(t, backend.VolumeID("b"), got)
}

func TestSnapshot_Dedups(t *testing.T) {
	s := NewSnapshot(ids("a", "b", "a"))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, ids("a", "b"), s.IDs())
	assert.True(t, s.Contains("b"))
	assert.False(t, s.Contains("z"))
}

func newGPTBackend(opts simulated.Options) (*simulated.Backend, backend.Disk) {
	d := backend.Disk{Index: 1, Name: "sim1", Size: 100 << 30, Online: true, Style: backend.StyleGPT}
	opts.Disks = []backend.Disk{d}
	return simulated.New(opts), d
}

func createOne(t *testing.T, b *simulated.Backend, d backend.Disk) {
	t.Helper()
	h, err := b.CreatePartition(context.Background(), d, backend.CreatePartitionParams{Size: 1 << 20})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		st, err := b.JobStatus(context.Background(), h)
		require.NoError(t, err)
		if st.State.Terminal() {
			return
		}
	}
	t.Fatal("create never finished")
}

func TestMatcher_RetriesThroughLag(t *testing.T) {
	ctx := context.Background()
	b, d := newGPTBackend(simulated.Options{EnumerationLag: 2})

	before, err := TakeSnapshot(ctx, b, d)
	require.NoError(t, err)
	createOne(t, b, d)

	m, err := NewMatcher(b, 3, time.Millisecond).Match(ctx, d, 0, before, "")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Attempts)
	assert.Equal(t, b.Partitions(1)[0].Volumes[0], m.Volume)
	assert.False(t, m.Fallback)
}

func TestMatcher_GivesUpWhenNothingAppears(t *testing.T) {
	ctx := context.Background()
	b, d := newGPTBackend(simulated.Options{EnumerationLag: 10})

	before, err := TakeSnapshot(ctx, b, d)
	require.NoError(t, err)
	createOne(t, b, d)

	m, err := NewMatcher(b, 3, time.Millisecond).Match(ctx, d, 0, before, "")
	assert.ErrorIs(t, err, errors.ErrNoVolumeProduced)
	assert.Equal(t, 3, m.Attempts)
	assert.Equal(t, 4, b.Calls(simulated.OpListVolumes))
}

func TestMatcher_FallbackOnSeveralExtents(t *testing.T) {
	ctx := context.Background()
	b, d := newGPTBackend(simulated.Options{ExtentsPerPartition: 2})

	before, err := TakeSnapshot(ctx, b, d)
	require.NoError(t, err)
	createOne(t, b, d)

	m, err := NewMatcher(b, 2, time.Millisecond).Match(ctx, d, 0, before, "")
	require.NoError(t, err)
	assert.True(t, m.Fallback)
	assert.Equal(t, 2, m.Attempts)
	assert.Equal(t, b.Partitions(1)[0].Volumes[1], m.Volume)
}

func TestMatcher_HintConfirmedByDiff(t *testing.T) {
	ctx := context.Background()
	b, d := newGPTBackend(simulated.Options{ExtentsPerPartition: 2})

	before, err := TakeSnapshot(ctx, b, d)
	require.NoError(t, err)
	createOne(t, b, d)
	first := b.Partitions(1)[0].Volumes[0]

	m, err := NewMatcher(b, 2, time.Millisecond).Match(ctx, d, 0, before, first)
	require.NoError(t, err)
	assert.True(t, m.Hinted)
	assert.Equal(t, first, m.Volume)

	// A hint already present before creation is ignored.
	m, err = NewMatcher(b, 1, time.Millisecond).Match(ctx, d, 0, NewSnapshot([]backend.VolumeID{first}), first)
	require.NoError(t, err)
	assert.False(t, m.Hinted)
	assert.Equal(t, b.Partitions(1)[0].Volumes[1], m.Volume)
}

func TestMatcher_ListFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("enumeration broke")
	b, d := newGPTBackend(simulated.Options{Faults: []simulated.Fault{{Op: simulated.OpListVolumes, Err: boom}}})

	m, err := NewMatcher(b, 5, time.Millisecond).Match(ctx, d, 0, NewSnapshot(nil), "")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, errors.ErrNoVolumeProduced)
	assert.Equal(t, 1, m.Attempts)
}
