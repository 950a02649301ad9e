package simulated

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

func gptDisk() backend.Disk {
	return backend.Disk{Index: 1, Size: 10 << 30, Online: true, Style: backend.StyleGPT}
}

func completePolled(t *testing.T, b *Backend, h backend.JobHandle) backend.JobStatus {
	t.Helper()
	for i := 0; i < 100; i++ {
		st, err := b.JobStatus(context.Background(), h)
		require.NoError(t, err)
		if st.State.Terminal() {
			return st
		}
	}
	t.Fatalf("job %s never finished", h.ID)
	return backend.JobStatus{}
}

func TestCreatePartition_AutoPlacementAligns(t *testing.T) {
	ctx := context.Background()
	d := gptDisk()
	b := New(Options{Disks: []backend.Disk{d}, ReportCreated: true})

	h, err := b.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 1 << 30, Alignment: 1 << 20, Label: "one"})
	require.NoError(t, err)
	st := completePolled(t, b, h)
	assert.Equal(t, backend.JobCompleted, st.State)
	assert.NotEmpty(t, st.Created)

	h, err = b.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 100, Alignment: 1 << 20})
	require.NoError(t, err)
	completePolled(t, b, h)

	parts := b.Partitions(1)
	require.Len(t, parts, 2)
	assert.Equal(t, uint64(1<<20), parts[0].Offset)
	assert.Equal(t, "one", parts[0].Label)
	assert.Equal(t, uint64(1<<20+1<<30), parts[1].Offset)
	assert.Equal(t, st.Created, parts[0].Volumes[0])
}

func TestCreatePartition_Failures(t *testing.T) {
	ctx := context.Background()
	d := gptDisk()
	raw := backend.Disk{Index: 2, Size: 1 << 30, Online: true, Style: backend.StyleRaw}
	b := New(Options{Disks: []backend.Disk{d, raw}})

	h, err := b.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 20 << 30})
	require.NoError(t, err)
	st := completePolled(t, b, h)
	assert.True(t, st.State.Failed())
	assert.Equal(t, StatusNotEnoughSpace, st.ErrorCode)

	h, err = b.CreatePartition(ctx, raw, backend.CreatePartitionParams{Size: 1 << 20})
	require.NoError(t, err)
	st = completePolled(t, b, h)
	assert.Equal(t, StatusInvalidLayout, st.ErrorCode)

	h, _ = b.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 1 << 20, Offset: 1 << 20, HasOffset: true})
	completePolled(t, b, h)
	h, _ = b.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 1 << 20, Offset: 1 << 20, HasOffset: true})
	st = completePolled(t, b, h)
	assert.Equal(t, StatusInvalidLayout, st.ErrorCode)

	h, _ = b.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 2 << 20, Offset: math.MaxUint64 - 1<<20 + 1, HasOffset: true})
	st = completePolled(t, b, h)
	assert.Equal(t, StatusNotEnoughSpace, st.ErrorCode)
	assert.Len(t, b.Partitions(1), 1)
}

func TestFaults(t *testing.T) {
	ctx := context.Background()
	d := gptDisk()
	boom := errors.New("boom")
	b := New(Options{
		Disks: []backend.Disk{d},
		Faults: []Fault{
			{Op: OpCreatePartition, Call: 2, Status: 40001, Detail: "injected"},
			{Op: OpFormatVolume, Err: boom},
		},
	})

	h, _ := b.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 1 << 20})
	assert.Equal(t, backend.JobCompleted, completePolled(t, b, h).State)

	h, _ = b.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 1 << 20})
	st := completePolled(t, b, h)
	assert.Equal(t, uint32(40001), st.ErrorCode)
	assert.Equal(t, "injected", st.Description)
	assert.Len(t, b.Partitions(1), 1)

	_, err := b.FormatVolume(ctx, "x", backend.FormatParams{FileSystem: backend.FileSystemNTFS})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, b.Calls(OpCreatePartition))
}

func TestCompletionModes(t *testing.T) {
	ctx := context.Background()
	d := gptDisk()

	immediate := New(Options{Disks: []backend.Disk{d}, Modes: map[string]backend.CompletionMode{OpCreatePartition: backend.CompletionImmediate}})
	h, err := immediate.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 1 << 20})
	require.NoError(t, err)
	assert.Empty(t, h.ID)
	assert.Equal(t, backend.ReturnSuccess, h.ReturnCode)
	assert.Len(t, immediate.Partitions(1), 1)

	accepted := New(Options{Disks: []backend.Disk{d}, Accepted: true, Modes: map[string]backend.CompletionMode{OpCreatePartition: backend.CompletionImmediate}})
	h, err = accepted.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 1 << 20})
	require.NoError(t, err)
	assert.True(t, h.Accepted())
	assert.Empty(t, accepted.Partitions(1))
	completePolled(t, accepted, h)
	assert.Len(t, accepted.Partitions(1), 1)

	blocking := New(Options{Disks: []backend.Disk{d}, Modes: map[string]backend.CompletionMode{OpCreatePartition: backend.CompletionBlocking}})
	h, err = blocking.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 1 << 20})
	require.NoError(t, err)
	code, _, err := blocking.WaitJob(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, backend.ReturnSuccess, code)
}

func TestListVolumes_EnumerationLag(t *testing.T) {
	ctx := context.Background()
	d := gptDisk()
	b := New(Options{Disks: []backend.Disk{d}, EnumerationLag: 2})

	h, _ := b.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 1 << 20})
	completePolled(t, b, h)

	for i := 0; i < 2; i++ {
		vols, err := b.ListVolumes(ctx, d)
		require.NoError(t, err)
		assert.Empty(t, vols, "call %d", i+1)
	}
	vols, err := b.ListVolumes(ctx, d)
	require.NoError(t, err)
	assert.Len(t, vols, 1)
}

func TestLabels(t *testing.T) {
	ctx := context.Background()
	d := gptDisk()

	followUp := New(Options{Disks: []backend.Disk{d}, Labels: backend.LabelFollowUp, ReportCreated: true})
	assert.Equal(t, backend.LabelFollowUp, backend.LabelSupportOf(followUp))
	h, _ := followUp.CreatePartition(ctx, d, backend.CreatePartitionParams{Size: 1 << 20, Label: "ignored"})
	st := completePolled(t, followUp, h)
	assert.Empty(t, followUp.Partitions(1)[0].Label)
	require.NoError(t, followUp.SetPartitionLabel(ctx, d, st.Created, "Data"))
	assert.Equal(t, "Data", followUp.Partitions(1)[0].Label)

	none := New(Options{Disks: []backend.Disk{d}, Labels: backend.LabelUnsupported})
	assert.Error(t, none.SetPartitionLabel(ctx, d, "x", "Data"))
}

func TestConvertStyle(t *testing.T) {
	ctx := context.Background()
	raw := backend.Disk{Index: 3, Size: 1 << 30, Online: true, Style: backend.StyleRaw}
	b := New(Options{Disks: []backend.Disk{raw}})

	h, err := b.ConvertStyle(ctx, raw, backend.StyleGPT)
	require.NoError(t, err)
	assert.Equal(t, backend.JobCompleted, completePolled(t, b, h).State)
	got, _ := b.Disk(3)
	assert.Equal(t, backend.StyleGPT, got.Style)

	h, _ = b.CreatePartition(ctx, got, backend.CreatePartitionParams{Size: 1 << 20})
	completePolled(t, b, h)
	h, _ = b.ConvertStyle(ctx, got, backend.StyleMBR)
	assert.Equal(t, StatusDiskNotEmpty, completePolled(t, b, h).ErrorCode)
}

func TestClose(t *testing.T) {
	b := New(Options{Disks: DefaultDisks()})
	require.NoError(t, b.Close())
	assert.True(t, b.Closed())

	_, err := b.ListDisks(context.Background())
	assert.ErrorIs(t, err, errors.ErrBackendUnavailable)
}

func TestParseDisks(t *testing.T) {
	disks, err := ParseDisks([]string{"1:100G", "2:512M:gpt:offline:readonly"})
	require.NoError(t, err)
	require.Len(t, disks, 2)

	assert.Equal(t, uint64(100<<30), disks[0].Size)
	assert.Equal(t, backend.StyleRaw, disks[0].Style)
	assert.True(t, disks[0].Online)

	assert.Equal(t, uint64(512<<20), disks[1].Size)
	assert.Equal(t, backend.StyleGPT, disks[1].Style)
	assert.False(t, disks[1].Online)
	assert.True(t, disks[1].ReadOnly)

	for _, bad := range [][]string{{"1"}, {"x:1G"}, {"1:1G", "1:2G"}, {"1:1G:shiny"}, {"1:huge"}} {
		_, err := ParseDisks(bad)
		assert.Error(t, err, bad)
	}
}
