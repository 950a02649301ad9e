package commands

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/diskprov/internal/config"
	"github.com/fly-io/diskprov/pkg/db"
)

func TestOpenerFor_Simulated(t *testing.T) {
	open, err := openerFor(&config.Config{Backend: config.BackendSimulated, SimDisks: []string{"3:10G:gpt"}})
	require.NoError(t, err)

	b, err := open(context.Background())
	require.NoError(t, err)
	defer b.Close()

	disks, err := b.ListDisks(context.Background())
	require.NoError(t, err)
	require.Len(t, disks, 1)
	assert.Equal(t, 3, disks[0].Index)
	assert.Equal(t, uint64(10<<30), disks[0].Size)

	_, err = openerFor(&config.Config{Backend: config.BackendSimulated, SimDisks: []string{"bogus"}})
	assert.Error(t, err)
	_, err = openerFor(&config.Config{Backend: "wmi"})
	assert.Error(t, err)
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	sqlitePath := filepath.Join(dir, "a", "runs.db")
	fsmPath := filepath.Join(dir, "fsm")

	require.NoError(t, ensureDirectories(sqlitePath, fsmPath))
	assert.DirExists(t, filepath.Join(dir, "a"))
	assert.DirExists(t, fsmPath)
}

func TestPrintRun(t *testing.T) {
	var buf bytes.Buffer
	run := &db.Run{ID: "r1", DiskIndex: 1, GPT: true, Status: db.StatusFailed, State: "failed",
		PartitionCount: 3, ErrorKind: "format failed", ErrorMessage: "format_volume: format failed (disk=1 partition=1 status=5)"}
	parts := []*db.Partition{
		{Index: 0, VolumeID: "vol-a", Size: 10 << 30, FileSystem: "ntfs", Label: "Data", MatchAttempts: 1},
		{Index: 1, VolumeID: "vol-b", Size: 1 << 20, Offset: 1 << 20, HasOffset: true, LabelWarning: "label not persisted", MatchFallback: true, MatchAttempts: 5},
	}
	printRun(&buf, run, parts)
	out := buf.String()

	assert.Contains(t, out, "status=failed")
	assert.Contains(t, out, "error (format failed)")
	assert.Contains(t, out, "10 GiB")
	assert.Contains(t, out, "label not persisted; matched by fallback after 5 snapshots")
	assert.Contains(t, out, "2/3 partitions provisioned")

	buf.Reset()
	printRun(&buf, &db.Run{ID: "r2", Status: db.StatusSucceeded, PartitionCount: 1}, nil)
	assert.Contains(t, buf.String(), "0/1 partitions provisioned")
}

type closeRecorder struct{ closed int }

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestRun_ClosesLogOnFailure(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logPath := filepath.Join(dir, "logs", "diskprov.log")
	err := run([]string{"provision", "--check", "--log-file", logPath, filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)
	assert.Nil(t, logCloser, "log file left open after a failed command")

	rec := &closeRecorder{}
	logCloser = rec
	require.NoError(t, closeLog())
	require.NoError(t, closeLog())
	assert.Equal(t, 1, rec.closed)
}

func TestInterruptedRun(t *testing.T) {
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer repo.Close()

	run, err := interruptedRun(repo)
	require.NoError(t, err)
	assert.Nil(t, run)

	require.NoError(t, repo.CreateRun(&db.Run{ID: "done", Source: "a.yaml", Status: db.StatusSucceeded, PartitionCount: 1}))
	require.NoError(t, repo.CreateRun(&db.Run{ID: "cut", Source: "b.yaml", Status: db.StatusRunning, PartitionCount: 2}))

	run, err = interruptedRun(repo)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "cut", run.ID)

	require.NoError(t, repo.CreateRun(&db.Run{ID: "queued", Source: "c.yaml", Status: db.StatusPending, PartitionCount: 1}))
	_, err = interruptedRun(repo)
	assert.ErrorContains(t, err, "2 interrupted runs")
}
