package db

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGetRun(t *testing.T) {
	repo := newTestRepo(t)

	run := &Run{
		ID:             "run1",
		Source:         "request.yaml",
		RequestSHA256:  "abc123",
		DiskIndex:      1,
		GPT:            true,
		PartitionCount: 2,
		Status:         StatusPending,
	}
	if err := repo.CreateRun(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	got, err := repo.GetRun("run1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got == nil {
		t.Fatal("run not found")
	}
	if got.Source != run.Source || got.DiskIndex != 1 || !got.GPT || got.PartitionCount != 2 {
		t.Errorf("retrieved run mismatch: got %+v, want %+v", got, run)
	}

	missing, err := repo.GetRun("nope")
	if err != nil || missing != nil {
		t.Errorf("expected (nil, nil) for missing run, got (%v, %v)", missing, err)
	}
}

func TestRepository_UpdateRunStatus(t *testing.T) {
	repo := newTestRepo(t)

	repo.CreateRun(&Run{ID: "run1", Source: "-", RequestSHA256: "x", PartitionCount: 1, Status: StatusPending})

	if err := repo.UpdateRunState("run1", "creating"); err != nil {
		t.Fatalf("failed to update state: %v", err)
	}
	if err := repo.UpdateRunStatus("run1", StatusFailed, "partition create failed", "boom"); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	got, _ := repo.GetRun("run1")
	if got.Status != StatusFailed || got.State != "creating" || got.ErrorKind != "partition create failed" || got.ErrorMessage != "boom" {
		t.Errorf("run not updated: got %+v", got)
	}

	if err := repo.UpdateRunStatus("ghost", StatusFailed, "", ""); err == nil {
		t.Error("expected error updating a missing run")
	}
}

func TestRepository_ListRuns(t *testing.T) {
	repo := newTestRepo(t)

	repo.CreateRun(&Run{ID: "a", Source: "-", RequestSHA256: "1", PartitionCount: 1, Status: StatusSucceeded})
	repo.CreateRun(&Run{ID: "b", Source: "-", RequestSHA256: "2", PartitionCount: 1, Status: StatusFailed})

	runs, err := repo.ListRuns("")
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "b" {
		t.Errorf("expected newest run first, got %s", runs[0].ID)
	}

	failed, err := repo.ListRuns(StatusFailed)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "b" {
		t.Errorf("expected only run b, got %+v", failed)
	}
}

func TestRepository_Partitions(t *testing.T) {
	repo := newTestRepo(t)
	repo.CreateRun(&Run{ID: "run1", Source: "-", RequestSHA256: "x", PartitionCount: 2, Status: StatusRunning})

	parts := []*Partition{
		{RunID: "run1", Index: 1, VolumeID: "vol-b", Size: 2 << 30, FileSystem: "exfat", MatchAttempts: 3, MatchFallback: true},
		{RunID: "run1", Index: 0, VolumeID: "vol-a", Size: 1 << 30, Offset: 1 << 20, HasOffset: true, Label: "Data", MatchAttempts: 1},
	}
	for _, p := range parts {
		if err := repo.SavePartition(p); err != nil {
			t.Fatalf("failed to save partition: %v", err)
		}
	}
	// Saving again replaces rather than duplicates.
	if err := repo.SavePartition(parts[0]); err != nil {
		t.Fatalf("failed to re-save partition: %v", err)
	}

	got, err := repo.ListPartitions("run1")
	if err != nil {
		t.Fatalf("failed to list partitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(got))
	}
	if got[0].VolumeID != "vol-a" || !got[0].HasOffset || got[0].Offset != 1<<20 || got[0].Label != "Data" {
		t.Errorf("first partition mismatch: %+v", got[0])
	}
	if got[1].HasOffset || got[1].Size != 2<<30 || !got[1].MatchFallback || got[1].FileSystem != "exfat" {
		t.Errorf("second partition mismatch: %+v", got[1])
	}
}

func TestRepository_DeleteRun(t *testing.T) {
	repo := newTestRepo(t)
	repo.CreateRun(&Run{ID: "run1", Source: "-", RequestSHA256: "x", PartitionCount: 1, Status: StatusFailed})
	repo.SavePartition(&Partition{RunID: "run1", Index: 0, VolumeID: "v", Size: 1})

	if err := repo.DeleteRun(context.Background(), "run1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	run, _ := repo.GetRun("run1")
	parts, _ := repo.ListPartitions("run1")
	if run != nil || len(parts) != 0 {
		t.Errorf("run not fully deleted: run=%v partitions=%d", run, len(parts))
	}
}
