package db

// Schema defines the SQLite ledger of provisioning runs.
// runs holds one row per provisioning request; partitions holds one row per
// partition a run finished, so a failed run still shows what it left on disk.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    request_sha256 TEXT NOT NULL,
    disk_index INTEGER NOT NULL,
    gpt INTEGER NOT NULL DEFAULT 0,
    partition_count INTEGER NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'succeeded', 'failed')),
    state TEXT,
    error_kind TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

CREATE TABLE IF NOT EXISTS partitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    part_index INTEGER NOT NULL,
    volume_id TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    offset_bytes INTEGER,
    type_guid TEXT,
    label TEXT,
    label_warning TEXT,
    filesystem TEXT,
    volume_label TEXT,
    match_attempts INTEGER NOT NULL DEFAULT 1,
    match_fallback INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, part_index)
);

CREATE INDEX IF NOT EXISTS idx_partitions_run_id ON partitions(run_id);
`

// Status constants
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run represents a provisioning run record
type Run struct {
	ID             string
	Source         string
	RequestSHA256  string
	DiskIndex      int
	GPT            bool
	PartitionCount int
	Status         string
	State          string
	ErrorKind      string
	ErrorMessage   string
	CreatedAt      string
	UpdatedAt      string
}

// Partition represents one provisioned partition of a run.
// Offset is only meaningful when HasOffset is set.
type Partition struct {
	ID            int64
	RunID         string
	Index         int
	VolumeID      string
	Size          uint64
	Offset        uint64
	HasOffset     bool
	TypeGUID      string
	Label         string
	LabelWarning  string
	FileSystem    string
	VolumeLabel   string
	MatchAttempts int
	MatchFallback bool
	CreatedAt     string
}
