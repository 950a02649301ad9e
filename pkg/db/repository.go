package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/fly-io/diskprov/pkg/errors"
)

// Repository provides database operations for the run ledger
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Create schema
	slog.Debug("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const runColumns = `id, source, request_sha256, disk_index, gpt, partition_count, status,
       state, error_kind, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var state, errorKind, errorMessage sql.NullString
	err := row.Scan(
		&run.ID, &run.Source, &run.RequestSHA256, &run.DiskIndex, &run.GPT, &run.PartitionCount, &run.Status,
		&state, &errorKind, &errorMessage, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	run.State = state.String
	run.ErrorKind = errorKind.String
	run.ErrorMessage = errorMessage.String
	return &run, nil
}

// CreateRun inserts a new run record
func (r *Repository) CreateRun(run *Run) error {
	slog.Info("database_create_run", "run_id", run.ID, "disk", run.DiskIndex, "status", run.Status)

	query := `
		INSERT INTO runs (id, source, request_sha256, disk_index, gpt, partition_count, status, state, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		run.ID, run.Source, run.RequestSHA256, run.DiskIndex, run.GPT, run.PartitionCount,
		run.Status, run.State, run.ErrorKind, run.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}
	return nil
}

// GetRun retrieves a run by ID. A missing run is (nil, nil).
func (r *Repository) GetRun(id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		slog.Debug("database_run_not_found", "run_id", id)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// UpdateRunState records the orchestrator state a run has reached
func (r *Repository) UpdateRunState(id, state string) error {
	query := `UPDATE runs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, state, id); err != nil {
		slog.Error("database_state_update_failed", "run_id", id, "state", state, "error", err)
		return errors.Wrap(err, "failed to update state")
	}
	return nil
}

// UpdateRunStatus updates the status and error fields of a run
func (r *Repository) UpdateRunStatus(id, status, errorKind, errorMessage string) error {
	slog.Info("database_update_status", "run_id", id, "status", status)

	query := `
		UPDATE runs
		SET status = ?, error_kind = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query, status, errorKind, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "run_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_run_not_found_for_update", "run_id", id)
		return fmt.Errorf("run not found: id=%s", id)
	}
	return nil
}

// ListRuns retrieves runs, newest first. An empty status lists every run.
func (r *Repository) ListRuns(status string) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "run_count", len(runs))
	return runs, nil
}

// SavePartition records a provisioned partition. Saving the same run and
// index again replaces the row.
func (r *Repository) SavePartition(p *Partition) error {
	slog.Info("database_save_partition", "run_id", p.RunID, "partition", p.Index, "volume", p.VolumeID)

	var offset sql.NullInt64
	if p.HasOffset {
		offset = sql.NullInt64{Int64: int64(p.Offset), Valid: true}
	}
	query := `
		INSERT OR REPLACE INTO partitions
		    (run_id, part_index, volume_id, size_bytes, offset_bytes, type_guid, label, label_warning,
		     filesystem, volume_label, match_attempts, match_fallback)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		p.RunID, p.Index, p.VolumeID, int64(p.Size), offset, p.TypeGUID, p.Label, p.LabelWarning,
		p.FileSystem, p.VolumeLabel, p.MatchAttempts, p.MatchFallback)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", p.RunID, "partition", p.Index, "error", err)
		return errors.Wrap(err, "failed to insert partition")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	p.ID = id
	return nil
}

// ListPartitions retrieves the partitions of a run in request order
func (r *Repository) ListPartitions(runID string) ([]*Partition, error) {
	query := `
		SELECT id, run_id, part_index, volume_id, size_bytes, offset_bytes, type_guid, label, label_warning,
		       filesystem, volume_label, match_attempts, match_fallback, created_at
		FROM partitions WHERE run_id = ? ORDER BY part_index
	`
	rows, err := r.db.Query(query, runID)
	if err != nil {
		slog.Error("database_list_query_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to list partitions")
	}
	defer rows.Close()

	var parts []*Partition
	for rows.Next() {
		var p Partition
		var size int64
		var offset sql.NullInt64
		var typeGUID, label, labelWarning, fs, volumeLabel sql.NullString

		err := rows.Scan(
			&p.ID, &p.RunID, &p.Index, &p.VolumeID, &size, &offset, &typeGUID, &label, &labelWarning,
			&fs, &volumeLabel, &p.MatchAttempts, &p.MatchFallback, &p.CreatedAt)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}

		p.Size = uint64(size)
		p.Offset, p.HasOffset = uint64(offset.Int64), offset.Valid
		p.TypeGUID = typeGUID.String
		p.Label = label.String
		p.LabelWarning = labelWarning.String
		p.FileSystem = fs.String
		p.VolumeLabel = volumeLabel.String
		parts = append(parts, &p)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}
	return parts, nil
}

// DeleteRun deletes a run and its partition records
func (r *Repository) DeleteRun(ctx context.Context, id string) error {
	slog.Info("database_delete_run", "run_id", id)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE run_id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to delete partitions")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to delete run")
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("database_run_deleted", "run_id", id)
	return nil
}
