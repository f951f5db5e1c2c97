package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/fly-io/vmimport/pkg/errors"
	_ "modernc.org/sqlite"
)

const groupColumns = `id, run_id, prefix, status, asset_count,
       import_task_id, image_id, instance_id, error_kind, error_message, created_at, updated_at`

// Repository provides database operations for runs and their groups
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

	// Every workflow goroutine writes here; one connection serializes them
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateRun inserts a new run record
func (r *Repository) CreateRun(run *Run) error {
	slog.Info("database_create_run", "run_id", run.ID, "bucket", run.Bucket)

	_, err := r.db.Exec(`INSERT INTO runs (id, bucket, instance_type) VALUES (?, ?, ?)`,
		run.ID, run.Bucket, run.InstanceType)
	if err != nil {
		slog.Error("database_insert_run_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}
	return nil
}

// FinishRun stamps the run's finish time
func (r *Repository) FinishRun(id string) error {
	_, err := r.db.Exec(`UPDATE runs SET finished_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		slog.Error("database_finish_run_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to finish run")
	}
	return nil
}

// ListRuns retrieves all runs, newest first
func (r *Repository) ListRuns() ([]*Run, error) {
	rows, err := r.db.Query(`SELECT id, bucket, instance_type, started_at, finished_at FROM runs ORDER BY started_at DESC, id DESC`)
	if err != nil {
		slog.Error("database_list_runs_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var finishedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.Bucket, &run.InstanceType, &run.StartedAt, &finishedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		run.FinishedAt = finishedAt.String
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

// Create inserts a new group record
func (r *Repository) Create(g *Group) error {
	slog.Info("database_create_group", "run_id", g.RunID, "prefix", g.Prefix, "status", g.Status)

	query := `
		INSERT INTO workflows (run_id, prefix, status, asset_count, import_task_id, image_id, instance_id, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		g.RunID, g.Prefix, g.Status, g.AssetCount,
		g.ImportTaskID, g.ImageID, g.InstanceID, g.ErrorKind, g.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", g.RunID, "prefix", g.Prefix, "error", err)
		return errors.Wrap(err, "failed to insert group")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "prefix", g.Prefix, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	g.ID = id

	slog.Debug("database_group_created", "prefix", g.Prefix, "group_id", g.ID)
	return nil
}

// Get retrieves a group by run and prefix. It returns nil, nil when the
// group does not exist.
func (r *Repository) Get(runID, prefix string) (*Group, error) {
	row := r.db.QueryRow(`SELECT `+groupColumns+` FROM workflows WHERE run_id = ? AND prefix = ?`, runID, prefix)

	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		slog.Debug("database_group_not_found", "run_id", runID, "prefix", prefix)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", runID, "prefix", prefix, "error", err)
		return nil, errors.Wrap(err, "failed to query group")
	}
	return g, nil
}

// Update updates an existing group record
func (r *Repository) Update(g *Group) error {
	slog.Debug("database_update_group", "group_id", g.ID, "prefix", g.Prefix, "status", g.Status)

	query := `
		UPDATE workflows
		SET status = ?, asset_count = ?, import_task_id = ?, image_id = ?, instance_id = ?,
		    error_kind = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		g.Status, g.AssetCount, g.ImportTaskID, g.ImageID, g.InstanceID,
		g.ErrorKind, g.ErrorMessage, g.ID)
	if err != nil {
		slog.Error("database_update_failed", "group_id", g.ID, "prefix", g.Prefix, "error", err)
		return errors.Wrap(err, "failed to update group")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_group_not_found_for_update", "group_id", g.ID)
		return fmt.Errorf("group not found: id=%d", g.ID)
	}
	return nil
}

// UpdateStatus updates only the status and error fields
func (r *Repository) UpdateStatus(id int64, status, errorKind, errorMessage string) error {
	slog.Debug("database_update_status", "group_id", id, "status", status)

	query := `UPDATE workflows SET status = ?, error_kind = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, status, errorKind, errorMessage, id); err != nil {
		slog.Error("database_status_update_failed", "group_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// List retrieves the groups of runID, or of every run when runID is empty
func (r *Repository) List(runID string) ([]*Group, error) {
	query := `SELECT ` + groupColumns + ` FROM workflows`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list groups")
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "group_count", len(groups))
	return groups, nil
}

// DeleteRun deletes a run and its groups, returning the number of groups removed
func (r *Repository) DeleteRun(runID string) (int64, error) {
	slog.Info("database_delete_run", "run_id", runID)

	result, err := r.db.Exec(`DELETE FROM workflows WHERE run_id = ?`, runID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete groups")
	}
	n, _ := result.RowsAffected()

	if _, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return n, errors.Wrap(err, "failed to delete run")
	}
	return n, nil
}

// DeleteByStatus deletes every group in status, returning how many were removed
func (r *Repository) DeleteByStatus(status string) (int64, error) {
	slog.Info("database_delete_by_status", "status", status)

	result, err := r.db.Exec(`DELETE FROM workflows WHERE status = ?`, status)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete groups")
	}
	return result.RowsAffected()
}

// DeleteAll deletes every run and group
func (r *Repository) DeleteAll() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM workflows`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete groups")
	}
	n, _ := result.RowsAffected()
	if _, err := r.db.Exec(`DELETE FROM runs`); err != nil {
		return n, errors.Wrap(err, "failed to delete runs")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(s scanner) (*Group, error) {
	var g Group
	var taskID, imageID, instanceID, errorKind, errorMessage sql.NullString

	err := s.Scan(
		&g.ID, &g.RunID, &g.Prefix, &g.Status, &g.AssetCount,
		&taskID, &imageID, &instanceID, &errorKind, &errorMessage,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}

	g.ImportTaskID = taskID.String
	g.ImageID = imageID.String
	g.InstanceID = instanceID.String
	g.ErrorKind = errorKind.String
	g.ErrorMessage = errorMessage.String
	return &g, nil
}
