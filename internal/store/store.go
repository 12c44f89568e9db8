// Package store provides the SQLite-backed local task store.
//
// The database runs in embedded mode (ncruces/go-sqlite3, WASM build) with
// WAL enabled so the daemon and CLI invocations can share one file.
//
// Tables:
//   - tasks: one row per schema.Task, tags as a JSON array
//   - sync_state: key/value pairs such as last_sync and last_error
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/taskdav/internal/schema"
)

// ErrNotFound is returned by user-facing helpers when no task matches.
var ErrNotFound = errors.New("task not found")

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path and ensures the schema exists.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(filepath.Join(dataDir, "tasks.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Safe to call repeatedly.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'NEEDS-ACTION',
		completed INTEGER NOT NULL DEFAULT 0,
		percent_complete INTEGER,
		priority INTEGER,
		location TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',  -- JSON array
		start_at TEXT,
		due_at TEXT,
		recurrence_rule TEXT NOT NULL DEFAULT '',
		reminder_offset_minutes INTEGER NOT NULL DEFAULT 0,
		reminder_method TEXT NOT NULL DEFAULT 'display',
		timezone TEXT NOT NULL DEFAULT '',
		last_modified_at TEXT NOT NULL,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,

		-- Sync linkage
		dirty INTEGER NOT NULL DEFAULT 1,
		deleted_at TEXT,
		remote_url TEXT NOT NULL DEFAULT '',
		remote_etag TEXT NOT NULL DEFAULT '',
		remote_calendar_url TEXT NOT NULL DEFAULT '',
		last_synced_at TEXT,

		parent_id INTEGER REFERENCES tasks(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_remote_url ON tasks(remote_url) WHERE remote_url != '';
	CREATE INDEX IF NOT EXISTS idx_tasks_dirty ON tasks(dirty) WHERE dirty = 1;
	CREATE INDEX IF NOT EXISTS idx_tasks_deleted ON tasks(deleted_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const taskColumns = `id, uid, title, description, status, completed, percent_complete,
	priority, location, tags, start_at, due_at, recurrence_rule,
	reminder_offset_minutes, reminder_method, timezone, last_modified_at,
	completed_at, created_at, updated_at, dirty, deleted_at, remote_url,
	remote_etag, remote_calendar_url, last_synced_at, parent_id`

// InsertTask stores a new task and sets task.ID.
func (db *DB) InsertTask(ctx context.Context, task *schema.Task) error {
	task.SetDefaults()
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	tagsJSON, err := json.Marshal(task.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
	INSERT INTO tasks (
		uid, title, description, status, completed, percent_complete,
		priority, location, tags, start_at, due_at, recurrence_rule,
		reminder_offset_minutes, reminder_method, timezone, last_modified_at,
		completed_at, created_at, updated_at, dirty, deleted_at, remote_url,
		remote_etag, remote_calendar_url, last_synced_at, parent_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := db.conn.ExecContext(ctx, query,
		task.UID,
		task.Title,
		task.Description,
		task.Status,
		boolToInt(task.Completed),
		intToNull(task.PercentComplete),
		intToNull(task.Priority),
		task.Location,
		string(tagsJSON),
		timeToNullString(task.StartAt),
		timeToNullString(task.DueAt),
		task.RecurrenceRule,
		task.ReminderOffsetMinutes,
		task.ReminderMethod,
		task.Timezone,
		formatTime(task.LastModifiedAt),
		timeToNullString(task.CompletedAt),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
		boolToInt(task.Dirty),
		timeToNullString(task.DeletedAt),
		task.RemoteURL,
		task.RemoteETag,
		task.RemoteCalendarURL,
		timeToNullString(task.LastSyncedAt),
		int64ToNull(task.ParentID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.UID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read task id: %w", err)
	}
	task.ID = id
	return nil
}

// UpdateTask overwrites every column of an existing task.
func (db *DB) UpdateTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	tagsJSON, err := json.Marshal(nonNilTags(task.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
	UPDATE tasks SET
		uid = ?, title = ?, description = ?, status = ?, completed = ?,
		percent_complete = ?, priority = ?, location = ?, tags = ?,
		start_at = ?, due_at = ?, recurrence_rule = ?,
		reminder_offset_minutes = ?, reminder_method = ?, timezone = ?,
		last_modified_at = ?, completed_at = ?, updated_at = ?, dirty = ?,
		deleted_at = ?, remote_url = ?, remote_etag = ?,
		remote_calendar_url = ?, last_synced_at = ?, parent_id = ?
	WHERE id = ?
	`
	res, err := db.conn.ExecContext(ctx, query,
		task.UID,
		task.Title,
		task.Description,
		task.Status,
		boolToInt(task.Completed),
		intToNull(task.PercentComplete),
		intToNull(task.Priority),
		task.Location,
		string(tagsJSON),
		timeToNullString(task.StartAt),
		timeToNullString(task.DueAt),
		task.RecurrenceRule,
		task.ReminderOffsetMinutes,
		task.ReminderMethod,
		task.Timezone,
		formatTime(task.LastModifiedAt),
		timeToNullString(task.CompletedAt),
		formatTime(time.Now()),
		boolToInt(task.Dirty),
		timeToNullString(task.DeletedAt),
		task.RemoteURL,
		task.RemoteETag,
		task.RemoteCalendarURL,
		timeToNullString(task.LastSyncedAt),
		int64ToNull(task.ParentID),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", task.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update task %d: %w", task.ID, ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task row. Returns nil if it doesn't exist.
func (db *DB) DeleteTask(ctx context.Context, id int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}
	return nil
}

// FindByID returns the task with id, or nil if there is none.
func (db *DB) FindByID(ctx context.Context, id int64) (*schema.Task, error) {
	return db.findOne(ctx, `WHERE id = ?`, id)
}

// FindByUID returns the task with uid, or nil if there is none.
func (db *DB) FindByUID(ctx context.Context, uid string) (*schema.Task, error) {
	return db.findOne(ctx, `WHERE uid = ?`, uid)
}

// ListTasks returns every task, tombstones included, ordered by id.
func (db *DB) ListTasks(ctx context.Context) ([]*schema.Task, error) {
	return db.query(ctx, `ORDER BY id ASC`)
}

// ListDirty returns tasks awaiting push, tombstones included.
func (db *DB) ListDirty(ctx context.Context) ([]*schema.Task, error) {
	return db.query(ctx, `WHERE dirty = 1 ORDER BY id ASC`)
}

// ListFilter configures ListVisible.
type ListFilter struct {
	// IncludeCompleted includes finished tasks.
	IncludeCompleted bool
	// Tag restricts results to tasks carrying the tag (empty = all).
	Tag string
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// ListVisible returns non-tombstoned tasks ordered by due date then id.
func (db *DB) ListVisible(ctx context.Context, filter ListFilter) ([]*schema.Task, error) {
	conditions := []string{"deleted_at IS NULL"}
	var args []interface{}

	if !filter.IncludeCompleted {
		conditions = append(conditions, "completed = 0")
	}
	if filter.Tag != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(tasks.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}

	clause := "WHERE " + strings.Join(conditions, " AND ") + " ORDER BY due_at IS NULL, due_at ASC, id ASC"
	if filter.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return db.query(ctx, clause, args...)
}

// CountTasks returns the number of task rows.
func (db *DB) CountTasks() (int, error) {
	return db.CountTasksContext(context.Background())
}

// CountTasksContext returns the number of task rows with context support.
func (db *DB) CountTasksContext(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get task count: %w", err)
	}
	return count, nil
}

// CountDirty returns the number of tasks awaiting push.
func (db *DB) CountDirty(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE dirty = 1").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get dirty count: %w", err)
	}
	return count, nil
}

func (db *DB) findOne(ctx context.Context, clause string, args ...interface{}) (*schema.Task, error) {
	tasks, err := db.query(ctx, clause+" LIMIT 1", args...)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

func (db *DB) query(ctx context.Context, clause string, args ...interface{}) ([]*schema.Task, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// scanTasks scans multiple tasks from query results.
func scanTasks(rows *sql.Rows) ([]*schema.Task, error) {
	var tasks []*schema.Task

	for rows.Next() {
		var (
			task                                   schema.Task
			completed, dirty                       int
			percent, priority, parentID            sql.NullInt64
			tagsJSON                               string
			lastModified, createdAt, updatedAt     string
			startAt, dueAt, completedAt, deletedAt sql.NullString
			lastSyncedAt                           sql.NullString
		)

		err := rows.Scan(
			&task.ID,
			&task.UID,
			&task.Title,
			&task.Description,
			&task.Status,
			&completed,
			&percent,
			&priority,
			&task.Location,
			&tagsJSON,
			&startAt,
			&dueAt,
			&task.RecurrenceRule,
			&task.ReminderOffsetMinutes,
			&task.ReminderMethod,
			&task.Timezone,
			&lastModified,
			&completedAt,
			&createdAt,
			&updatedAt,
			&dirty,
			&deletedAt,
			&task.RemoteURL,
			&task.RemoteETag,
			&task.RemoteCalendarURL,
			&lastSyncedAt,
			&parentID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		task.Completed = completed != 0
		task.Dirty = dirty != 0
		task.PercentComplete = nullToInt(percent)
		task.Priority = nullToInt(priority)
		if parentID.Valid {
			id := parentID.Int64
			task.ParentID = &id
		}

		task.LastModifiedAt = parseTime(lastModified)
		task.CreatedAt = parseTime(createdAt)
		task.UpdatedAt = parseTime(updatedAt)
		task.StartAt = nullStringToTime(startAt)
		task.DueAt = nullStringToTime(dueAt)
		task.CompletedAt = nullStringToTime(completedAt)
		task.DeletedAt = nullStringToTime(deletedAt)
		task.LastSyncedAt = nullStringToTime(lastSyncedAt)

		if tagsJSON != "" && tagsJSON != "null" {
			if err := json.Unmarshal([]byte(tagsJSON), &task.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
			}
		}
		if task.Tags == nil {
			task.Tags = []string{}
		}

		tasks = append(tasks, &task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func intToNull(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func int64ToNull(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullToInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
