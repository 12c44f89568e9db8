package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mschirtzinger/taskdav/internal/schema"
)

// These helpers apply user edits. Sync code uses InsertTask/UpdateTask
// directly so it can control the dirty flag and timestamps.

// AddTask stores a user-created task. The task is marked dirty and any
// remote linkage is cleared.
func (db *DB) AddTask(ctx context.Context, task *schema.Task) error {
	now := time.Now()
	task.Dirty = true
	task.DeletedAt = nil
	task.RemoteURL = ""
	task.RemoteETag = ""
	task.RemoteCalendarURL = ""
	task.LastSyncedAt = nil
	if task.LastModifiedAt.IsZero() {
		task.LastModifiedAt = now.UTC()
	}
	return db.InsertTask(ctx, task)
}

// EditTask loads the task with id, applies edit and stores it as a dirty
// local change with last-modified set to now.
func (db *DB) EditTask(ctx context.Context, id int64, edit func(*schema.Task) error) (*schema.Task, error) {
	task, err := db.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil || task.IsTombstone() {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err := edit(task); err != nil {
		return nil, err
	}
	task.Touch(time.Now())
	if err := db.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// RemoveTask deletes a task on behalf of the user. A task that was never
// synced is deleted immediately; a linked task becomes a dirty tombstone
// until the next pass confirms the remote deletion.
//
// Returns true when the task was hard-deleted.
func (db *DB) RemoveTask(ctx context.Context, id int64) (bool, error) {
	task, err := db.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil || task.IsTombstone() {
		return false, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}

	if !task.IsLinked() {
		return true, db.DeleteTask(ctx, id)
	}

	now := time.Now().UTC()
	task.DeletedAt = &now
	task.Touch(now)
	if err := db.UpdateTask(ctx, task); err != nil {
		return false, err
	}
	return false, nil
}

// PurgeTombstones hard-deletes every pending tombstone and returns how many
// were removed. Used when the remote configuration is cleared, since those
// deletions can no longer reach a server.
func (db *DB) PurgeTombstones(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM tasks WHERE deleted_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged tombstones: %w", err)
	}
	return int(n), nil
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Created int
	Updated int
	Skipped int
}

// ImportTasks merges tasks by UID. New UIDs are inserted as dirty user
// records; existing ones are overwritten and marked dirty. Tombstoned
// input records are skipped.
func (db *DB) ImportTasks(ctx context.Context, tasks []*schema.Task) (*ImportResult, error) {
	result := &ImportResult{}
	for _, in := range tasks {
		if in.IsTombstone() {
			result.Skipped++
			continue
		}

		existing, err := db.FindByUID(ctx, in.UID)
		if err != nil {
			return result, err
		}
		in.ParentID = nil

		if existing == nil {
			if err := db.AddTask(ctx, in); err != nil {
				return result, fmt.Errorf("failed to import task %s: %w", in.UID, err)
			}
			result.Created++
			continue
		}

		in.ID = existing.ID
		in.RemoteURL = existing.RemoteURL
		in.RemoteETag = existing.RemoteETag
		in.RemoteCalendarURL = existing.RemoteCalendarURL
		in.LastSyncedAt = existing.LastSyncedAt
		in.ParentID = existing.ParentID
		in.DeletedAt = nil
		in.Touch(time.Now())
		if err := db.UpdateTask(ctx, in); err != nil {
			return result, fmt.Errorf("failed to import task %s: %w", in.UID, err)
		}
		result.Updated++
	}
	return result, nil
}
