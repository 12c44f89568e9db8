// Package schema provides the local task record mirrored to a CalDAV collection.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VTODO status values used by the local store.
const (
	StatusNeedsAction = "NEEDS-ACTION"
	StatusInProcess   = "IN-PROCESS"
	StatusCompleted   = "COMPLETED"
	StatusCancelled   = "CANCELLED"
)

const (
	// DefaultReminderMinutes is applied to records materialized from a
	// remote item that carries no alarm.
	DefaultReminderMinutes = 15

	// DefaultReminderMethod is the only alarm action emitted (ACTION:DISPLAY).
	DefaultReminderMethod = "display"
)

// Task is a local task record.
//
// Records are created either by a user action (Dirty=true, no remote linkage)
// or by materializing a remote VTODO (Dirty=false, Remote* populated).
// UID is the fallback matching key when RemoteURL is empty.
type Task struct {
	// ===== Identification =====
	ID  int64  `json:"id"`
	UID string `json:"uid"`

	// ===== Content =====
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Status          string   `json:"status"`
	Completed       bool     `json:"completed"`
	PercentComplete *int     `json:"percent_complete,omitempty"`
	Priority        *int     `json:"priority,omitempty"`
	Location        string   `json:"location,omitempty"`
	Tags            []string `json:"tags,omitempty"`

	// ===== Scheduling =====
	StartAt               *time.Time `json:"start_at,omitempty"`
	DueAt                 *time.Time `json:"due_at,omitempty"`
	RecurrenceRule        string     `json:"recurrence_rule,omitempty"`
	ReminderOffsetMinutes int        `json:"reminder_offset_minutes"`
	ReminderMethod        string     `json:"reminder_method,omitempty"`
	Timezone              string     `json:"timezone,omitempty"`

	// ===== Timestamps (last-write-wins) =====
	LastModifiedAt time.Time  `json:"last_modified_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// ===== Sync linkage =====
	Dirty             bool       `json:"dirty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
	RemoteURL         string     `json:"remote_url,omitempty"`
	RemoteETag        string     `json:"remote_etag,omitempty"`
	RemoteCalendarURL string     `json:"remote_calendar_url,omitempty"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`

	// ParentID references another local record (subtasks). It is resolved
	// to the parent's UID at encode time, never retained as a pointer.
	ParentID *int64 `json:"parent_id,omitempty"`
}

// NewTask returns a user-created record: fresh UID, dirty, no remote linkage.
func NewTask(title string, now time.Time) *Task {
	t := &Task{
		UID:   uuid.NewString(),
		Title: strings.TrimSpace(title),
		Dirty: true,
	}
	t.LastModifiedAt = now.UTC()
	t.CreatedAt = now.UTC()
	t.UpdatedAt = now.UTC()
	t.SetDefaults()
	return t
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.UID == "" {
		return fmt.Errorf("uid is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if t.PercentComplete != nil && (*t.PercentComplete < 0 || *t.PercentComplete > 100) {
		return fmt.Errorf("percent_complete must be between 0 and 100 (got %d)", *t.PercentComplete)
	}
	if t.Priority != nil && (*t.Priority < 0 || *t.Priority > 9) {
		return fmt.Errorf("priority must be between 0 and 9 (got %d)", *t.Priority)
	}
	if t.ReminderOffsetMinutes < 0 {
		return fmt.Errorf("reminder_offset_minutes must not be negative (got %d)", t.ReminderOffsetMinutes)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		if t.Completed {
			t.Status = StatusCompleted
		} else {
			t.Status = StatusNeedsAction
		}
	}
	if t.ReminderMethod == "" {
		t.ReminderMethod = DefaultReminderMethod
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.LastModifiedAt.IsZero() {
		t.LastModifiedAt = now
	}
}

// Touch records a local edit: the record becomes dirty and its
// last-modified timestamp moves to now.
func (t *Task) Touch(now time.Time) {
	t.Dirty = true
	t.LastModifiedAt = now.UTC()
	t.UpdatedAt = now.UTC()
}

// SetCompleted flips completion and keeps status, percent and the
// completion timestamp consistent with it.
func (t *Task) SetCompleted(done bool, now time.Time) {
	t.Completed = done
	if done {
		t.Status = StatusCompleted
		p := 100
		t.PercentComplete = &p
		ts := now.UTC()
		t.CompletedAt = &ts
		return
	}
	t.Status = StatusNeedsAction
	t.PercentComplete = nil
	t.CompletedAt = nil
}

// IsTombstone reports whether the record is soft-deleted and waiting for
// the remote deletion to be confirmed.
func (t *Task) IsTombstone() bool {
	return t.DeletedAt != nil
}

// IsLinked reports whether the record has been written to or read from a
// remote collection.
func (t *Task) IsLinked() bool {
	return t.RemoteURL != ""
}
