package sync

import (
	"context"

	"github.com/mschirtzinger/taskdav/internal/caldav"
	"github.com/mschirtzinger/taskdav/internal/schema"
)

// Store is the local task store a pass reconciles against.
//
// Lookups return (nil, nil) when no record matches. Writes must persist
// every field of schema.Task as given; the syncer controls the dirty flag,
// timestamps and remote linkage itself.
//
// *store.DB satisfies this interface.
type Store interface {
	// FindByID returns the record with the given numeric id.
	FindByID(ctx context.Context, id int64) (*schema.Task, error)

	// FindByUID returns the record with the given stable identifier,
	// including tombstones.
	FindByUID(ctx context.Context, uid string) (*schema.Task, error)

	// ListTasks returns every record, tombstones included.
	ListTasks(ctx context.Context) ([]*schema.Task, error)

	// ListDirty returns every record with unpushed local changes,
	// tombstones included.
	ListDirty(ctx context.Context) ([]*schema.Task, error)

	// InsertTask stores a new record and sets its ID.
	InsertTask(ctx context.Context, task *schema.Task) error

	// UpdateTask overwrites an existing record by ID.
	UpdateTask(ctx context.Context, task *schema.Task) error

	// DeleteTask hard-deletes a record. Missing ids are not an error.
	DeleteTask(ctx context.Context, id int64) error
}

// Remote is the calendar collection a pass reconciles against.
//
// *caldav.Client satisfies this interface. Errors are expected to be
// *caldav.Error values so that caldav.IsPreconditionFailed and
// caldav.IsNotFound can classify them.
type Remote interface {
	// CalendarURL returns the collection URL stored as remote_calendar_url.
	CalendarURL() string

	// FetchTodos returns the full remote snapshot.
	FetchTodos(ctx context.Context) ([]caldav.RemoteTodo, error)

	// CreateTodo creates <collection>/<uid>.ics, failing if it exists.
	CreateTodo(ctx context.Context, uid, ics string) (*caldav.UploadResult, error)

	// UpdateTodo overwrites href. An empty etag means unconditional.
	UpdateTodo(ctx context.Context, href, ics, etag string) (*caldav.UploadResult, error)

	// GetTodo fetches one resource with its current etag.
	GetTodo(ctx context.Context, href string) (*caldav.RemoteTodo, error)

	// DeleteTodo deletes href. An empty etag means unconditional; a
	// missing resource is not an error.
	DeleteTodo(ctx context.Context, href, etag string) error
}

var _ Remote = (*caldav.Client)(nil)
