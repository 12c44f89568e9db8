package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mschirtzinger/taskdav/internal/caldav"
	"github.com/mschirtzinger/taskdav/internal/ical"
	"github.com/mschirtzinger/taskdav/internal/schema"
)

// Options tunes a pass.
type Options struct {
	// SkipMalformed logs and skips remote items that fail to decode
	// instead of failing the whole pass.
	SkipMalformed bool
}

// Syncer runs reconciliation passes between a Store and a Remote.
// A Syncer is not safe for concurrent Run calls; daemon.Manager
// serializes them.
type Syncer struct {
	store  Store
	remote Remote
	opts   Options
	logger *log.Logger
	clock  func() time.Time
}

// New creates a Syncer.
//
// If logger is nil, a default logger writing to stderr is used.
func New(store Store, remote Remote, opts Options, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Syncer{
		store:  store,
		remote: remote,
		opts:   opts,
		logger: logger,
		clock:  time.Now,
	}
}

// pass holds the state of one Run.
type pass struct {
	*Syncer
	summary     *Summary
	now         time.Time
	calendarURL string

	// seen holds every href present in the snapshot, malformed items
	// included, so skipped items are never treated as remote deletions.
	seen map[string]bool

	// consumed holds ids whose state was settled by the pull stage.
	consumed map[int64]bool

	// pushed holds ids created on the server during this pass.
	pushed map[int64]bool

	// parents maps a child id to a parent uid that could not be
	// resolved when the child was written.
	parents map[int64]string
}

// Run performs one pass: fetch, pull, push, then remote-deletion
// detection. A fetch failure aborts before anything is written. Later
// failures abort the pass but keep the per-record writes already made.
func (s *Syncer) Run(ctx context.Context) (*Summary, error) {
	p := &pass{
		Syncer:      s,
		summary:     &Summary{},
		now:         s.clock().UTC(),
		calendarURL: s.remote.CalendarURL(),
		seen:        make(map[string]bool),
		consumed:    make(map[int64]bool),
		pushed:      make(map[int64]bool),
		parents:     make(map[int64]string),
	}

	todos, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.pull(ctx, todos); err != nil {
		return nil, err
	}
	if err := p.push(ctx); err != nil {
		return nil, err
	}
	if err := p.removeOrphans(ctx); err != nil {
		return nil, err
	}

	p.summary.SyncedAt = p.now
	s.logger.Printf("Sync complete: created=%d updated=%d pushed=%d deleted=%d",
		p.summary.Created, p.summary.Updated, p.summary.Pushed, p.summary.Deleted)
	return p.summary, nil
}

// fetch retrieves the snapshot and applies the malformed-item policy.
func (p *pass) fetch(ctx context.Context) ([]caldav.RemoteTodo, error) {
	todos, err := p.remote.FetchTodos(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote todos: %w", err)
	}

	valid := make([]caldav.RemoteTodo, 0, len(todos))
	for _, todo := range todos {
		p.seen[todo.Href] = true
		if todo.Err != nil {
			if !p.opts.SkipMalformed {
				return nil, fmt.Errorf("failed to decode remote todo %s: %w", todo.Href, todo.Err)
			}
			p.logger.Printf("WARNING: Skipping malformed remote todo %s: %v", todo.Href, todo.Err)
			continue
		}
		valid = append(valid, todo)
	}
	return valid, nil
}

// pull reconciles every remote item with its local counterpart.
func (p *pass) pull(ctx context.Context, todos []caldav.RemoteTodo) error {
	locals, err := p.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local tasks: %w", err)
	}
	idx := newIndex(locals)
	claimed := make(map[string]bool)

	for _, todo := range todos {
		local := idx.take(todo.Href, todo.Item.UID)
		if local == nil {
			if claimed[todo.Item.UID] {
				p.logger.Printf("WARNING: Duplicate remote uid %s at %s (skipping)", todo.Item.UID, todo.Href)
				continue
			}
			if err := p.materialize(ctx, todo); err != nil {
				return err
			}
			claimed[todo.Item.UID] = true
			continue
		}
		claimed[local.UID] = true

		// Tombstones stay pending so the push stage deletes them.
		if local.IsTombstone() {
			if err := p.link(ctx, local, todo); err != nil {
				return err
			}
			continue
		}

		if local.Dirty && !remoteNewer(todo.Item, local, p.now) {
			if err := p.link(ctx, local, todo); err != nil {
				return err
			}
			continue
		}

		p.consumed[local.ID] = true
		changed, err := p.adopt(ctx, local, todo)
		if err != nil {
			return err
		}
		if changed {
			p.summary.Updated++
		}
	}

	return p.linkParents(ctx)
}

// link records the remote resource on a kept local record matched by uid
// alone, so the push stage updates or deletes that resource instead of
// creating a second one. This happens when a create reached the server but
// its response was lost.
func (p *pass) link(ctx context.Context, local *schema.Task, todo caldav.RemoteTodo) error {
	if local.RemoteURL != "" {
		return nil
	}
	local.RemoteURL = todo.Href
	local.RemoteETag = todo.ETag
	local.RemoteCalendarURL = p.calendarURL
	if err := p.store.UpdateTask(ctx, local); err != nil {
		return fmt.Errorf("failed to link local task %s: %w", local.UID, err)
	}
	p.logger.Printf("Linked task %s to existing remote resource %s", local.UID, todo.Href)
	return nil
}

// materialize stores an unseen remote item as a new clean record.
func (p *pass) materialize(ctx context.Context, todo caldav.RemoteTodo) error {
	task := &schema.Task{
		UID:                   todo.Item.UID,
		ReminderOffsetMinutes: schema.DefaultReminderMinutes,
		ReminderMethod:        schema.DefaultReminderMethod,
		LastModifiedAt:        p.now,
		CreatedAt:             p.now,
		UpdatedAt:             p.now,
	}
	parentUID := p.mirror(ctx, task, todo)
	if err := p.store.InsertTask(ctx, task); err != nil {
		return fmt.Errorf("failed to store remote todo %s: %w", todo.Href, err)
	}
	if parentUID != "" && task.ParentID == nil {
		p.parents[task.ID] = parentUID
	}

	p.consumed[task.ID] = true
	p.summary.Created++
	p.logger.Printf("Pulled new task: %s (%s)", task.UID, task.Title)
	return nil
}

// adopt overwrites local with the remote item. It writes and reports true
// only when a mirrored field or the linkage actually changed.
func (p *pass) adopt(ctx context.Context, local *schema.Task, todo caldav.RemoteTodo) (bool, error) {
	before := *local
	parentUID := p.mirror(ctx, local, todo)
	if parentUID != "" && local.ParentID == nil {
		p.parents[local.ID] = parentUID
	}

	if sameMirror(&before, local) {
		return false, nil
	}

	local.UpdatedAt = p.now
	if err := p.store.UpdateTask(ctx, local); err != nil {
		return false, fmt.Errorf("failed to update local task %s: %w", local.UID, err)
	}
	p.logger.Printf("Pulled remote changes: %s (%s)", local.UID, local.Title)
	return true, nil
}

// mirror copies the remote item's content and linkage onto task, clearing
// dirty. It returns the parent uid named by the item, if any.
func (p *pass) mirror(ctx context.Context, task *schema.Task, todo caldav.RemoteTodo) string {
	item := todo.Item
	completed := item.IsCompleted()

	task.Title = strings.TrimSpace(item.Summary)
	task.Description = item.Description
	task.Status = strings.ToUpper(strings.TrimSpace(item.Status))
	if task.Status == "" {
		if completed {
			task.Status = schema.StatusCompleted
		} else {
			task.Status = schema.StatusNeedsAction
		}
	}
	task.Completed = completed
	task.PercentComplete = clamp(item.PercentComplete, 0, 100)
	if completed && task.PercentComplete == nil {
		full := 100
		task.PercentComplete = &full
	}
	task.Priority = clamp(item.Priority, 0, 9)
	task.Location = item.Location
	task.Tags = append([]string{}, item.Categories...)
	task.StartAt = item.StartAt
	task.DueAt = item.DueAt
	task.RecurrenceRule = item.RRule
	if item.ReminderMinutes != nil {
		task.ReminderOffsetMinutes = *item.ReminderMinutes
	}
	if task.ReminderMethod == "" {
		task.ReminderMethod = schema.DefaultReminderMethod
	}
	task.Timezone = mirrorTimezone(task.Timezone, item)
	if item.LastModified != nil {
		task.LastModifiedAt = *item.LastModified
	}
	if item.CompletedAt != nil || !completed {
		task.CompletedAt = item.CompletedAt
	}

	task.ParentID = nil
	if item.RelatedTo != "" {
		parent, err := p.store.FindByUID(ctx, item.RelatedTo)
		if err != nil {
			p.logger.Printf("WARNING: Failed to resolve parent %s of %s: %v", item.RelatedTo, item.UID, err)
		} else if parent != nil && parent.UID != task.UID {
			id := parent.ID
			task.ParentID = &id
		}
	}

	task.Dirty = false
	task.DeletedAt = nil
	task.RemoteURL = todo.Href
	task.RemoteETag = todo.ETag
	task.RemoteCalendarURL = p.calendarURL
	synced := p.now
	task.LastSyncedAt = &synced
	return item.RelatedTo
}

// linkParents resolves parent links that pointed at records materialised
// later in the same pass.
func (p *pass) linkParents(ctx context.Context) error {
	for id, parentUID := range p.parents {
		parent, err := p.store.FindByUID(ctx, parentUID)
		if err != nil {
			return fmt.Errorf("failed to resolve parent %s: %w", parentUID, err)
		}
		if parent == nil || parent.ID == id {
			continue
		}
		child, err := p.store.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load task %d: %w", id, err)
		}
		if child == nil {
			continue
		}
		pid := parent.ID
		child.ParentID = &pid
		if err := p.store.UpdateTask(ctx, child); err != nil {
			return fmt.Errorf("failed to link parent of %s: %w", child.UID, err)
		}
	}
	return nil
}

// push sends every dirty record the pull stage did not settle.
func (p *pass) push(ctx context.Context) error {
	dirty, err := p.store.ListDirty(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dirty tasks: %w", err)
	}

	for _, task := range dirty {
		if p.consumed[task.ID] {
			continue
		}
		switch {
		case task.IsTombstone():
			if err := p.pushDelete(ctx, task); err != nil {
				return err
			}
		case !task.IsLinked():
			if err := p.pushCreate(ctx, task); err != nil {
				return err
			}
		case !p.seen[task.RemoteURL]:
			// Gone from the server; removeOrphans drops it.
			p.logger.Printf("Not pushing %s: remote resource %s no longer exists", task.UID, task.RemoteURL)
		default:
			if err := p.pushUpdate(ctx, task); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *pass) pushDelete(ctx context.Context, task *schema.Task) error {
	if task.IsLinked() {
		err := p.remote.DeleteTodo(ctx, task.RemoteURL, task.RemoteETag)
		if caldav.IsPreconditionFailed(err) {
			p.logger.Printf("Delete of %s hit a changed etag, retrying unconditionally", task.UID)
			err = p.remote.DeleteTodo(ctx, task.RemoteURL, "")
		}
		if err != nil {
			return fmt.Errorf("failed to delete remote todo %s: %w", task.UID, err)
		}
		p.summary.Deleted++
	}
	if err := p.store.DeleteTask(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to delete local task %s: %w", task.UID, err)
	}
	p.logger.Printf("Deleted task: %s", task.UID)
	return nil
}

func (p *pass) pushCreate(ctx context.Context, task *schema.Task) error {
	ics, err := p.encode(ctx, task)
	if err != nil {
		return err
	}
	res, err := p.remote.CreateTodo(ctx, task.UID, ics)
	if err != nil {
		return fmt.Errorf("failed to create remote todo %s: %w", task.UID, err)
	}
	p.pushed[task.ID] = true
	return p.markPushed(ctx, task, res)
}

// pushUpdate sends a conditional update. A precondition failure gets one
// last-write-wins resolution against a fresh copy of the resource.
func (p *pass) pushUpdate(ctx context.Context, task *schema.Task) error {
	ics, err := p.encode(ctx, task)
	if err != nil {
		return err
	}
	res, err := p.remote.UpdateTodo(ctx, task.RemoteURL, ics, task.RemoteETag)
	if err == nil {
		return p.markPushed(ctx, task, res)
	}
	if !caldav.IsPreconditionFailed(err) {
		return fmt.Errorf("failed to update remote todo %s: %w", task.UID, err)
	}

	p.logger.Printf("Update of %s hit a changed etag, re-resolving", task.UID)
	current, err := p.remote.GetTodo(ctx, task.RemoteURL)
	if err != nil {
		return fmt.Errorf("failed to refetch remote todo %s: %w", task.UID, err)
	}

	if current.Err == nil && !localNewer(task, current.Item, p.now) {
		if _, err := p.adopt(ctx, task, *current); err != nil {
			return err
		}
		p.summary.Updated++
		return nil
	}

	res, err = p.remote.UpdateTodo(ctx, task.RemoteURL, ics, "")
	if err != nil {
		return fmt.Errorf("failed to overwrite remote todo %s: %w", task.UID, err)
	}
	return p.markPushed(ctx, task, res)
}

// markPushed records the server's linkage after a successful PUT.
// LastModifiedAt is left untouched.
func (p *pass) markPushed(ctx context.Context, task *schema.Task, res *caldav.UploadResult) error {
	task.Dirty = false
	task.RemoteURL = res.Href
	task.RemoteETag = res.ETag
	task.RemoteCalendarURL = p.calendarURL
	synced := p.now
	task.LastSyncedAt = &synced
	if err := p.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to record push of %s: %w", task.UID, err)
	}
	p.summary.Pushed++
	p.logger.Printf("Pushed task: %s (%s)", task.UID, task.Title)
	return nil
}

func (p *pass) encode(ctx context.Context, task *schema.Task) (string, error) {
	return ical.Encode(task, func(parentID int64) (string, bool) {
		parent, err := p.store.FindByID(ctx, parentID)
		if err != nil || parent == nil {
			return "", false
		}
		return parent.UID, true
	})
}

// removeOrphans hard-deletes linked records whose href was absent from
// the snapshot.
func (p *pass) removeOrphans(ctx context.Context) error {
	locals, err := p.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local tasks: %w", err)
	}
	for _, task := range locals {
		if !task.IsLinked() || task.IsTombstone() || p.pushed[task.ID] || p.seen[task.RemoteURL] {
			continue
		}
		if err := p.store.DeleteTask(ctx, task.ID); err != nil {
			return fmt.Errorf("failed to delete orphaned task %s: %w", task.UID, err)
		}
		p.summary.Deleted++
		p.logger.Printf("Removed task deleted on server: %s (%s)", task.UID, task.Title)
	}
	return nil
}

// remoteModified returns the item's LAST-MODIFIED, or now when it has
// none.
func remoteModified(item *ical.Item, now time.Time) time.Time {
	if item.LastModified == nil {
		return now
	}
	return *item.LastModified
}

// remoteNewer reports whether the remote item was modified strictly after
// the local record. An item without LAST-MODIFIED counts as modified now.
func remoteNewer(item *ical.Item, local *schema.Task, now time.Time) bool {
	return remoteModified(item, now).After(local.LastModifiedAt.Truncate(time.Second))
}

// localNewer reports whether the local record was modified strictly after
// the remote item. An item without LAST-MODIFIED counts as modified now.
func localNewer(local *schema.Task, item *ical.Item, now time.Time) bool {
	if item == nil {
		return true
	}
	return local.LastModifiedAt.Truncate(time.Second).After(remoteModified(item, now))
}

func clamp(v *int, lo, hi int) *int {
	if v == nil {
		return nil
	}
	n := *v
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return &n
}

// mirrorTimezone keeps the local zone when the item cannot express it:
// no dated fields, or a local zone that encodes as UTC.
func mirrorTimezone(current string, item *ical.Item) string {
	if item.Timezone != "" {
		return item.Timezone
	}
	if item.StartAt == nil && item.DueAt == nil {
		return current
	}
	if current == "" || strings.EqualFold(current, "UTC") {
		return current
	}
	if _, err := time.LoadLocation(current); err != nil {
		return current
	}
	return ""
}

// sameMirror compares the fields a pull may overwrite. Times are compared
// at the one-second resolution iCalendar carries.
func sameMirror(a, b *schema.Task) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.Status == b.Status &&
		a.Completed == b.Completed &&
		equalInt(a.PercentComplete, b.PercentComplete) &&
		equalInt(a.Priority, b.Priority) &&
		a.Location == b.Location &&
		equalTags(a.Tags, b.Tags) &&
		equalTimePtr(a.StartAt, b.StartAt) &&
		equalTimePtr(a.DueAt, b.DueAt) &&
		a.RecurrenceRule == b.RecurrenceRule &&
		a.ReminderOffsetMinutes == b.ReminderOffsetMinutes &&
		a.ReminderMethod == b.ReminderMethod &&
		a.Timezone == b.Timezone &&
		equalTime(a.LastModifiedAt, b.LastModifiedAt) &&
		equalTimePtr(a.CompletedAt, b.CompletedAt) &&
		equalID(a.ParentID, b.ParentID) &&
		a.Dirty == b.Dirty &&
		(a.DeletedAt == nil) == (b.DeletedAt == nil) &&
		a.RemoteURL == b.RemoteURL &&
		a.RemoteETag == b.RemoteETag &&
		a.RemoteCalendarURL == b.RemoteCalendarURL
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalTime(a, b time.Time) bool {
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return equalTime(*a, *b)
}
