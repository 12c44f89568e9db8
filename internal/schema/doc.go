// Package schema provides the local task record mirrored to a CalDAV collection.
//
// Record lifecycle
//
//	user action   ──► Task{Dirty: true, RemoteURL: ""}
//	remote pull   ──► Task{Dirty: false, RemoteURL/RemoteETag set}
//	user edit     ──► Touch(): Dirty = true, LastModifiedAt = now
//	remote newer  ──► overwritten, Dirty = false
//	user delete   ──► never synced: hard delete
//	                  synced: DeletedAt set (tombstone) until the server
//	                  confirms the deletion, then hard delete
//
// Conflicts between a dirty record and its remote copy are resolved with
// last-write-wins on LastModifiedAt.
//
// Example:
//
//	task := schema.NewTask("Buy milk", time.Now())
//	if err := task.Validate(); err != nil {
//	    return err
//	}
package schema
