// Package sync reconciles the local task store with a CalDAV collection.
//
// Overview
//
// One call to Syncer.Run is one pass. It works in four ordered stages:
//
//	1. Fetch   REPORT the whole collection. Any failure aborts the pass
//	           before a single local write.
//	2. Pull    Match each remote item by href, then by uid.
//	           unmatched       → materialise a clean local record
//	           clean match     → overwrite from remote
//	           dirty match     → remote LAST-MODIFIED strictly newer wins,
//	                             otherwise the local edit waits for stage 3
//	3. Push    Every dirty record the pull did not settle:
//	           tombstone       → DELETE (If-Match, once more without on 412)
//	           unlinked        → PUT If-None-Match: *
//	           linked          → PUT If-Match; a 412 refetches the resource
//	                             and resolves last-write-wins once
//	4. Orphans Linked records whose href was absent from the snapshot are
//	           deleted locally.
//
// Records are processed one at a time. Writes already made stay committed
// when a later step fails.
//
// Malformed remote items fail the pass unless Options.SkipMalformed is set,
// in which case they are logged and skipped. A skipped item's href still
// counts as present, so its local record is never treated as deleted.
//
// Usage
//
//	client, err := caldav.NewClient(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	syncer := sync.New(database, client, sync.Options{}, nil)
//	summary, err := syncer.Run(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("pushed %d\n", summary.Pushed)
package sync
