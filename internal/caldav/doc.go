// Package caldav is a minimal CalDAV client for one VTODO collection.
//
// Requests go out with HTTP Basic credentials first. A 401 carrying a
// Digest challenge (RFC 2617, MD5 or MD5-sess, qop auth or auth-int) is
// answered once; a second 401 is reported as KindAuthRejected and a 403 is
// never retried.
//
// Operations:
//
//	FetchTodos  REPORT calendar-query, Depth: 1, VTODO filter
//	CreateTodo  PUT <collection>/<uid>.ics, If-None-Match: *
//	UpdateTodo  PUT href, If-Match when an etag is known
//	GetTodo     GET href, captures ETag
//	DeleteTodo  DELETE href, optional If-Match, 404 counts as success
//
// Every failure is a *Error whose Kind can be tested with errors.Is against
// the Err* sentinels or with IsNotFound, IsPreconditionFailed,
// IsAuthRejected and IsMalformed.
//
// Example:
//
//	client, err := caldav.NewClient(caldav.Config{
//	    URL:      "https://dav.example.com/calendars/alice/tasks/",
//	    Username: "alice",
//	    Password: secret,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	todos, err := client.FetchTodos(ctx)
package caldav
