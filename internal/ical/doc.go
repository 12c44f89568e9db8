// Package ical converts between schema.Task records and iCalendar VTODO text.
//
// Content lines are parsed and written by github.com/emersion/go-ical; this
// package maps its components onto task fields.
//
// Only the subset of RFC 5545 a task list needs is handled: one VTODO per
// VCALENDAR, TEXT escaping, line folding, a single-rule VTIMEZONE, one
// DISPLAY alarm with a negative relative trigger, and RELATED-TO for
// subtasks. Date-times are decoded to UTC; a bare local time is converted
// from its TZID zone when the zone is known and taken as UTC otherwise.
//
// Example:
//
//	item, err := ical.Decode(payload)
//	if err != nil {
//	    return err
//	}
//	text, err := ical.Encode(task, func(id int64) (string, bool) {
//	    parent, err := store.FindByID(ctx, id)
//	    if err != nil || parent == nil {
//	        return "", false
//	    }
//	    return parent.UID, true
//	})
package ical
