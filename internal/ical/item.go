package ical

import (
	"errors"
	"strings"
	"time"
)

// Decode errors.
var (
	// ErrNoCalendar is returned when the text holds no VCALENDAR component.
	ErrNoCalendar = errors.New("no VCALENDAR component")

	// ErrNoTodo is returned when the first VCALENDAR holds no VTODO.
	ErrNoTodo = errors.New("no VTODO component")

	// ErrMissingSummary is returned when the VTODO has no SUMMARY.
	ErrMissingSummary = errors.New("VTODO has no SUMMARY")

	// ErrSyntax is returned when the text is not valid iCalendar.
	ErrSyntax = errors.New("malformed iCalendar text")
)

// Item is the decoded content of one VTODO.
type Item struct {
	UID             string
	Summary         string
	Description     string
	Status          string
	PercentComplete *int
	Priority        *int
	Location        string
	Categories      []string

	StartAt      *time.Time // UTC
	DueAt        *time.Time // UTC
	CompletedAt  *time.Time // UTC
	LastModified *time.Time // UTC

	// ReminderMinutes is the offset of the first alarm's negative trigger.
	// Nil when the VTODO has no usable alarm.
	ReminderMinutes *int

	// Timezone is the TZID of DTSTART, falling back to DUE. Only zones
	// known to the tz database are kept.
	Timezone string

	RRule string

	// RelatedTo is the parent's UID.
	RelatedTo string
}

// IsCompleted reports whether the item is finished: STATUS is COMPLETED or
// PERCENT-COMPLETE is 100.
func (i *Item) IsCompleted() bool {
	if strings.EqualFold(i.Status, "COMPLETED") {
		return true
	}
	return i.PercentComplete != nil && *i.PercentComplete == 100
}
