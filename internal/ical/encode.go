package ical

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	goical "github.com/emersion/go-ical"

	"github.com/mschirtzinger/taskdav/internal/schema"
)

// ProdID identifies the producer in every encoded calendar.
const ProdID = "-//taskdav//taskdav 0.1//EN"

const maxLineOctets = 75

// ParentResolver maps a local parent id to the parent's UID. It returns
// false when the parent no longer exists.
type ParentResolver func(parentID int64) (uid string, ok bool)

// Encode renders task as a VCALENDAR holding one VTODO. resolve may be nil,
// in which case RELATED-TO is never emitted.
func Encode(task *schema.Task, resolve ParentResolver) (string, error) {
	return encode(task, resolve, time.Now())
}

func encode(task *schema.Task, resolve ParentResolver, now time.Time) (string, error) {
	loc := location(task.Timezone)

	cal := goical.NewCalendar()
	setValue(cal.Props, goical.PropVersion, "2.0")
	setValue(cal.Props, goical.PropProductID, ProdID)
	setValue(cal.Props, goical.PropCalendarScale, "GREGORIAN")
	if loc != nil {
		cal.Children = append(cal.Children, timezone(task, loc, now))
	}

	todo := goical.NewComponent(goical.CompToDo)
	props := todo.Props
	setValue(props, goical.PropUID, task.UID)
	setUTC(props, goical.PropDateTimeStamp, now)
	lastModified := task.LastModifiedAt
	if lastModified.IsZero() {
		lastModified = now
	}
	setUTC(props, goical.PropLastModified, lastModified)
	if !task.CreatedAt.IsZero() {
		setUTC(props, goical.PropCreated, task.CreatedAt)
	}
	props.SetText(goical.PropSummary, cleanText(task.Title))
	if task.Description != "" {
		props.SetText(goical.PropDescription, cleanText(task.Description))
	}
	setValue(props, goical.PropStatus, statusOf(task))
	if task.PercentComplete != nil {
		setValue(props, goical.PropPercentComplete, strconv.Itoa(*task.PercentComplete))
	}
	if task.Priority != nil {
		setValue(props, goical.PropPriority, strconv.Itoa(*task.Priority))
	}
	if task.Location != "" {
		props.SetText(goical.PropLocation, cleanText(task.Location))
	}
	if len(task.Tags) > 0 {
		prop := goical.NewProp(goical.PropCategories)
		prop.SetTextList(task.Tags)
		props.Set(prop)
	}
	if task.StartAt != nil {
		props.Set(dateTimeProp(goical.PropDateTimeStart, *task.StartAt, task.Timezone, loc))
	}
	if task.DueAt != nil {
		props.Set(dateTimeProp(goical.PropDue, *task.DueAt, task.Timezone, loc))
	}
	if task.RecurrenceRule != "" {
		setValue(props, goical.PropRecurrenceRule, task.RecurrenceRule)
	}
	if task.CompletedAt != nil {
		setUTC(props, goical.PropCompleted, *task.CompletedAt)
	}
	if task.ParentID != nil && resolve != nil {
		if uid, ok := resolve(*task.ParentID); ok && uid != "" {
			prop := goical.NewProp(goical.PropRelatedTo)
			prop.Params.Set("RELTYPE", "PARENT")
			prop.Value = uid
			props.Set(prop)
		}
	}
	if task.ReminderOffsetMinutes > 0 {
		alarm := goical.NewComponent(goical.CompAlarm)
		setValue(alarm.Props, goical.PropTrigger, fmt.Sprintf("-PT%dM", task.ReminderOffsetMinutes))
		setValue(alarm.Props, goical.PropAction, "DISPLAY")
		alarm.Props.SetText(goical.PropDescription, "Reminder")
		todo.Children = append(todo.Children, alarm)
	}
	cal.Children = append(cal.Children, todo)

	var b strings.Builder
	if err := goical.NewEncoder(&b).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode task %s: %w", task.UID, err)
	}
	return foldLines(b.String()), nil
}

func setValue(props goical.Props, name, value string) {
	prop := goical.NewProp(name)
	prop.Value = value
	props.Set(prop)
}

func setUTC(props goical.Props, name string, t time.Time) {
	setValue(props, name, t.UTC().Format(utcLayout))
}

func dateTimeProp(name string, t time.Time, tzid string, loc *time.Location) *goical.Prop {
	prop := goical.NewProp(name)
	if loc == nil {
		prop.Value = t.UTC().Format(utcLayout)
		return prop
	}
	prop.Params.Set(goical.ParamTimezoneID, tzid)
	prop.Value = t.In(loc).Format(localLayout)
	return prop
}

// location returns the zone for tzid, or nil for UTC, empty or unknown ids.
func location(tzid string) *time.Location {
	if tzid == "" || strings.EqualFold(tzid, "UTC") {
		return nil
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		return nil
	}
	return loc
}

// timezone builds a single-rule VTIMEZONE using the zone's offset at the
// task's start, due or encode time.
func timezone(task *schema.Task, loc *time.Location, now time.Time) *goical.Component {
	ref := now
	switch {
	case task.StartAt != nil:
		ref = *task.StartAt
	case task.DueAt != nil:
		ref = *task.DueAt
	}
	name, offset := ref.In(loc).Zone()
	off := formatOffset(offset)

	standard := goical.NewComponent(goical.CompTimezoneStandard)
	setValue(standard.Props, goical.PropDateTimeStart, "19700101T000000")
	setValue(standard.Props, goical.PropTimezoneOffsetFrom, off)
	setValue(standard.Props, goical.PropTimezoneOffsetTo, off)
	if name != "" {
		standard.Props.SetText(goical.PropTimezoneName, name)
	}

	tz := goical.NewComponent(goical.CompTimezone)
	setValue(tz.Props, goical.PropTimezoneID, task.Timezone)
	tz.Children = append(tz.Children, standard)
	return tz
}

func formatOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	return fmt.Sprintf("%c%02d%02d", sign, seconds/3600, (seconds%3600)/60)
}

func statusOf(task *schema.Task) string {
	if task.Status != "" {
		return strings.ToUpper(task.Status)
	}
	if task.Completed {
		return schema.StatusCompleted
	}
	return schema.StatusNeedsAction
}

// cleanText maps bare CR and CRLF to LF so TEXT escaping yields \n.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// foldLines folds content lines longer than 75 octets without splitting a
// UTF-8 sequence.
func foldLines(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/maxLineOctets*3)
	for _, line := range strings.SplitAfter(text, "\r\n") {
		line = strings.TrimSuffix(line, "\r\n")
		if line == "" {
			continue
		}
		limit := maxLineOctets
		for len(line) > limit {
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			b.WriteString(line[:cut])
			b.WriteString("\r\n ")
			line = line[cut:]
			limit = maxLineOctets - 1
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}
