package ical

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // TZID lookups must not depend on the host zoneinfo

	goical "github.com/emersion/go-ical"
	"github.com/google/uuid"
)

const (
	utcLayout   = "20060102T150405Z"
	localLayout = "20060102T150405"
)

// Decode parses the first VTODO of the first VCALENDAR in text.
//
// Unparseable scalar values (PERCENT-COMPLETE, PRIORITY and the date-times)
// are dropped and the rest of the item is kept.
func Decode(text string) (*Item, error) {
	text = normalizeLines(text)
	if !startsWithCalendar(text) {
		return nil, ErrNoCalendar
	}

	cal, err := goical.NewDecoder(strings.NewReader(text)).Decode()
	if err == io.EOF {
		return nil, ErrNoCalendar
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	var todo *goical.Component
	for _, child := range cal.Children {
		if child.Name == goical.CompToDo {
			todo = child
			break
		}
	}
	if todo == nil {
		return nil, ErrNoTodo
	}

	item := &Item{
		UID:         strings.TrimSpace(propValue(todo.Props, goical.PropUID)),
		Summary:     propText(todo.Props, goical.PropSummary),
		Description: propText(todo.Props, goical.PropDescription),
		Status:      strings.ToUpper(strings.TrimSpace(propValue(todo.Props, goical.PropStatus))),
		Location:    propText(todo.Props, goical.PropLocation),
		RRule:       strings.TrimSpace(propValue(todo.Props, goical.PropRecurrenceRule)),

		PercentComplete: propInt(todo.Props, goical.PropPercentComplete),
		Priority:        propInt(todo.Props, goical.PropPriority),

		StartAt:      propTime(todo.Props, goical.PropDateTimeStart),
		DueAt:        propTime(todo.Props, goical.PropDue),
		CompletedAt:  propTime(todo.Props, goical.PropCompleted),
		LastModified: propTime(todo.Props, goical.PropLastModified),
	}
	if strings.TrimSpace(item.Summary) == "" {
		return nil, ErrMissingSummary
	}
	if item.UID == "" {
		item.UID = uuid.NewString()
	}

	for _, prop := range todo.Props[goical.PropCategories] {
		list, err := prop.TextList()
		if err != nil {
			continue
		}
		for _, c := range list {
			if c = strings.TrimSpace(c); c != "" {
				item.Categories = append(item.Categories, c)
			}
		}
	}

	for _, prop := range todo.Props[goical.PropRelatedTo] {
		reltype := strings.ToUpper(prop.Params.Get("RELTYPE"))
		if reltype == "" || reltype == "PARENT" {
			item.RelatedTo = strings.TrimSpace(prop.Value)
			break
		}
	}

	item.Timezone = zoneOf(todo.Props.Get(goical.PropDateTimeStart))
	if item.Timezone == "" {
		item.Timezone = zoneOf(todo.Props.Get(goical.PropDue))
	}

	// Only the first alarm is considered.
	for _, child := range todo.Children {
		if child.Name != goical.CompAlarm {
			continue
		}
		if minutes, ok := parseTrigger(child.Props.Get(goical.PropTrigger)); ok {
			item.ReminderMinutes = &minutes
		}
		break
	}

	return item, nil
}

// normalizeLines rewrites line endings to CRLF and drops blank lines, so
// LF-only payloads decode the same as conforming ones.
func normalizeLines(text string) string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var b strings.Builder
	b.Grow(len(text) + len(raw))
	for _, l := range raw {
		l = strings.TrimSuffix(l, "\r")
		if l == "" {
			continue
		}
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	return b.String()
}

func startsWithCalendar(text string) bool {
	first, _, _ := strings.Cut(text, "\r\n")
	return strings.EqualFold(strings.TrimSpace(first), "BEGIN:"+goical.CompCalendar)
}

func propValue(props goical.Props, name string) string {
	if prop := props.Get(name); prop != nil {
		return prop.Value
	}
	return ""
}

// propText returns the unescaped TEXT value of name, or the raw value when
// the property carries a non-TEXT VALUE parameter.
func propText(props goical.Props, name string) string {
	prop := props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

func propInt(props goical.Props, name string) *int {
	prop := props.Get(name)
	if prop == nil {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(prop.Value))
	if err != nil {
		return nil
	}
	return &v
}

// propTime decodes a date-time to UTC. UTC values, TZID-qualified local
// times and dates are accepted. A bare local time, or one whose TZID is
// unknown, is taken as UTC.
func propTime(props goical.Props, name string) *time.Time {
	prop := props.Get(name)
	if prop == nil {
		return nil
	}
	p := *prop
	p.Value = strings.ToUpper(strings.TrimSpace(p.Value))
	if tzid := p.Params.Get(goical.ParamTimezoneID); tzid != "" {
		if _, err := time.LoadLocation(tzid); err != nil || strings.HasSuffix(p.Value, "Z") {
			params := make(goical.Params, len(p.Params))
			for k, v := range p.Params {
				params[k] = v
			}
			params.Del(goical.ParamTimezoneID)
			p.Params = params
		}
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// zoneOf returns the TZID of a date-time property when it names a known zone
// and the value is not already UTC.
func zoneOf(prop *goical.Prop) string {
	if prop == nil {
		return ""
	}
	tzid := prop.Params.Get(goical.ParamTimezoneID)
	if tzid == "" || strings.HasSuffix(strings.ToUpper(strings.TrimSpace(prop.Value)), "Z") {
		return ""
	}
	if _, err := time.LoadLocation(tzid); err != nil {
		return ""
	}
	return tzid
}

// parseTrigger reads a negative duration trigger (-PT15M, -PT1H, -PT1H30M,
// -P1D) as minutes before the reference time. Absolute and positive
// triggers are ignored.
func parseTrigger(prop *goical.Prop) (int, bool) {
	if prop == nil || strings.EqualFold(prop.Params.Get(goical.ParamValue), "DATE-TIME") {
		return 0, false
	}
	v := strings.ToUpper(strings.TrimSpace(prop.Value))
	if !strings.HasPrefix(v, "-P") {
		return 0, false
	}
	v = v[2:]

	total := 0
	num := 0
	digits := false
	inTime := false
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= '0' && c <= '9':
			num = num*10 + int(c-'0')
			digits = true
			continue
		case c == 'T':
			inTime = true
			continue
		}
		if !digits {
			return 0, false
		}
		switch {
		case c == 'W' && !inTime:
			total += num * 7 * 24 * 60
		case c == 'D' && !inTime:
			total += num * 24 * 60
		case c == 'H' && inTime:
			total += num * 60
		case c == 'M' && inTime:
			total += num
		case c == 'S' && inTime:
			total += num / 60
		default:
			return 0, false
		}
		num = 0
		digits = false
	}
	if digits || total <= 0 {
		return 0, false
	}
	return total, true
}
