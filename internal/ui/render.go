package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/mschirtzinger/taskdav/internal/config"
	"github.com/mschirtzinger/taskdav/internal/daemon"
	"github.com/mschirtzinger/taskdav/internal/schema"
	tasksync "github.com/mschirtzinger/taskdav/internal/sync"
)

const dateLayout = "2006-01-02 15:04"

// TaskView is the structured form of a task in command output.
type TaskView struct {
	ID        int64    `json:"id" yaml:"id" toml:"id"`
	UID       string   `json:"uid" yaml:"uid" toml:"uid"`
	Title     string   `json:"title" yaml:"title" toml:"title"`
	Status    string   `json:"status" yaml:"status" toml:"status"`
	Completed bool     `json:"completed" yaml:"completed" toml:"completed"`
	Priority  *int     `json:"priority,omitempty" yaml:"priority,omitempty" toml:"priority,omitempty"`
	Due       string   `json:"due,omitempty" yaml:"due,omitempty" toml:"due,omitempty"`
	Tags      []string `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty"`
	Dirty     bool     `json:"dirty" yaml:"dirty" toml:"dirty"`
	Synced    bool     `json:"synced" yaml:"synced" toml:"synced"`
}

// NewTaskView converts a record for output.
func NewTaskView(t *schema.Task) TaskView {
	v := TaskView{
		ID:        t.ID,
		UID:       t.UID,
		Title:     t.Title,
		Status:    t.Status,
		Completed: t.Completed,
		Priority:  t.Priority,
		Tags:      t.Tags,
		Dirty:     t.Dirty,
		Synced:    t.IsLinked(),
	}
	if t.DueAt != nil {
		v.Due = t.DueAt.UTC().Format(time.RFC3339)
	}
	return v
}

// NewTaskViews converts records for output.
func NewTaskViews(tasks []*schema.Task) []TaskView {
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, NewTaskView(t))
	}
	return views
}

// Renderer styles text output for one writer.
type Renderer struct {
	r *lipgloss.Renderer

	title lipgloss.Style
	label lipgloss.Style
	dim   lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
}

// NewRenderer returns a renderer using the color profile termenv detects
// for w, honoring NO_COLOR.
func NewRenderer(w io.Writer) *Renderer {
	return newRenderer(w, termenv.NewOutput(w).EnvColorProfile())
}

// NewPlainRenderer returns a renderer that never emits escape codes.
func NewPlainRenderer(w io.Writer) *Renderer {
	return newRenderer(w, termenv.Ascii)
}

func newRenderer(w io.Writer, profile termenv.Profile) *Renderer {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(profile)
	return &Renderer{
		r:     r,
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		label: r.NewStyle().Foreground(lipgloss.Color("245")).Width(14),
		dim:   r.NewStyle().Foreground(lipgloss.Color("241")),
		good:  r.NewStyle().Foreground(lipgloss.Color("46")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("226")),
		bad:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

// Tasks renders a task list, one line per task.
func (u *Renderer) Tasks(tasks []*schema.Task) string {
	if len(tasks) == 0 {
		return u.dim.Render("No tasks.") + "\n"
	}

	idWidth := 1
	for _, t := range tasks {
		if n := len(fmt.Sprint(t.ID)); n > idWidth {
			idWidth = n
		}
	}
	idStyle := u.r.NewStyle().Width(idWidth).Align(lipgloss.Right)

	var sb strings.Builder
	for _, t := range tasks {
		box := "[ ]"
		if t.Completed {
			box = u.good.Render("[x]")
		}
		line := fmt.Sprintf("%s %s  %s", box, idStyle.Render(fmt.Sprint(t.ID)), t.Title)

		var extra []string
		if t.Priority != nil && *t.Priority > 0 {
			extra = append(extra, fmt.Sprintf("p%d", *t.Priority))
		}
		if t.DueAt != nil {
			due := "due " + t.DueAt.Local().Format(dateLayout)
			if !t.Completed && t.DueAt.Before(time.Now()) {
				due = u.bad.Render(due)
			}
			extra = append(extra, due)
		}
		for _, tag := range t.Tags {
			extra = append(extra, "#"+tag)
		}
		if t.Dirty {
			extra = append(extra, u.warn.Render("*"))
		}
		if len(extra) > 0 {
			line += "  " + u.dim.Render(strings.Join(extra, " "))
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Outcome renders one attempt's result.
func (u *Renderer) Outcome(o tasksync.Outcome) string {
	switch o.Status {
	case tasksync.StatusSuccess:
		return u.good.Render("Synced") + fmt.Sprintf(": %d created, %d updated, %d pushed, %d deleted\n",
			o.Created, o.Updated, o.Pushed, o.Deleted)
	case tasksync.StatusSkipped:
		return u.warn.Render("Skipped") + ": " + o.Reason + "\n"
	default:
		return u.bad.Render("Error") + ": " + o.Message + "\n"
	}
}

func (u *Renderer) row(sb *strings.Builder, label, value string) {
	sb.WriteString(u.label.Render(label))
	sb.WriteString(value)
	sb.WriteByte('\n')
}

// Status renders the sync status.
func (u *Renderer) Status(st *daemon.Status) string {
	var sb strings.Builder
	sb.WriteString(u.title.Render("Sync status"))
	sb.WriteByte('\n')

	if !st.Configured {
		u.row(&sb, "CalDAV", u.warn.Render("not configured"))
	} else {
		u.row(&sb, "CalDAV", st.URL)
		u.row(&sb, "Username", st.Username)
	}

	last := u.dim.Render("never")
	if st.LastSyncAt != nil {
		last = st.LastSyncAt.Local().Format(dateLayout)
	}
	u.row(&sb, "Last sync", last)

	if st.LastError != "" {
		u.row(&sb, "Last error", u.bad.Render(st.LastError))
	}
	if st.Syncing {
		u.row(&sb, "Syncing", u.good.Render("yes"))
	}
	return sb.String()
}

// Settings renders the effective settings.
func (u *Renderer) Settings(v config.View) string {
	var sb strings.Builder
	sb.WriteString(u.title.Render("Settings"))
	sb.WriteString(u.dim.Render("  " + v.Path))
	sb.WriteByte('\n')

	orNone := func(s string) string {
		if s == "" {
			return u.dim.Render("(unset)")
		}
		return s
	}
	u.row(&sb, "URL", orNone(v.URL))
	u.row(&sb, "Username", orNone(v.Username))
	u.row(&sb, "Password", orNone(v.Password))
	u.row(&sb, "Interval", fmt.Sprintf("%d min", v.IntervalMinutes))
	u.row(&sb, "Skip bad", fmt.Sprint(v.SkipMalformed))
	u.row(&sb, "Store", v.StorePath)
	u.row(&sb, "Dashboard", fmt.Sprintf("port %d", v.DashboardPort))
	if v.LogFile != "" {
		u.row(&sb, "Log file", v.LogFile)
	}
	return sb.String()
}
