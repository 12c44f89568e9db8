package ui

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/taskdav/internal/config"
	"github.com/mschirtzinger/taskdav/internal/daemon"
	"github.com/mschirtzinger/taskdav/internal/schema"
	tasksync "github.com/mschirtzinger/taskdav/internal/sync"
)

func sampleTasks() []*schema.Task {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	due := now.Add(72 * time.Hour)
	prio := 1

	milk := schema.NewTask("Buy milk", now)
	milk.ID = 7
	milk.DueAt = &due
	milk.Tags = []string{"home"}

	report := schema.NewTask("File report", now)
	report.ID = 12
	report.Priority = &prio
	report.SetCompleted(true, now)
	report.Dirty = false
	report.RemoteURL = "https://dav.example.com/tasks/report.ics"
	return []*schema.Task{milk, report}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		err  bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{" yaml ", FormatYAML, false},
		{"toml", FormatTOML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.err {
			if !errors.Is(err, ErrUnknownFormat) {
				t.Errorf("ParseFormat(%q) error = %v, want ErrUnknownFormat", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestEncodeTaskViews(t *testing.T) {
	views := NewTaskViews(sampleTasks())

	var buf bytes.Buffer
	if err := Encode(&buf, FormatJSON, views); err != nil {
		t.Fatalf("json: %v", err)
	}
	var fromJSON []TaskView
	if err := json.Unmarshal(buf.Bytes(), &fromJSON); err != nil {
		t.Fatalf("json decode: %v", err)
	}
	if len(fromJSON) != 2 || fromJSON[0].Title != "Buy milk" || fromJSON[1].Synced != true {
		t.Errorf("json views = %+v", fromJSON)
	}

	buf.Reset()
	if err := Encode(&buf, FormatYAML, views); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var fromYAML []TaskView
	if err := yaml.Unmarshal(buf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("yaml decode: %v", err)
	}
	if len(fromYAML) != 2 || fromYAML[0].Due != "2026-03-04T09:00:00Z" {
		t.Errorf("yaml views = %+v", fromYAML)
	}

	buf.Reset()
	if err := Encode(&buf, FormatTOML, views); err != nil {
		t.Fatalf("toml: %v", err)
	}
	var fromTOML struct {
		Items []TaskView `toml:"items"`
	}
	if _, err := toml.Decode(buf.String(), &fromTOML); err != nil {
		t.Fatalf("toml decode: %v\n%s", err, buf.String())
	}
	if len(fromTOML.Items) != 2 || fromTOML.Items[1].Priority == nil || *fromTOML.Items[1].Priority != 1 {
		t.Errorf("toml views = %+v", fromTOML.Items)
	}
}

func TestEncodeRejectsText(t *testing.T) {
	if err := Encode(&bytes.Buffer{}, FormatText, struct{}{}); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Encode(text) error = %v", err)
	}
}

func TestRenderTasks(t *testing.T) {
	var buf bytes.Buffer
	u := NewPlainRenderer(&buf)

	out := u.Tasks(sampleTasks())
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "[ ]  7  Buy milk") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[0], "#home") || !strings.HasSuffix(lines[0], "*") {
		t.Errorf("line 0 missing tag or dirty marker: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[x] 12  File report") || !strings.Contains(lines[1], "p1") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain renderer emitted escape codes")
	}

	if got := u.Tasks(nil); got != "No tasks.\n" {
		t.Errorf("empty list = %q", got)
	}
}

func TestRenderOutcome(t *testing.T) {
	u := NewPlainRenderer(&bytes.Buffer{})
	tests := []struct {
		outcome tasksync.Outcome
		want    string
	}{
		{tasksync.Outcome{Status: tasksync.StatusSuccess, Pushed: 1}, "Synced: 0 created, 0 updated, 1 pushed, 0 deleted\n"},
		{tasksync.Skipped(tasksync.SkipMissingConfiguration), "Skipped: missing_configuration\n"},
		{tasksync.Outcome{Status: tasksync.StatusError, Message: "boom"}, "Error: boom\n"},
	}
	for _, tt := range tests {
		if got := u.Outcome(tt.outcome); got != tt.want {
			t.Errorf("Outcome(%+v) = %q, want %q", tt.outcome, got, tt.want)
		}
	}
}

func TestRenderStatus(t *testing.T) {
	u := NewPlainRenderer(&bytes.Buffer{})

	out := u.Status(&daemon.Status{})
	if !strings.Contains(out, "not configured") || !strings.Contains(out, "never") {
		t.Errorf("unconfigured status:\n%s", out)
	}

	out = u.Status(&daemon.Status{
		Configured: true,
		URL:        "https://dav.example.com/tasks/",
		Username:   "alice",
		LastError:  "failed to fetch remote todos: forbidden",
	})
	for _, want := range []string{"https://dav.example.com/tasks/", "alice", "forbidden"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

func TestRenderSettings(t *testing.T) {
	u := NewPlainRenderer(&bytes.Buffer{})
	out := u.Settings(config.View{Path: "/tmp/config.yaml", IntervalMinutes: 15, Password: "********"})
	for _, want := range []string{"/tmp/config.yaml", "(unset)", "15 min", "********"} {
		if !strings.Contains(out, want) {
			t.Errorf("settings missing %q:\n%s", want, out)
		}
	}
}
