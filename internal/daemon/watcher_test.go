package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// startWatcher starts a FileWatcher on a settings file and a database in
// separate directories under a temp dir.
func startWatcher(t *testing.T) (fw *FileWatcher, settingsPath, dataPath string) {
	t.Helper()
	tmpDir := t.TempDir()
	settingsDir := filepath.Join(tmpDir, "config")
	dataDir := filepath.Join(tmpDir, "data")
	for _, dir := range []string{settingsDir, dataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	settingsPath = filepath.Join(settingsDir, "config.yaml")
	dataPath = filepath.Join(dataDir, "tasks.db")

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	t.Cleanup(func() { fw.Stop() })

	if err := fw.Start(settingsPath, dataPath); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	return fw, settingsPath, dataPath
}

func waitFileEvent(t *testing.T, fw *FileWatcher, kind FileKind) FileEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-fw.Events():
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("Timeout waiting for %s event", kind)
		}
	}
}

// TestNewFileWatcher verifies that a new watcher can be created.
func TestNewFileWatcher(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if fw.IsRunning() {
		t.Error("New watcher should not be running")
	}
}

// TestFileWatcher_StartStop verifies basic start/stop functionality.
func TestFileWatcher_StartStop(t *testing.T) {
	fw, _, _ := startWatcher(t)

	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
}

// TestFileWatcher_AlreadyRunning verifies a second Start fails.
func TestFileWatcher_AlreadyRunning(t *testing.T) {
	fw, settingsPath, dataPath := startWatcher(t)

	if err := fw.Start(settingsPath, dataPath); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}
}

// TestFileWatcher_MissingDirectory verifies Start fails for a directory
// that does not exist.
func TestFileWatcher_MissingDirectory(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	missing := filepath.Join(t.TempDir(), "nope", "config.yaml")
	if err := fw.Start(missing, ""); err == nil {
		t.Error("Start() should fail for a missing directory")
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after a failed Start()")
	}
}

// TestFileWatcher_SettingsWritten verifies that writing the settings file
// triggers a settings event.
func TestFileWatcher_SettingsWritten(t *testing.T) {
	fw, settingsPath, _ := startWatcher(t)

	if err := os.WriteFile(settingsPath, []byte("sync:\n  interval_minutes: 5\n"), 0600); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}

	event := waitFileEvent(t, fw, KindSettings)
	if event.Op != OpCreate && event.Op != OpModify {
		t.Errorf("Expected create or modify, got %v", event.Op)
	}
	if filepath.Base(event.Path) != "config.yaml" {
		t.Errorf("Expected config.yaml, got %s", filepath.Base(event.Path))
	}
}

// TestFileWatcher_DatabaseCompanion verifies that writes to the database's
// -wal file count as data changes.
func TestFileWatcher_DatabaseCompanion(t *testing.T) {
	fw, _, dataPath := startWatcher(t)

	if err := os.WriteFile(dataPath+"-wal", []byte("wal"), 0644); err != nil {
		t.Fatalf("Failed to write wal file: %v", err)
	}

	event := waitFileEvent(t, fw, KindData)
	if filepath.Base(event.Path) != "tasks.db-wal" {
		t.Errorf("Expected tasks.db-wal, got %s", filepath.Base(event.Path))
	}
}

// TestFileWatcher_IgnoresOtherFiles verifies that unrelated files in the
// watched directories do not trigger events.
func TestFileWatcher_IgnoresOtherFiles(t *testing.T) {
	fw, settingsPath, dataPath := startWatcher(t)

	others := []string{
		filepath.Join(filepath.Dir(settingsPath), "config.yaml.bak"),
		filepath.Join(filepath.Dir(dataPath), "notes.txt"),
		filepath.Join(filepath.Dir(dataPath), "tasks.dbx"),
	}
	for _, p := range others {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", p, err)
		}
	}

	select {
	case event := <-fw.Events():
		t.Errorf("Unexpected event for %s", event.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClassify(t *testing.T) {
	fw := &FileWatcher{
		settingsPath: "/home/a/.config/taskdav/config.yaml",
		dataPath:     "/home/a/.config/taskdav/tasks.db",
	}

	tests := []struct {
		path string
		kind FileKind
		ok   bool
	}{
		{"/home/a/.config/taskdav/config.yaml", KindSettings, true},
		{"/home/a/.config/taskdav/tasks.db", KindData, true},
		{"/home/a/.config/taskdav/tasks.db-wal", KindData, true},
		{"/home/a/.config/taskdav/tasks.db-journal", KindData, true},
		{"/home/a/.config/taskdav/tasks.dbx", 0, false},
		{"/home/a/.config/taskdav/config.yml", 0, false},
		{"/home/a/other/tasks.db", 0, false},
	}
	for _, tt := range tests {
		kind, ok := fw.classify(tt.path)
		if ok != tt.ok || (ok && kind != tt.kind) {
			t.Errorf("classify(%q) = %v, %v; want %v, %v", tt.path, kind, ok, tt.kind, tt.ok)
		}
	}
}

func TestEventOpString(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
