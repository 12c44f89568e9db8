package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileKind says which watched file an event concerns.
type FileKind int

const (
	// KindSettings is the settings file.
	KindSettings FileKind = iota
	// KindData is the task database, including its -wal and -journal
	// companions.
	KindData
)

// String returns a human-readable representation of the file kind.
func (k FileKind) String() string {
	switch k {
	case KindSettings:
		return "settings"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// FileEvent represents a change to one of the watched files.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Kind says whether the settings or the database changed.
	Kind FileKind
	// Op is the operation that occurred.
	Op EventOp
}

// FileWatcher watches the settings file and the task database.
//
// Directories are watched rather than files, so editors that save by
// renaming a temp file over the original keep producing events.
type FileWatcher struct {
	watcher      *fsnotify.Watcher
	events       chan FileEvent
	errors       chan error
	done         chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
	settingsPath string
	dataPath     string
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the directories holding settingsPath and
// dataPath. Either path may be empty to skip it.
func (fw *FileWatcher) Start(settingsPath, dataPath string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	fw.settingsPath = absPath(settingsPath)
	fw.dataPath = absPath(dataPath)

	var added []string
	for _, p := range []string{fw.settingsPath, fw.dataPath} {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if contains(added, dir) {
			continue
		}
		if err := fw.watcher.Add(dir); err != nil {
			for _, d := range added {
				_ = fw.watcher.Remove(d)
			}
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		added = append(added, dir)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a FileEvent.
// Returns false for files that are not watched and for chmod-only events.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	kind, ok := fw.classify(event.Name)
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{
		Path: event.Name,
		Kind: kind,
		Op:   op,
	}, true
}

// classify matches path against the watched files.
func (fw *FileWatcher) classify(path string) (FileKind, bool) {
	p := absPath(path)
	if p == "" {
		return 0, false
	}
	if fw.settingsPath != "" && p == fw.settingsPath {
		return KindSettings, true
	}
	if fw.dataPath != "" && filepath.Dir(p) == filepath.Dir(fw.dataPath) {
		base := filepath.Base(fw.dataPath)
		name := filepath.Base(p)
		if name == base || strings.HasPrefix(name, base+"-") {
			return KindData, true
		}
	}
	return 0, false
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func absPath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return ""
	}
	return abs
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
