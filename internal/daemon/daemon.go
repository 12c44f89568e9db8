package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	tasksync "github.com/mschirtzinger/taskdav/internal/sync"
)

// Reloader re-reads the settings file.
type Reloader interface {
	Reload() error
}

// DirtyCounter reports how many local records wait to be pushed.
type DirtyCounter interface {
	CountDirty(ctx context.Context) (int, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// SettingsPath is the settings file to watch. Empty disables
	// config_updated triggers.
	SettingsPath string

	// DataPath is the task database to watch. Empty disables
	// data_changed triggers.
	DataPath string

	// DebounceInterval is how long a file must stay quiet before its
	// change is acted on. This batches rapid writes together.
	DebounceInterval time.Duration

	// SyncOnStart triggers a startup attempt when the daemon starts.
	SyncOnStart bool

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		SyncOnStart:      true,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs the manager's scheduler and turns file changes into sync
// triggers:
//
//	settings file changed → Reload, RestartScheduler, Trigger(config_updated)
//	database changed      → Trigger(data_changed) when dirty records exist
type Daemon struct {
	manager  *Manager
	settings Reloader
	dirty    DirtyCounter
	config   *Config

	watcher       *FileWatcher
	changeQueue   map[FileKind]time.Time
	changeQueueMu sync.Mutex

	// Database writes made by attempts themselves (pulled records, status
	// rows) are ignored until quietUntil.
	quietUntil time.Time

	wg sync.WaitGroup
}

// New creates a new Daemon instance.
//
// settings may be nil when SettingsPath is empty; dirty may be nil when
// DataPath is empty.
func New(manager *Manager, settings Reloader, dirty DirtyCounter, config *Config) (*Daemon, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.SettingsPath != "" && settings == nil {
		return nil, fmt.Errorf("settings cannot be nil when watching %s", config.SettingsPath)
	}
	if config.DataPath != "" && dirty == nil {
		return nil, fmt.Errorf("dirty counter cannot be nil when watching %s", config.DataPath)
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		manager:     manager,
		settings:    settings,
		dirty:       dirty,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[FileKind]time.Time),
	}
	manager.Subscribe(d.attemptFinished)
	return d, nil
}

func (d *Daemon) attemptFinished(tasksync.Event) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.quietUntil = time.Now().Add(d.config.DebounceInterval)
}

// Start runs the daemon until ctx is cancelled.
//
// The daemon will:
// 1. Start watching the settings file and the database
// 2. Trigger a startup sync (when SyncOnStart is set)
// 3. Run the periodic scheduler
// 4. Turn debounced file changes into triggers
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.config.SettingsPath != "" {
		if err := os.MkdirAll(filepath.Dir(d.config.SettingsPath), 0o700); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}
	if d.config.SettingsPath != "" || d.config.DataPath != "" {
		if err := d.watcher.Start(d.config.SettingsPath, d.config.DataPath); err != nil {
			return err
		}
		d.config.Logger.Printf("Watching: settings=%s data=%s", d.config.SettingsPath, d.config.DataPath)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	d.wg.Add(2)
	go d.watchFileEvents(watchCtx)
	go d.processChangeQueue(watchCtx)

	if d.config.SyncOnStart {
		d.manager.Trigger(tasksync.ReasonStartup)
	}

	err := d.manager.Run(ctx)

	d.config.Logger.Println("Stopping daemon")
	cancelWatch()
	if stopErr := d.watcher.Stop(); stopErr != nil {
		d.config.Logger.Printf("Error closing watcher: %v", stopErr)
	}
	d.wg.Wait()
	d.manager.Wait()
	d.config.Logger.Println("Daemon stopped")
	return err
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.queueChange(event.Kind)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a change, restarting its debounce window. Database
// changes made while an attempt runs, or right after one, are dropped.
func (d *Daemon) queueChange(kind FileKind) {
	syncing := d.manager.IsSyncing()

	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	if kind == KindData && (syncing || now.Before(d.quietUntil)) {
		return
	}
	d.changeQueue[kind] = now
}

// processChangeQueue acts on queued changes once they have settled.
func (d *Daemon) processChangeQueue(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			for _, kind := range d.settledChanges() {
				d.handleChange(ctx, kind)
			}
		}
	}
}

// settledChanges removes and returns the kinds that have been quiet for a
// full debounce interval.
func (d *Daemon) settledChanges() []FileKind {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	var ready []FileKind
	for kind, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, kind)
		delete(d.changeQueue, kind)
	}
	return ready
}

func (d *Daemon) handleChange(ctx context.Context, kind FileKind) {
	switch kind {
	case KindSettings:
		d.config.Logger.Printf("Settings changed, reloading")
		if err := d.settings.Reload(); err != nil {
			d.config.Logger.Printf("Error reloading settings: %v", err)
			return
		}
		d.manager.RestartScheduler()
		d.manager.Trigger(tasksync.ReasonConfigUpdated)

	case KindData:
		n, err := d.dirty.CountDirty(ctx)
		if err != nil {
			d.config.Logger.Printf("Error counting dirty tasks: %v", err)
			return
		}
		if n == 0 {
			return
		}
		d.config.Logger.Printf("%d local changes pending", n)
		d.manager.Trigger(tasksync.ReasonDataChanged)
	}
}
