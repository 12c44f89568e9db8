package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/taskdav/internal/caldav"
	tasksync "github.com/mschirtzinger/taskdav/internal/sync"
)

// DefaultInterval is used when Settings reports a non-positive interval.
const DefaultInterval = 15 * time.Minute

// Settings is the part of the settings collaborator the manager reads.
// It is consulted at the start of every attempt and every scheduler wait.
type Settings interface {
	CalDAV() (caldav.Config, bool)
	SyncInterval() time.Duration
	SkipMalformed() bool
}

// Runner performs one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) (*tasksync.Summary, error)
}

// RunnerFactory builds the Runner for one attempt from the current
// settings.
type RunnerFactory func(cfg caldav.Config, opts tasksync.Options) (Runner, error)

// Observer receives every finished attempt, including skips. Observers
// run synchronously on the attempting goroutine and must not block.
type Observer func(tasksync.Event)

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	// NewRunner builds a pass for each attempt. Nil selects a CalDAV
	// client plus tasksync.Syncer against the manager's store.
	NewRunner RunnerFactory

	// Logger for manager activity.
	Logger *log.Logger
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		Logger: log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Manager single-flights sync attempts and runs the periodic scheduler.
//
// At most one attempt runs at a time. An attempt that finds another one
// running is skipped immediately with SkipAlreadyRunning; it never waits.
type Manager struct {
	settings Settings
	config   *ManagerConfig

	mu      sync.Mutex
	running bool
	closed  bool
	base    context.Context

	restart chan struct{}

	observersMu sync.RWMutex
	observers   []Observer

	lastMu sync.RWMutex
	last   *tasksync.Event

	wg sync.WaitGroup
}

// NewManager creates a Manager that syncs store against the collection
// described by settings.
func NewManager(settings Settings, store tasksync.Store, config *ManagerConfig) (*Manager, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings cannot be nil")
	}
	if config == nil {
		config = DefaultManagerConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.NewRunner == nil {
		if store == nil {
			return nil, fmt.Errorf("store cannot be nil without a runner factory")
		}
		config.NewRunner = defaultRunner(store, config.Logger)
	}

	return &Manager{
		settings: settings,
		config:   config,
		base:     context.Background(),
		restart:  make(chan struct{}, 1),
	}, nil
}

func defaultRunner(store tasksync.Store, logger *log.Logger) RunnerFactory {
	syncLogger := log.New(logger.Writer(), "[sync] ", logger.Flags())
	clientLogger := log.New(logger.Writer(), "[caldav] ", logger.Flags())
	return func(cfg caldav.Config, opts tasksync.Options) (Runner, error) {
		client, err := caldav.NewClient(cfg, clientLogger)
		if err != nil {
			return nil, err
		}
		return tasksync.New(store, client, opts, syncLogger), nil
	}
}

// Subscribe registers an observer for finished attempts.
func (m *Manager) Subscribe(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, o)
}

// Trigger starts an attempt in the background. Triggered attempts run
// under the context passed to Run, or context.Background before Run.
// After Wait has been called Trigger does nothing.
func (m *Manager) Trigger(reason tasksync.Reason) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.config.Logger.Printf("Sync (%s) not started: manager stopped", reason)
		return
	}
	ctx := m.base
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.SyncNow(ctx, reason)
	}()
}

// SyncNow runs one attempt on the calling goroutine and returns its
// outcome.
func (m *Manager) SyncNow(ctx context.Context, reason tasksync.Reason) tasksync.Outcome {
	if !m.tryStart() {
		return m.finish(reason, tasksync.Skipped(tasksync.SkipAlreadyRunning))
	}
	defer m.stop()

	cfg, ok := m.settings.CalDAV()
	if !ok {
		return m.finish(reason, tasksync.Skipped(tasksync.SkipMissingConfiguration))
	}

	runner, err := m.config.NewRunner(cfg, tasksync.Options{SkipMalformed: m.settings.SkipMalformed()})
	if err != nil {
		return m.finish(reason, tasksync.Failed(err))
	}

	m.config.Logger.Printf("Sync (%s) started", reason)
	summary, err := runner.Run(ctx)
	if err != nil {
		return m.finish(reason, tasksync.Failed(err))
	}
	return m.finish(reason, tasksync.Success(summary))
}

func (m *Manager) tryStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false
	}
	m.running = true
	return true
}

func (m *Manager) stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// IsSyncing reports whether an attempt is running.
func (m *Manager) IsSyncing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) finish(reason tasksync.Reason, outcome tasksync.Outcome) tasksync.Outcome {
	ev := tasksync.Event{Reason: reason, Outcome: outcome, At: time.Now().UTC()}

	if outcome.Status != tasksync.StatusSkipped || outcome.Reason != tasksync.SkipAlreadyRunning {
		m.lastMu.Lock()
		m.last = &ev
		m.lastMu.Unlock()
	}

	m.observersMu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.observersMu.RUnlock()
	for _, o := range observers {
		o(ev)
	}
	return outcome
}

// Last returns the most recent attempt that was not skipped for
// concurrency, or nil.
func (m *Manager) Last() *tasksync.Event {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	if m.last == nil {
		return nil
	}
	ev := *m.last
	return &ev
}

// RestartScheduler makes the scheduler re-read the interval now. It never
// blocks, and an attempt already running is not affected.
func (m *Manager) RestartScheduler() {
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

// Run drives the periodic scheduler until ctx is cancelled. The interval is
// re-read before every wait. Attempts still running when Run returns are
// not waited for; use Wait.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	for {
		interval := m.settings.SyncInterval()
		if interval <= 0 {
			interval = DefaultInterval
		}
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-m.restart:
			timer.Stop()
			m.config.Logger.Printf("Scheduler restarted")
		case <-timer.C:
			m.Trigger(tasksync.ReasonScheduled)
		}
	}
}

// Wait stops accepting triggers and blocks until every triggered attempt
// has finished.
func (m *Manager) Wait() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}
