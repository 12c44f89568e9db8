package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mschirtzinger/taskdav/internal/caldav"
	"github.com/mschirtzinger/taskdav/internal/caldav/caldavtest"
	"github.com/mschirtzinger/taskdav/internal/schema"
	"github.com/mschirtzinger/taskdav/internal/store"
	tasksync "github.com/mschirtzinger/taskdav/internal/sync"
)

var quiet = log.New(io.Discard, "", 0)

// fakeSettings is a mutable Settings.
type fakeSettings struct {
	mu       sync.Mutex
	cfg      caldav.Config
	ok       bool
	interval time.Duration
	skip     bool
	reloads  int
}

func configured() *fakeSettings {
	return &fakeSettings{
		cfg:      caldav.Config{URL: "https://dav.example.com/tasks/", Username: "alice"},
		ok:       true,
		interval: time.Hour,
	}
}

func (f *fakeSettings) CalDAV() (caldav.Config, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg, f.ok
}

func (f *fakeSettings) SyncInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

func (f *fakeSettings) SkipMalformed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skip
}

func (f *fakeSettings) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeSettings) setInterval(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval = d
}

// runnerFunc adapts a function to Runner.
type runnerFunc func(ctx context.Context) (*tasksync.Summary, error)

func (f runnerFunc) Run(ctx context.Context) (*tasksync.Summary, error) { return f(ctx) }

func factory(run runnerFunc) RunnerFactory {
	return func(caldav.Config, tasksync.Options) (Runner, error) { return run, nil }
}

func okRunner(ctx context.Context) (*tasksync.Summary, error) {
	return &tasksync.Summary{Pushed: 1, SyncedAt: time.Now().UTC()}, nil
}

func newTestManager(t *testing.T, settings Settings, run runnerFunc) *Manager {
	t.Helper()
	m, err := NewManager(settings, nil, &ManagerConfig{NewRunner: factory(run), Logger: quiet})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

// collect subscribes a buffered channel to m. Events beyond the buffer
// are dropped so observers never block.
func collect(m *Manager) <-chan tasksync.Event {
	ch := make(chan tasksync.Event, 32)
	m.Subscribe(func(ev tasksync.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan tasksync.Event, reason tasksync.Reason) tasksync.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Reason == reason {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", reason)
		}
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil, nil, nil); err == nil {
		t.Error("expected error for nil settings")
	}
	if _, err := NewManager(configured(), nil, nil); err == nil {
		t.Error("expected error for nil store without a factory")
	}
}

func TestSyncNowSuccess(t *testing.T) {
	m := newTestManager(t, configured(), okRunner)
	events := collect(m)

	out := m.SyncNow(context.Background(), tasksync.ReasonManual)
	if out.Status != tasksync.StatusSuccess || out.Pushed != 1 || out.SyncedAt == nil {
		t.Fatalf("outcome = %+v", out)
	}
	ev := waitEvent(t, events, tasksync.ReasonManual)
	if ev.Outcome.Status != tasksync.StatusSuccess {
		t.Errorf("event outcome = %+v", ev.Outcome)
	}
	if last := m.Last(); last == nil || last.Reason != tasksync.ReasonManual {
		t.Errorf("Last = %+v", last)
	}
}

func TestSyncNowMissingConfiguration(t *testing.T) {
	settings := &fakeSettings{interval: time.Hour}
	called := false
	m := newTestManager(t, settings, func(context.Context) (*tasksync.Summary, error) {
		called = true
		return &tasksync.Summary{}, nil
	})

	out := m.SyncNow(context.Background(), tasksync.ReasonManual)
	if out.Status != tasksync.StatusSkipped || out.Reason != tasksync.SkipMissingConfiguration {
		t.Fatalf("outcome = %+v", out)
	}
	if called {
		t.Error("runner should not run without configuration")
	}
	if m.IsSyncing() {
		t.Error("guard not released after skip")
	}
}

func TestSyncNowError(t *testing.T) {
	m := newTestManager(t, configured(), func(context.Context) (*tasksync.Summary, error) {
		return nil, errors.New("failed to fetch remote todos: boom")
	})
	out := m.SyncNow(context.Background(), tasksync.ReasonScheduled)
	if out.Status != tasksync.StatusError || out.Message != "failed to fetch remote todos: boom" {
		t.Fatalf("outcome = %+v", out)
	}
	if m.IsSyncing() {
		t.Error("guard not released after error")
	}
}

func TestSyncNowFactoryError(t *testing.T) {
	m, err := NewManager(configured(), nil, &ManagerConfig{
		NewRunner: func(caldav.Config, tasksync.Options) (Runner, error) {
			return nil, errors.New("bad url")
		},
		Logger: quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out := m.SyncNow(context.Background(), tasksync.ReasonManual); out.Status != tasksync.StatusError {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestOptionsFollowSettings(t *testing.T) {
	settings := configured()
	settings.skip = true
	var got tasksync.Options
	m, err := NewManager(settings, nil, &ManagerConfig{
		NewRunner: func(_ caldav.Config, opts tasksync.Options) (Runner, error) {
			got = opts
			return runnerFunc(okRunner), nil
		},
		Logger: quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	m.SyncNow(context.Background(), tasksync.ReasonManual)
	if !got.SkipMalformed {
		t.Error("SkipMalformed not passed to the runner")
	}
}

func TestSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs int
	var mu sync.Mutex
	m := newTestManager(t, configured(), func(context.Context) (*tasksync.Summary, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		close(started)
		<-release
		return &tasksync.Summary{}, nil
	})
	events := collect(m)

	first := make(chan tasksync.Outcome, 1)
	go func() { first <- m.SyncNow(context.Background(), tasksync.ReasonManual) }()
	<-started

	if !m.IsSyncing() {
		t.Error("IsSyncing should be true while a pass runs")
	}

	// Both concurrent callers return at once instead of queueing.
	second := m.SyncNow(context.Background(), tasksync.ReasonDataChanged)
	m.Trigger(tasksync.ReasonScheduled)
	if second.Status != tasksync.StatusSkipped || second.Reason != tasksync.SkipAlreadyRunning {
		t.Fatalf("second outcome = %+v", second)
	}
	ev := waitEvent(t, events, tasksync.ReasonScheduled)
	if ev.Outcome.Reason != tasksync.SkipAlreadyRunning {
		t.Errorf("triggered outcome = %+v", ev.Outcome)
	}

	close(release)
	if out := <-first; out.Status != tasksync.StatusSuccess {
		t.Errorf("first outcome = %+v", out)
	}
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("runner ran %d times, want 1", runs)
	}
	if last := m.Last(); last == nil || last.Reason != tasksync.ReasonManual {
		t.Errorf("Last = %+v, want the manual pass", last)
	}
}

func TestRestartSchedulerNeverBlocks(t *testing.T) {
	m := newTestManager(t, configured(), okRunner)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.RestartScheduler()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RestartScheduler blocked")
	}
}

func TestSchedulerPicksUpNewInterval(t *testing.T) {
	settings := configured()
	m := newTestManager(t, settings, okRunner)
	events := collect(m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// The first wait is an hour; shortening it only applies after a
	// restart.
	time.Sleep(50 * time.Millisecond)
	settings.setInterval(20 * time.Millisecond)
	m.RestartScheduler()

	ev := waitEvent(t, events, tasksync.ReasonScheduled)
	if ev.Outcome.Status != tasksync.StatusSuccess {
		t.Errorf("scheduled outcome = %+v", ev.Outcome)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	m.Wait()
}

func TestTriggerAfterWaitIsIgnored(t *testing.T) {
	var runs atomic.Int32
	m := newTestManager(t, configured(), func(ctx context.Context) (*tasksync.Summary, error) {
		runs.Add(1)
		return &tasksync.Summary{}, nil
	})
	events := collect(m)

	m.Wait()
	m.Trigger(tasksync.ReasonScheduled)

	select {
	case ev := <-events:
		t.Fatalf("unexpected attempt after Wait: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	if n := runs.Load(); n != 0 {
		t.Errorf("runner ran %d times, want 0", n)
	}
}

func TestTriggerConcurrentWithWait(t *testing.T) {
	m := newTestManager(t, configured(), okRunner)

	stop := make(chan struct{})
	var callers sync.WaitGroup
	for i := 0; i < 4; i++ {
		callers.Add(1)
		go func() {
			defer callers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					m.Trigger(tasksync.ReasonDataChanged)
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	m.Wait()
	close(stop)
	callers.Wait()

	if m.IsSyncing() {
		t.Error("attempt still running after Wait returned")
	}
}

func setupStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStatusRecorder(t *testing.T) {
	db := setupStore(t)
	record := StatusRecorder(db, quiet)
	ctx := context.Background()

	record(tasksync.Event{Reason: tasksync.ReasonManual, Outcome: tasksync.Failed(errors.New("timeout"))})
	if msg, _ := db.LastError(ctx); msg != "timeout" {
		t.Errorf("LastError = %q, want timeout", msg)
	}

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	record(tasksync.Event{Reason: tasksync.ReasonManual, Outcome: tasksync.Success(&tasksync.Summary{SyncedAt: at})})
	last, err := db.LastSync(ctx)
	if err != nil || last == nil || !last.Equal(at) {
		t.Errorf("LastSync = %v, %v; want %v", last, err, at)
	}
	if msg, _ := db.LastError(ctx); msg != "" {
		t.Errorf("LastError = %q after success, want empty", msg)
	}

	record(tasksync.Event{Reason: tasksync.ReasonManual, Outcome: tasksync.Skipped(tasksync.SkipAlreadyRunning)})
	if last, _ := db.LastSync(ctx); last == nil || !last.Equal(at) {
		t.Errorf("skip changed LastSync to %v", last)
	}
}

func TestManagerStatus(t *testing.T) {
	db := setupStore(t)
	m := newTestManager(t, configured(), func(context.Context) (*tasksync.Summary, error) {
		return nil, errors.New("auth rejected")
	})
	m.Subscribe(StatusRecorder(db, quiet))
	m.SyncNow(context.Background(), tasksync.ReasonManual)

	st, err := m.Status(context.Background(), db)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Configured || st.Username != "alice" || st.LastError != "auth rejected" || st.Syncing || st.LastSyncAt != nil {
		t.Errorf("Status = %+v", st)
	}
}

func TestManagerDefaultRunner(t *testing.T) {
	db := setupStore(t)
	srv := caldavtest.NewServer()
	defer srv.Close()

	settings := &fakeSettings{
		cfg:      caldav.Config{URL: srv.CollectionURL(), Username: srv.Username, Password: srv.Password},
		ok:       true,
		interval: time.Hour,
	}
	m, err := NewManager(settings, db, &ManagerConfig{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}

	task := schema.NewTask("Buy milk", time.Now())
	if err := db.AddTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	out := m.SyncNow(context.Background(), tasksync.ReasonManual)
	if out.Status != tasksync.StatusSuccess || out.Pushed != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if srv.Len() != 1 {
		t.Errorf("server holds %d resources, want 1", srv.Len())
	}
}
