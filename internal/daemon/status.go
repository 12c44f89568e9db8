package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	tasksync "github.com/mschirtzinger/taskdav/internal/sync"
)

// StateStore persists the result of the last attempts. *store.DB
// satisfies it.
type StateStore interface {
	RecordSuccess(ctx context.Context, at time.Time) error
	RecordError(ctx context.Context, message string) error
	LastSync(ctx context.Context) (*time.Time, error)
	LastError(ctx context.Context) (string, error)
}

// Status describes the sync configuration and the last attempts.
type Status struct {
	Configured bool       `json:"configured" yaml:"configured" toml:"configured"`
	URL        string     `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	Username   string     `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty" toml:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty" yaml:"last_error,omitempty" toml:"last_error,omitempty"`
	Syncing    bool       `json:"syncing" yaml:"syncing" toml:"syncing"`
}

// ReadStatus assembles a Status from settings and persisted state.
func ReadStatus(ctx context.Context, settings Settings, state StateStore, syncing bool) (*Status, error) {
	cfg, ok := settings.CalDAV()
	st := &Status{
		Configured: ok,
		URL:        cfg.URL,
		Username:   cfg.Username,
		Syncing:    syncing,
	}

	last, err := state.LastSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last sync: %w", err)
	}
	st.LastSyncAt = last

	msg, err := state.LastError(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last error: %w", err)
	}
	st.LastError = msg
	return st, nil
}

// Status returns the manager's current status.
func (m *Manager) Status(ctx context.Context, state StateStore) (*Status, error) {
	return ReadStatus(ctx, m.settings, state, m.IsSyncing())
}

// StatusRecorder returns an observer persisting successes and errors into
// state. Skips leave the persisted state alone.
func StatusRecorder(state StateStore, logger *log.Logger) Observer {
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return func(ev tasksync.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		switch ev.Outcome.Status {
		case tasksync.StatusSuccess:
			at := ev.At
			if ev.Outcome.SyncedAt != nil {
				at = *ev.Outcome.SyncedAt
			}
			err = state.RecordSuccess(ctx, at)
		case tasksync.StatusError:
			err = state.RecordError(ctx, ev.Outcome.Message)
		default:
			return
		}
		if err != nil {
			logger.Printf("Failed to record sync status: %v", err)
		}
	}
}

// LogObserver returns an observer that logs every outcome.
func LogObserver(logger *log.Logger) Observer {
	return func(ev tasksync.Event) {
		o := ev.Outcome
		switch o.Status {
		case tasksync.StatusSuccess:
			logger.Printf("Sync (%s) succeeded: created=%d updated=%d pushed=%d deleted=%d",
				ev.Reason, o.Created, o.Updated, o.Pushed, o.Deleted)
		case tasksync.StatusSkipped:
			logger.Printf("Sync (%s) skipped: %s", ev.Reason, o.Reason)
		default:
			logger.Printf("Sync (%s) error: %s", ev.Reason, o.Message)
		}
	}
}
