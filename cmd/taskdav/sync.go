package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/taskdav/internal/config"
	"github.com/mschirtzinger/taskdav/internal/daemon"
	"github.com/mschirtzinger/taskdav/internal/dashboard"
	"github.com/mschirtzinger/taskdav/internal/logging"
	"github.com/mschirtzinger/taskdav/internal/store"
	tasksync "github.com/mschirtzinger/taskdav/internal/sync"
	"github.com/mschirtzinger/taskdav/internal/ui"
)

var errSyncFailed = errors.New("sync failed")

// session bundles what the sync commands share.
type session struct {
	settings *config.Manager
	db       *store.DB
	sinks    *logging.Sinks
	manager  *daemon.Manager
}

func openSession(alwaysStderr bool) (*session, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	db, err := openStore(settings)
	if err != nil {
		return nil, err
	}
	sinks := logSinks(settings, alwaysStderr)
	logger := sinks.Logger("daemon")

	m, err := daemon.NewManager(settings, db, &daemon.ManagerConfig{Logger: logger})
	if err != nil {
		_ = db.Close()
		_ = sinks.Close()
		return nil, err
	}
	m.Subscribe(daemon.StatusRecorder(db, logger))
	m.Subscribe(daemon.LogObserver(logger))

	return &session{settings: settings, db: db, sinks: sinks, manager: m}, nil
}

func (s *session) Close() {
	if err := s.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	_ = s.sinks.Close()
}

// startDashboard serves the outcome feed for s on port.
func (s *session) startDashboard(port int) (*dashboard.Server, error) {
	server := dashboard.NewServer(&dashboard.Config{
		Port:    port,
		Backend: dashboard.NewManagerBackend(s.manager, s.db),
		Logger:  s.sinks.Logger("dashboard"),
	})
	if err := server.Start(); err != nil {
		return nil, err
	}
	s.manager.Subscribe(dashboard.NewHandler(server, s.sinks.Logger("dashboard")).Observer())
	return server, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass now",
	Long: `Reconcile the local task list with the CalDAV collection once.

A pass runs four stages:
  1. Fetch every VTODO in the collection
  2. Pull remote changes into local records (last write wins)
  3. Push dirty local records and confirm pending deletions
  4. Remove local records whose remote item disappeared

The result is recorded as the last sync (or last error) shown by
"taskdav status".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := signalContext()
		defer cancel()

		out := s.manager.SyncNow(ctx, tasksync.ReasonManual)
		if err := emit(cmd, out, func(r *ui.Renderer) string { return r.Outcome(out) }); err != nil {
			return err
		}
		if out.Status == tasksync.StatusError {
			return errSyncFailed
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync continuously in the foreground",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon will:
  1. Sync once at startup
  2. Sync every sync.interval_minutes
  3. Reload settings and sync when the settings file changes
  4. Sync when the task database changes and has unsynced edits

With --dashboard, a WebSocket feed of outcomes is served as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = s.settings.DashboardPort()
		}

		if withDashboard {
			server, err := s.startDashboard(port)
			if err != nil {
				return err
			}
			defer server.Stop()
			fmt.Fprintf(cmd.OutOrStdout(), "Dashboard: ws://%s/ws\n", server.GetAddr())
		}

		d, err := daemon.New(s.manager, s.settings, s.db, &daemon.Config{
			SettingsPath:     s.settings.Path(),
			DataPath:         s.settings.StorePath(),
			DebounceInterval: 500 * time.Millisecond,
			SyncOnStart:      true,
			Logger:           s.sinks.Logger("daemon"),
		})
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		return d.Start(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync configuration and the last result",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		db, err := openStore(settings)
		if err != nil {
			return err
		}
		defer db.Close()

		st, err := daemon.ReadStatus(cmd.Context(), settings, db, false)
		if err != nil {
			return err
		}
		return emit(cmd, st, func(r *ui.Renderer) string { return r.Status(st) })
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Serve the sync outcome feed without the scheduler",
	Long: `Start a WebSocket server that broadcasts sync outcomes.

Endpoints:
  GET  /ws      sync_event and stats messages
  GET  /status  sync status and the last attempt
  POST /sync    run a pass now
  GET  /health  liveness

No periodic syncs run; use "taskdav daemon --dashboard" for both.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = s.settings.DashboardPort()
		}

		server, err := s.startDashboard(port)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Dashboard server started on http://%s\n", server.GetAddr())
		fmt.Fprintf(cmd.OutOrStdout(), "WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Fprintln(cmd.OutOrStdout(), "\nPress Ctrl+C to stop...")

		ctx, cancel := signalContext()
		defer cancel()
		<-ctx.Done()

		err = server.Stop()
		s.manager.Wait()
		return err
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket outcome feed")
	daemonCmd.Flags().IntP("port", "p", 8787, "Dashboard port (default: dashboard.port)")
	dashboardCmd.Flags().IntP("port", "p", 8787, "Port to listen on (default: dashboard.port)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dashboardCmd)
}
