package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/taskdav/internal/caldav"
	"github.com/mschirtzinger/taskdav/internal/config"
	"github.com/mschirtzinger/taskdav/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "sync",
	Short:   "Show or change settings",
	Long: `Show or change taskdav settings.

Settings live in a YAML file and may be overridden with TASKDAV_*
environment variables (for example TASKDAV_CALDAV_PASSWORD). A running
daemon reloads the file and syncs when it changes.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings (password masked)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		view := settings.Snapshot()
		return emit(cmd, view, func(r *ui.Renderer) string { return r.Settings(view) })
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key value]",
	Short: "Set the CalDAV endpoint, or one raw key",
	Long: `Without arguments, set the CalDAV endpoint from --url, --username and
--password. When --password is omitted on a terminal it is prompted for;
otherwise the stored password is kept.

With a key and a value, set one setting:
  sync.skip_malformed  true|false
  store.path           path to the task database
  dashboard.port       port number
  log.file             path, empty to disable
  log.max_size_mb      rotation size
  log.max_backups      rotated files kept

Saving the endpoint clears the last sync time and the last error.`,
	Example: `  taskdav config set --url https://cloud.example.com/remote.php/dav/calendars/me/tasks/ --username me
  taskdav config set dashboard.port 9000`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("expected no arguments or a key and a value")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		if len(args) == 2 {
			return setRawKey(settings, args[0], args[1])
		}

		current, _ := settings.CalDAV()
		cfg := current
		if cmd.Flags().Changed("url") {
			cfg.URL, _ = cmd.Flags().GetString("url")
		}
		if cmd.Flags().Changed("username") {
			cfg.Username, _ = cmd.Flags().GetString("username")
		}
		if cmd.Flags().Changed("password") {
			cfg.Password, _ = cmd.Flags().GetString("password")
		} else if isTerminal() {
			fmt.Fprint(cmd.ErrOrStderr(), "Password (empty keeps the current one): ")
			pw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if len(pw) > 0 {
				cfg.Password = string(pw)
			}
		}
		return saveCalDAV(cmd, settings, cfg)
	},
}

var configSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Set up the CalDAV endpoint interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !isTerminal() {
			return errors.New("setup needs a terminal; use \"taskdav config set\" instead")
		}
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		cfg, _ := settings.CalDAV()
		interval := strconv.Itoa(settings.IntervalMinutes())
		notEmpty := func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("required")
			}
			return nil
		}

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("CalDAV collection URL").
					Description("The task list's collection, e.g. .../calendars/me/tasks/").
					Value(&cfg.URL).
					Validate(notEmpty),
				huh.NewInput().
					Title("Username").
					Value(&cfg.Username).
					Validate(notEmpty),
				huh.NewInput().
					Title("Password").
					EchoMode(huh.EchoModePassword).
					Value(&cfg.Password),
				huh.NewInput().
					Title("Sync interval (minutes)").
					Value(&interval).
					Validate(validateInterval),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}

		minutes, _ := strconv.Atoi(strings.TrimSpace(interval))
		if err := settings.SetSyncInterval(minutes); err != nil {
			return err
		}
		return saveCalDAV(cmd, settings, cfg)
	},
}

var configClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the CalDAV endpoint",
	Long: `Remove the CalDAV endpoint and credentials. Pending deletions that never
reached the server are discarded and the sync status is reset. Local
tasks are kept.`,
	Args: cobra.NoArgs,
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

		if err := settings.Clear(); err != nil {
			return err
		}
		purged, err := db.PurgeTombstones(cmd.Context())
		if err != nil {
			return err
		}
		if err := db.ClearSyncState(cmd.Context()); err != nil {
			return err
		}
		return emit(cmd, map[string]int{"purged_tombstones": purged}, func(r *ui.Renderer) string {
			return fmt.Sprintf("CalDAV settings cleared (%d pending deletions discarded)\n", purged)
		})
	},
}

var configIntervalCmd = &cobra.Command{
	Use:   "interval [minutes]",
	Short: "Show or set the sync interval",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			minutes, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: %q", config.ErrInvalidInterval, args[0])
			}
			if err := settings.SetSyncInterval(minutes); err != nil {
				return err
			}
		}
		minutes := settings.IntervalMinutes()
		return emit(cmd, map[string]int{"interval_minutes": minutes}, func(r *ui.Renderer) string {
			return fmt.Sprintf("Sync interval: %d min\n", minutes)
		})
	},
}

// saveCalDAV persists cfg and resets the recorded sync status, since it
// described the previous endpoint.
func saveCalDAV(cmd *cobra.Command, settings *config.Manager, cfg caldav.Config) error {
	if err := settings.SetCalDAV(cfg); err != nil {
		return err
	}
	db, err := openStore(settings)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.ClearSyncState(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Saved to %s\n", settings.Path())
	return nil
}

func setRawKey(settings *config.Manager, key, value string) error {
	switch key {
	case config.KeyURL, config.KeyUsername, config.KeyPassword:
		return fmt.Errorf("use --url, --username and --password to change %s", key)
	case config.KeyInterval:
		minutes, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %q", config.ErrInvalidInterval, value)
		}
		return settings.SetSyncInterval(minutes)
	case config.KeySkipMalformed:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q", key, value)
		}
		return settings.Set(key, b)
	case config.KeyDashboardPort, config.KeyLogMaxSize, config.KeyLogMaxBackups:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %s: %q", key, value)
		}
		return settings.Set(key, n)
	case config.KeyStorePath, config.KeyLogFile:
		return settings.Set(key, value)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}

func validateInterval(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < config.MinIntervalMinutes || n > config.MaxIntervalMinutes {
		return config.ErrInvalidInterval
	}
	return nil
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func init() {
	configSetCmd.Flags().String("url", "", "CalDAV collection URL")
	configSetCmd.Flags().String("username", "", "CalDAV username")
	configSetCmd.Flags().String("password", "", "CalDAV password (prompted on a terminal when omitted)")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetupCmd)
	configCmd.AddCommand(configClearCmd)
	configCmd.AddCommand(configIntervalCmd)
	rootCmd.AddCommand(configCmd)
}
