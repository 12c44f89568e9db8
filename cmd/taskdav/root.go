package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/taskdav/internal/config"
	"github.com/mschirtzinger/taskdav/internal/logging"
	"github.com/mschirtzinger/taskdav/internal/store"
	"github.com/mschirtzinger/taskdav/internal/ui"
)

var (
	configPath   string
	outputFormat string
	logFile      string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "taskdav",
	Short: "Local task list mirrored to a CalDAV collection",
	Long: `taskdav keeps a local task list in SQLite and mirrors it to a CalDAV
collection of VTODO items (Nextcloud, Radicale, Baikal, ...).

Tasks are edited locally and reconciled with the server by "taskdav sync"
or continuously by "taskdav daemon".`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Settings file (default: "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text, json, yaml or toml")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file (rotated by size)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log sync activity to stderr")
}

func loadSettings() (*config.Manager, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return settings, nil
}

func openStore(settings *config.Manager) (*store.DB, error) {
	db, err := store.Open(settings.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	return db, nil
}

// logSinks builds the log sinks for one command. stderr is included when
// alwaysStderr or --verbose is set.
func logSinks(settings *config.Manager, alwaysStderr bool) *logging.Sinks {
	file := logFile
	if file == "" {
		file = settings.LogFile()
	}
	maxSize, backups := settings.LogRotation()
	return logging.New(logging.Config{
		File:       file,
		MaxSizeMB:  maxSize,
		MaxBackups: backups,
		Quiet:      !alwaysStderr && !verbose,
	})
}

// emit writes v in the selected --format. text renders the human form.
func emit(cmd *cobra.Command, v interface{}, text func(*ui.Renderer) string) error {
	format, err := ui.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if format == ui.FormatText {
		_, err := io.WriteString(out, text(ui.NewRenderer(out)))
		return err
	}
	return ui.Encode(out, format, v)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}
