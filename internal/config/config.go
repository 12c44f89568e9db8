// Package config provides the settings collaborator for taskdav. Values come
// from a YAML file, TASKDAV_* environment variables and built-in defaults,
// in that order of precedence below explicit writes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/mschirtzinger/taskdav/internal/caldav"
)

// Setting keys.
const (
	KeyURL           = "caldav.url"
	KeyUsername      = "caldav.username"
	KeyPassword      = "caldav.password"
	KeyInterval      = "sync.interval_minutes"
	KeySkipMalformed = "sync.skip_malformed"
	KeyStorePath     = "store.path"
	KeyDashboardPort = "dashboard.port"
	KeyLogFile       = "log.file"
	KeyLogMaxSize    = "log.max_size_mb"
	KeyLogMaxBackups = "log.max_backups"
)

// Interval bounds in minutes.
const (
	DefaultIntervalMinutes = 15
	MinIntervalMinutes     = 1
	MaxIntervalMinutes     = 1440
)

const (
	defaultDashboardPort = 8787
	defaultLogMaxSize    = 10
	defaultLogMaxBackups = 3
	envPrefix            = "TASKDAV"
)

var (
	// ErrInvalidCalDAV is returned when a CalDAV configuration lacks a URL
	// or a username.
	ErrInvalidCalDAV = errors.New("caldav url and username are required")

	// ErrInvalidInterval is returned for a sync interval outside
	// MinIntervalMinutes..MaxIntervalMinutes.
	ErrInvalidInterval = errors.New("sync interval must be between 1 and 1440 minutes")
)

// Settings is the key-value collaborator consumed by the daemon and CLI.
type Settings interface {
	CalDAV() (caldav.Config, bool)
	SyncInterval() time.Duration
	SkipMalformed() bool
	SetCalDAV(cfg caldav.Config) error
	SetSyncInterval(minutes int) error
	Clear() error
	Reload() error
}

// Manager implements Settings on top of viper. Reads go through a viper
// instance holding defaults, environment and file values; writes go through
// a file-only instance so defaults and environment values are never
// persisted.
type Manager struct {
	mu   sync.RWMutex
	path string
	v    *viper.Viper
}

var _ Settings = (*Manager)(nil)

// DefaultPath returns $XDG_CONFIG_HOME/taskdav/config.yaml (or the
// platform equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "taskdav", "config.yaml")
}

// Load reads the settings file at path. A missing file is not an error.
// An empty path selects DefaultPath.
func Load(path string) (*Manager, error) {
	if path == "" {
		path = DefaultPath()
	}
	m := &Manager{path: path}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the settings file location.
func (m *Manager) Path() string {
	return m.path
}

// Reload re-reads the settings file from disk.
func (m *Manager) Reload() error {
	v := viper.New()
	setDefaults(v, filepath.Dir(m.path))
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readFile(v, m.path); err != nil {
		return err
	}

	m.mu.Lock()
	m.v = v
	m.mu.Unlock()
	return nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault(KeyURL, "")
	v.SetDefault(KeyUsername, "")
	v.SetDefault(KeyPassword, "")
	v.SetDefault(KeyInterval, DefaultIntervalMinutes)
	v.SetDefault(KeySkipMalformed, false)
	v.SetDefault(KeyStorePath, filepath.Join(dir, "tasks.db"))
	v.SetDefault(KeyDashboardPort, defaultDashboardPort)
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogMaxSize, defaultLogMaxSize)
	v.SetDefault(KeyLogMaxBackups, defaultLogMaxBackups)
}

func readFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

func (m *Manager) current() *viper.Viper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v
}

// CalDAV returns the configured endpoint and whether it is usable.
func (m *Manager) CalDAV() (caldav.Config, bool) {
	v := m.current()
	cfg := caldav.Config{
		URL:      strings.TrimSpace(v.GetString(KeyURL)),
		Username: strings.TrimSpace(v.GetString(KeyUsername)),
		Password: v.GetString(KeyPassword),
	}
	return cfg, cfg.IsValid()
}

// SyncInterval returns the periodic sync interval, clamped to the allowed
// range.
func (m *Manager) SyncInterval() time.Duration {
	return time.Duration(m.IntervalMinutes()) * time.Minute
}

// IntervalMinutes returns the periodic sync interval in minutes.
func (m *Manager) IntervalMinutes() int {
	minutes := m.current().GetInt(KeyInterval)
	switch {
	case minutes < MinIntervalMinutes:
		return MinIntervalMinutes
	case minutes > MaxIntervalMinutes:
		return MaxIntervalMinutes
	}
	return minutes
}

// SkipMalformed reports whether malformed remote items are skipped instead
// of failing the pass.
func (m *Manager) SkipMalformed() bool {
	return m.current().GetBool(KeySkipMalformed)
}

// StorePath returns the SQLite database location.
func (m *Manager) StorePath() string {
	return m.current().GetString(KeyStorePath)
}

// DashboardPort returns the port of the outcome feed.
func (m *Manager) DashboardPort() int {
	return m.current().GetInt(KeyDashboardPort)
}

// LogFile returns the rotated log file path, or "" to log to stderr only.
func (m *Manager) LogFile() string {
	return m.current().GetString(KeyLogFile)
}

// LogRotation returns the maximum log size in megabytes and the number of
// rotated files to keep.
func (m *Manager) LogRotation() (maxSizeMB, maxBackups int) {
	v := m.current()
	return v.GetInt(KeyLogMaxSize), v.GetInt(KeyLogMaxBackups)
}

// SetCalDAV validates and persists the endpoint and credentials.
func (m *Manager) SetCalDAV(cfg caldav.Config) error {
	if !cfg.IsValid() {
		return ErrInvalidCalDAV
	}
	return m.write(func(fv *viper.Viper) (*viper.Viper, error) {
		fv.Set(KeyURL, strings.TrimSpace(cfg.URL))
		fv.Set(KeyUsername, strings.TrimSpace(cfg.Username))
		fv.Set(KeyPassword, cfg.Password)
		return fv, nil
	})
}

// SetSyncInterval persists the sync interval in minutes.
func (m *Manager) SetSyncInterval(minutes int) error {
	if minutes < MinIntervalMinutes || minutes > MaxIntervalMinutes {
		return fmt.Errorf("%w: got %d", ErrInvalidInterval, minutes)
	}
	return m.write(func(fv *viper.Viper) (*viper.Viper, error) {
		fv.Set(KeyInterval, minutes)
		return fv, nil
	})
}

// Set persists one raw key.
func (m *Manager) Set(key string, value interface{}) error {
	return m.write(func(fv *viper.Viper) (*viper.Viper, error) {
		fv.Set(key, value)
		return fv, nil
	})
}

// Clear removes the CalDAV endpoint and credentials from the file. Other
// settings are kept.
func (m *Manager) Clear() error {
	return m.write(func(fv *viper.Viper) (*viper.Viper, error) {
		settings := fv.AllSettings()
		delete(settings, "caldav")
		out := viper.New()
		if err := out.MergeConfigMap(settings); err != nil {
			return nil, fmt.Errorf("failed to rebuild config: %w", err)
		}
		return out, nil
	})
}

// write applies change to the file-only view and saves it with 0600
// permissions, then reloads.
func (m *Manager) write(change func(*viper.Viper) (*viper.Viper, error)) error {
	fv := viper.New()
	if err := readFile(fv, m.path); err != nil {
		return err
	}
	out, err := change(fv)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	out.SetConfigType("yaml")
	if err := out.WriteConfigAs(m.path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", m.path, err)
	}
	if err := os.Chmod(m.path, 0o600); err != nil {
		return fmt.Errorf("failed to restrict config permissions: %w", err)
	}
	return m.Reload()
}

// View is a printable snapshot of the effective settings. The password is
// replaced by a marker.
type View struct {
	Path            string `json:"path" yaml:"path" toml:"path"`
	URL             string `json:"url" yaml:"url" toml:"url"`
	Username        string `json:"username" yaml:"username" toml:"username"`
	Password        string `json:"password" yaml:"password" toml:"password"`
	Configured      bool   `json:"configured" yaml:"configured" toml:"configured"`
	IntervalMinutes int    `json:"interval_minutes" yaml:"interval_minutes" toml:"interval_minutes"`
	SkipMalformed   bool   `json:"skip_malformed" yaml:"skip_malformed" toml:"skip_malformed"`
	StorePath       string `json:"store_path" yaml:"store_path" toml:"store_path"`
	DashboardPort   int    `json:"dashboard_port" yaml:"dashboard_port" toml:"dashboard_port"`
	LogFile         string `json:"log_file,omitempty" yaml:"log_file,omitempty" toml:"log_file,omitempty"`
}

// Snapshot returns the effective settings for display.
func (m *Manager) Snapshot() View {
	cfg, ok := m.CalDAV()
	password := ""
	if cfg.Password != "" {
		password = "********"
	}
	return View{
		Path:            m.path,
		URL:             cfg.URL,
		Username:        cfg.Username,
		Password:        password,
		Configured:      ok,
		IntervalMinutes: m.IntervalMinutes(),
		SkipMalformed:   m.SkipMalformed(),
		StorePath:       m.StorePath(),
		DashboardPort:   m.DashboardPort(),
		LogFile:         m.LogFile(),
	}
}
