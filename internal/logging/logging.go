// Package logging builds the prefixed *log.Logger instances used across
// taskdav, optionally teeing them into a size-rotated log file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds log sink configuration.
type Config struct {
	// File receives a copy of every line when non-empty. Rotated by size.
	File string

	// MaxSizeMB is the size at which File is rotated (default: 10).
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept (default: 3).
	MaxBackups int

	// Quiet drops the stderr copy. Used by the daemon when it only logs to
	// File.
	Quiet bool
}

// Sinks owns the writers shared by every logger it hands out.
type Sinks struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New opens the sinks described by cfg.
func New(cfg Config) *Sinks {
	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stderr)
	}

	s := &Sinks{}
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		backups := cfg.MaxBackups
		if backups < 0 {
			backups = 0
		}
		s.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: backups,
		}
		writers = append(writers, s.file)
	}

	switch len(writers) {
	case 0:
		s.out = io.Discard
	case 1:
		s.out = writers[0]
	default:
		s.out = io.MultiWriter(writers...)
	}
	return s
}

// Logger returns a logger writing "[name] " prefixed lines to every sink.
func (s *Sinks) Logger(name string) *log.Logger {
	return log.New(s.out, "["+name+"] ", log.LstdFlags)
}

// Writer returns the combined sink.
func (s *Sinks) Writer() io.Writer {
	return s.out
}

// Close flushes and closes the log file, if any.
func (s *Sinks) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
