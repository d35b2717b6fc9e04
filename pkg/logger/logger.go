// Package logger holds the process-wide application and audit loggers.
// Components derive their own loggers with Named and attach request
// identifiers through the context helpers in context.go.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Config selects the level, encoding and destinations of the application log.
type Config struct {
	Level   string
	Format  string
	Outputs []string
	Audit   AuditConfig
}

// AuditConfig controls the rotated audit log. When disabled, audit records
// go to the application log.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type sinks struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

func (s *sinks) close() error {
	var err error
	for _, c := range s.closers {
		err = errors.Join(err, c.Close())
	}
	s.closers = nil
	return err
}

var current atomic.Pointer[sinks]

// Init replaces the active sinks. Files held by the previous sinks are closed.
func Init(cfg Config) error {
	next, err := openSinks(cfg)
	if err != nil {
		return err
	}
	if prev := current.Swap(next); prev != nil {
		return prev.close()
	}
	return nil
}

// Close flushes and closes file outputs. Loggers keep working on stdout/stderr.
func Close() error {
	if s := current.Load(); s != nil {
		return s.close()
	}
	return nil
}

// L returns the application logger. Before Init it writes JSON to stdout.
func L() *slog.Logger {
	return load().app
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	return load().audit
}

// Named returns the application logger tagged with a component name.
func Named(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

func load() *sinks {
	if s := current.Load(); s != nil {
		return s
	}
	app := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	fallback := &sinks{app: app, audit: app}
	if current.CompareAndSwap(nil, fallback) {
		return fallback
	}
	return current.Load()
}

func openSinks(cfg Config) (*sinks, error) {
	s := &sinks{}
	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		w, err := openOutput(out)
		if err != nil {
			_ = s.close()
			return nil, err
		}
		if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
			s.closers = append(s.closers, c)
		}
		writers = append(writers, w)
	}
	s.app = slog.New(newHandler(cfg.Format, io.MultiWriter(writers...), parseLevel(cfg.Level)))
	s.audit = s.app

	if cfg.Audit.Enabled {
		w, err := newRotatingWriter(cfg.Audit)
		if err != nil {
			_ = s.close()
			return nil, err
		}
		s.closers = append(s.closers, w)
		s.audit = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With(slog.String("stream", "audit"))
	}
	return s, nil
}

func newHandler(format string, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func openOutput(target string) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", target, err)
	}
	return f, nil
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
