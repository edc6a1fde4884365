package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the engine logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AuditTo is a convenience constructor for the common case of a single
// rotating audit file next to the regular log outputs.
func AuditTo(path string) AuditConfig {
	return AuditConfig{Enabled: path != "", Path: path}
}

var (
	mu      sync.Mutex
	root    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
)

// Init configures the global logger instances. Calling it twice is an
// error; L falls back to a default setup when Init was never called.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if root != nil {
		return errors.New("logger already initialised")
	}

	sink, err := combineOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(sink, opts)
	} else {
		handler = slog.NewJSONHandler(sink, opts)
	}
	root = slog.New(handler)

	// 未启用审计日志时，审计事件落入常规日志。
	audit = root
	if cfg.Audit.Enabled {
		w, err := newRotatingWriter(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			return err
		}
		closers = append(closers, w)
		audit = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return nil
}

// combineOutputs 打开全部输出目标并合并为一个 writer。省略时写 stdout。
func combineOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(p) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", p, err)
			}
			closers = append(closers, f)
			writers = append(writers, f)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the structured logger instance.
func L() *slog.Logger {
	mu.Lock()
	l := root
	mu.Unlock()
	if l == nil {
		_ = Init(Config{})
		return L()
	}
	return l
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.Lock()
	a := audit
	mu.Unlock()
	if a == nil {
		return L()
	}
	return a
}

// Named returns a child logger tagged with the component name. Trade
// lifecycle components use this so sweep logs can be filtered per stage.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync flushes buffered log entries to their outputs.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	closers = nil
	return err
}
