// Package log provides the process-wide structured logger used across slam.
// Callers pass a message followed by alternating key/value pairs, e.g.
//
//	log.Info("pushed branch", "repo", slug, "branch", branch)
//
// Logs are written to stderr so that command output on stdout stays parseable.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const (
	// LevelEnv is the environment variable consulted for the log level.
	LevelEnv = "SLAM_LOG_LEVEL"

	// DefaultLevel is used when no level is configured anywhere.
	DefaultLevel = "warn"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stderr, slog.LevelWarn)
)

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// ParseLevel converts a level name into a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", name)
	}
}

// Setup installs a logger writing to w at the given level.
// A nil writer means stderr.
func Setup(level string, w io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if w == nil {
		w = os.Stderr
	}

	mu.Lock()
	logger = newLogger(w, lvl)
	mu.Unlock()
	return nil
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Enabled reports whether messages at level would be emitted.
func Enabled(level slog.Level) bool {
	return Logger().Enabled(context.Background(), level)
}

func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }

func Info(msg string, args ...any) { Logger().Info(msg, args...) }

func Warn(msg string, args ...any) { Logger().Warn(msg, args...) }

func Error(msg string, args ...any) { Logger().Error(msg, args...) }
