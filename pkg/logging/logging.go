// Package logging configures the process-wide slog default: leveled
// key-value output to stderr plus a size-rotated file under the state
// directory.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vigil-dev/vigil/pkg/config"
)

// Setup installs the default logger. Returns a closer for the rotated file
// sink; call it on shutdown.
func Setup(cfg *config.LoggingSettings, stateDir string) (io.Closer, error) {
	if err := os.MkdirAll(filepath.Join(stateDir, "logs"), 0o755); err != nil {
		return nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(stateDir, "logs", "vigild.log"),
		MaxSize:    cfg.Rotation.MaxSizeMB,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAgeDays,
		Compress:   cfg.Rotation.Compress,
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, rotator), &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})
	slog.SetDefault(slog.New(handler))
	return rotator, nil
}

// ParseLevel maps a config level string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
