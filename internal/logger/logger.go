// Package logger provides structured logging for palisade.
//
// Logs go to stderr (the presentation layer owns stdout) and,
// when a log directory is configured, to a dated log file as well.

package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// Init initializes the process logger. If logDir is empty, logs go to
// stderr only. If jsonOutput is true, logs are formatted as JSON.
func Init(logDir string, jsonOutput bool, level slog.Level) error {
	var writer io.Writer = os.Stderr

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return err
		}
		logFileName := "palisade-" + time.Now().Format("2006-01-02") + ".log"
		logFilePath := filepath.Join(logDir, logFileName)

		var err error
		logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writer = io.MultiWriter(os.Stderr, logFile)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

// Close closes the log file if one is open.
func Close() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the configured logger, falling back to slog.Default.
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Debug logs a debug message.
func Debug(msg string, args ...any) { Slog().Debug(msg, args...) }

// Info logs an informational message.
func Info(msg string, args ...any) { Slog().Info(msg, args...) }

// Warn logs a warning.
func Warn(msg string, args ...any) { Slog().Warn(msg, args...) }

// Error logs an error message.
func Error(msg string, args ...any) { Slog().Error(msg, args...) }
