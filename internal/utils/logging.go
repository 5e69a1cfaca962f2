package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// LogLevelEnv overrides the default logger's level.
const LogLevelEnv = "WARDEN_LOG_LEVEL"

// LoggerOptions configures InitLogger.
type LoggerOptions struct {
	Level           string
	Output          io.Writer
	Prefix          string
	ReportTimestamp bool
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *log.Logger
)

// InitLogger builds a logger. Output defaults to stderr.
func InitLogger(opts LoggerOptions) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return log.NewWithOptions(out, log.Options{
		Level:           parseLevel(opts.Level),
		Prefix:          opts.Prefix,
		ReportTimestamp: opts.ReportTimestamp,
	})
}

// InitDefaultLogger builds the stderr logger used by the CLI, honouring
// WARDEN_LOG_LEVEL, and installs it as the package default.
func InitDefaultLogger() *log.Logger {
	level := os.Getenv(LogLevelEnv)
	if level == "" {
		level = "warn"
	}
	logger := InitLogger(LoggerOptions{Level: level, Prefix: "warden"})
	SetDefaultLogger(logger)
	return logger
}

// InitFileLogger appends timestamped entries to path, creating its
// directory. The returned closer releases the file.
func InitFileLogger(path, level string) (*log.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := InitLogger(LoggerOptions{Level: level, Output: f, Prefix: "warden", ReportTimestamp: true})
	logger.SetFormatter(log.LogfmtFormatter)
	return logger, f, nil
}

// ParseLevel maps a level name to a log.Level; unknown names are info.
func ParseLevel(s string) log.Level {
	return parseLevel(s)
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// GetDefaultLogger returns the package default, falling back to log.Default().
func GetDefaultLogger() *log.Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultLogger == nil {
		return log.Default()
	}
	return defaultLogger
}

// SetDefaultLogger replaces the package default.
func SetDefaultLogger(l *log.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

func Debug(msg interface{}, keyvals ...interface{}) { GetDefaultLogger().Debug(msg, keyvals...) }
func Info(msg interface{}, keyvals ...interface{})  { GetDefaultLogger().Info(msg, keyvals...) }
func Warn(msg interface{}, keyvals ...interface{})  { GetDefaultLogger().Warn(msg, keyvals...) }
func Error(msg interface{}, keyvals ...interface{}) { GetDefaultLogger().Error(msg, keyvals...) }

// With returns the default logger with keyvals attached.
func With(keyvals ...interface{}) *log.Logger { return GetDefaultLogger().With(keyvals...) }

// WithPrefix returns the default logger with prefix.
func WithPrefix(prefix string) *log.Logger { return GetDefaultLogger().WithPrefix(prefix) }
