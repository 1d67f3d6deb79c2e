// Package logging provides structured logging for the journal daemon.
// Every component logs through a named child logger carrying a structured
// component field and an optional trace id, so one logical action can be
// followed across the writer, the trigger monitor, and the keystore. Log
// levels are tunable per component: a chatty trigger monitor can run at
// debug while the keystore stays at warn.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Config holds logger configuration.
type Config struct {
	// Level is the root level; ComponentLevels overrides it per component
	// name, e.g. {"trigger": "debug", "keystore": "warn"}.
	Level           string
	ComponentLevels map[string]string
	TimeFormat      string
	Prefix          string
	Output          io.Writer
}

// Logger is a component-scoped structured logger.
type Logger struct {
	*log.Logger
	componentLevels map[string]string
	component       string
}

// New creates the root logger for the process.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	root := log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          cfg.Prefix,
	})
	root.SetLevel(ParseLevel(cfg.Level))

	return &Logger{
		Logger:          root,
		componentLevels: cfg.ComponentLevels,
	}
}

// ParseLevel parses a string level, defaulting to info.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info", "":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Component derives a child logger for one component. The child is prefixed
// and tagged with the component name and picks up any per-component level
// override from the root config.
func (l *Logger) Component(name string) *Logger {
	child := l.Logger.WithPrefix(name).With("component", name)
	if override, ok := l.componentLevels[name]; ok {
		child.SetLevel(ParseLevel(override))
	}
	return &Logger{
		Logger:          child,
		componentLevels: l.componentLevels,
		component:       name,
	}
}

// With returns a child logger carrying extra key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		Logger:          l.Logger.With(keyvals...),
		componentLevels: l.componentLevels,
		component:       l.component,
	}
}

// WithTrace returns a logger that stamps every line with the trace id of the
// logical action it belongs to.
func (l *Logger) WithTrace(traceID string) *Logger {
	if traceID == "" {
		return l
	}
	return l.With("trace_id", traceID)
}

// ComponentName returns the component this logger is scoped to, empty for
// the root.
func (l *Logger) ComponentName() string {
	return l.component
}

// Global default logger instance.
var defaultLogger = New(nil)

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	return defaultLogger
}
