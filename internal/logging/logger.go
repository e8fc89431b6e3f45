// Package logging defines the minimal printf-style logging contract shared by
// every orchestrator component, plus a small leveled implementation that
// writes to stderr.
package logging

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

var (
	defaultLevel Level = INFO
	levelMu      sync.RWMutex
)

// SetLevel sets the minimum level for loggers created by NewComponentLogger.
func SetLevel(level Level) {
	levelMu.Lock()
	defaultLevel = level
	levelMu.Unlock()
}

type componentLogger struct {
	component string
	out       *log.Logger
}

// NewComponentLogger creates a leveled logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{
		component: component,
		out:       log.New(os.Stderr, "", 0),
	}
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	levelMu.RLock()
	min := defaultLevel
	levelMu.RUnlock()
	if level < min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s [%s] [%s] %s", time.Now().Format(time.RFC3339), level, l.component, msg)
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }
