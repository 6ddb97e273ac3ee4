package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel maps a LOG_LEVEL value to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("invalid log level %q, must be one of debug, info, notice, error", s)
}

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case NoticeLevel:
		return "notice"
	case ErrorLevel:
		return "error"
	}
	return "unknown"
}

var levelColors = map[Level]color.Attribute{
	DebugLevel:  color.FgWhite,
	InfoLevel:   color.FgHiGreen,
	NoticeLevel: color.FgYellow,
	ErrorLevel:  color.FgRed,
}

var levelPrefixes = map[Level]string{
	DebugLevel:  "[DEBUG]  ",
	InfoLevel:   "[INFO]   ",
	NoticeLevel: "[NOTICE] ",
	ErrorLevel:  "[ERROR]  ",
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})

	// Notice logs something an operator should look at but that is not an error.
	Notice(format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
}

// EmptyLogger discards everything. Used by tests.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})   {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{}) {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})  {}

// StdLogger writes leveled messages through the standard log package.
type StdLogger struct {
	enableColoring bool
	level          Level
	component      string
	mu             *sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
		mu:             &sync.Mutex{},
	}
}

// With returns a logger that prefixes every message with the component name.
// The returned logger shares the parent's output lock.
func (l *StdLogger) With(component string) *StdLogger {
	return &StdLogger{
		enableColoring: l.enableColoring,
		level:          l.level,
		component:      component,
		mu:             l.mu,
	}
}

func (l *StdLogger) formatMessage(level Level, format string) string {
	prefix := levelPrefixes[level]
	if l.enableColoring {
		prefix = color.New(levelColors[level]).Sprint(prefix)
	}
	if l.component != "" {
		prefix += "[" + l.component + "] "
	}
	return prefix + format
}

func (l *StdLogger) logf(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Printf(l.formatMessage(level, format), args...)
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, format, args...)
}
