// Package logging provides leveled console logging for the coordinator and
// its agents.
//
// Output format is one line per entry:
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// Loggers derived with WithComponent or WithTraceID share the parent's
// output, so SetOutput on the root redirects every child.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string ("debug", "INFO", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

type sink struct {
	mu sync.Mutex
	w  io.Writer
}

// Logger writes leveled, key=value structured lines.
type Logger struct {
	out       *sink
	mu        sync.RWMutex
	minLevel  Level
	component string
	traceID   string
}

// New creates a Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		out:      &sink{w: os.Stdout},
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything. Used as the default when a
// component is built without a logger.
func Nop() *Logger {
	l := New()
	l.out.w = io.Discard
	l.minLevel = LevelError
	return l
}

func (l *Logger) derive(component, traceID string) *Logger {
	return &Logger{
		out:       l.out,
		minLevel:  l.level(),
		component: component,
		traceID:   traceID,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(component, l.traceID)
}

// WithTraceID returns a new logger that tags every line with trace=<id>.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return l.derive(l.component, traceID)
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

func (l *Logger) level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.minLevel
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	l.out.w = w
	l.out.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.level()] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.traceID != "" {
		fieldStr = " trace=" + l.traceID + fieldStr
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.w.Write([]byte(line))
}
