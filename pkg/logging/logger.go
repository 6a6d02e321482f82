// Package logging implements the slunit logging subsystem.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level represents the logging level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelNotice:
		return "NOTICE"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level. Unknown names yield LevelInfo
// and false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "notice":
		return LevelNotice, true
	case "warn", "warning":
		return LevelWarn, true
	case "error", "err":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// Target selects where log lines go.
type Target uint8

const (
	TargetAuto Target = iota // journal when available, else console
	TargetConsole
	TargetJournal
)

// ParseTarget maps a target name to a Target.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return TargetAuto, nil
	case "console":
		return TargetConsole, nil
	case "journal":
		return TargetJournal, nil
	}
	return TargetAuto, fmt.Errorf("unknown log target %q", s)
}

type backend interface {
	write(level Level, unit, msg string)
}

type consoleBackend struct {
	mu  sync.Mutex
	out io.Writer
	tag map[Level]string
}

func newConsoleBackend(out io.Writer) *consoleBackend {
	return &consoleBackend{
		out: out,
		tag: map[Level]string{
			LevelDebug:  color.New(color.Faint).Sprint(LevelDebug),
			LevelInfo:   color.New(color.FgGreen).Sprint(LevelInfo),
			LevelNotice: color.New(color.FgCyan).Add(color.Bold).Sprint(LevelNotice),
			LevelWarn:   color.New(color.FgYellow).Add(color.Bold).Sprint(LevelWarn),
			LevelError:  color.New(color.FgRed).Add(color.Bold).Sprint(LevelError),
		},
	}
}

func (c *consoleBackend) write(level Level, unit, msg string) {
	timestamp := time.Now().Format("15:04:05")
	if unit != "" {
		msg = unit + ": " + msg
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] %s: %s\n", timestamp, c.tag[level], msg)
}

// Logger provides leveled logging for slunit. A Logger returned by
// WithUnit shares its backend and level with its parent.
type Logger struct {
	level   *Level
	backend backend
	unit    string
}

// New creates a new console Logger with the specified minimum level.
func New(level Level) *Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a console Logger writing to out.
func NewWithWriter(level Level, out io.Writer) *Logger {
	return &Logger{level: &level, backend: newConsoleBackend(out)}
}

// NewForTarget creates a Logger for the requested target. TargetAuto
// selects the journal when journald is reachable.
func NewForTarget(level Level, target Target) *Logger {
	if target == TargetJournal || (target == TargetAuto && journalAvailable()) {
		return &Logger{level: &level, backend: journalBackend{}}
	}
	return New(level)
}

// SetLevel changes the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	*l.level = level
}

// WithUnit returns a Logger that tags every message with the unit name.
func (l *Logger) WithUnit(name string) *Logger {
	return &Logger{level: l.level, backend: l.backend, unit: name}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < *l.level {
		return
	}
	l.backend.write(level, l.unit, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Notice logs at notice level.
func (l *Logger) Notice(format string, args ...interface{}) {
	l.log(LevelNotice, format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}
