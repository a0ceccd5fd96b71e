// Package logx provides the leveled, component-tagged logger shared by devfleet components.
package logx

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes "<time> <LEVEL> <component>: <message>" lines.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
	now       func() time.Time
}

func New(w io.Writer, level Level, component string) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     level,
		component: component,
		now:       time.Now,
	}
}

// Discard returns a logger that drops everything. Used by tests and optional collaborators.
func Discard() *Logger {
	return New(io.Discard, LevelError+1, "discard")
}

// With returns a logger sharing the same sink and level under another component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		out:       l.out,
		level:     l.level,
		component: component,
		now:       l.now,
	}
}

func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) Log(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", l.now().Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Log(LevelError, format, args...) }
