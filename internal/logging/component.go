package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents the severity of a log message.
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
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	rootInstance *componentLogger
	rootOnce     sync.Once
)

// componentLogger writes timestamped, component-tagged lines to a shared sink.
type componentLogger struct {
	mu        *sync.Mutex
	out       *log.Logger
	level     Level
	component string
}

func root() *componentLogger {
	rootOnce.Do(func() {
		rootInstance = newRoot(os.Stderr, LevelInfo)
		if path := os.Getenv("KABANDA_DEBUG_LOG"); path != "" {
			if file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				rootInstance = newRoot(io.MultiWriter(os.Stderr, file), LevelDebug)
			} else {
				log.Printf("logging: failed to open %s: %v", filepath.Clean(path), err)
			}
		}
	})
	return rootInstance
}

func newRoot(w io.Writer, level Level) *componentLogger {
	return &componentLogger{
		mu:    &sync.Mutex{},
		out:   log.New(w, "", 0),
		level: level,
	}
}

// NewComponentLogger returns the process-wide logger scoped to a component.
func NewComponentLogger(component string) Logger {
	base := root()
	return &componentLogger{
		mu:        base.mu,
		out:       base.out,
		level:     base.level,
		component: component,
	}
}

// SetLevel changes the minimum level emitted by the process-wide logger.
// Component loggers created before the call keep their previous level.
func SetLevel(level Level) {
	root().level = level
}

func (l *componentLogger) logf(level Level, format string, args ...any) {
	if level < l.level || l.out == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.component != "" {
		l.out.Printf("[%s] [%s] [%s] %s", ts, level, l.component, msg)
		return
	}
	l.out.Printf("[%s] [%s] %s", ts, level, msg)
}

func (l *componentLogger) Debug(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.logf(LevelError, format, args...) }
