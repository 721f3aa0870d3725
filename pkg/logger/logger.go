// Package logger is the process-wide level logger.
//
// Call sites use printf-style helpers (Infof, Warnf, ...) so log lines read the
// same from every package. Output is rendered by charmbracelet/log.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"
)

// Level is the verbosity threshold used by the logger.
//
// Lower values are more verbose.
type Level int32

const (
	// LevelTrace enables extremely verbose logs (wire envelopes, FSM inputs).
	LevelTrace Level = iota
	// LevelDebug enables verbose logs intended for debugging.
	LevelDebug
	// LevelInfo enables informational logs (default).
	LevelInfo
	// LevelWarn enables only warnings and errors.
	LevelWarn
	// LevelError enables only error logs.
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

var (
	level atomic.Int32

	mu   sync.Mutex
	base = newBackend(os.Stderr, LevelInfo)
)

func init() {
	level.Store(int32(LevelInfo))
}

func newBackend(w io.Writer, threshold Level) *charmlog.Logger {
	l := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05.000",
		Formatter:       charmlog.TextFormatter,
	})
	l.SetLevel(charmLevel(threshold))
	return l
}

// charmLevel maps a threshold onto the backend. TRACE has no backend
// equivalent and is rendered as DEBUG.
func charmLevel(l Level) charmlog.Level {
	switch {
	case l <= LevelDebug:
		return charmlog.DebugLevel
	case l == LevelInfo:
		return charmlog.InfoLevel
	case l == LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}

// ParseLevel parses a log level string into a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// SetOutput replaces the writer used by the global logger.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = newBackend(w, Level(level.Load()))
}

// SetLevel sets the global log level threshold.
func SetLevel(l Level) {
	level.Store(int32(l))
	mu.Lock()
	defer mu.Unlock()
	base.SetLevel(charmLevel(l))
}

// CurrentLevel returns the active threshold.
func CurrentLevel() Level {
	return Level(level.Load())
}

// Enabled reports whether a level would be emitted by the current configuration.
func Enabled(l Level) bool {
	return l >= Level(level.Load())
}

func backend() *charmlog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base
}

// Tracef logs at TRACE level.
func Tracef(format string, args ...any) {
	if !Enabled(LevelTrace) {
		return
	}
	backend().Debugf("TRACE "+format, args...)
}

// Debugf logs at DEBUG level.
func Debugf(format string, args ...any) {
	if !Enabled(LevelDebug) {
		return
	}
	backend().Debugf(format, args...)
}

// Infof logs at INFO level.
func Infof(format string, args ...any) {
	if !Enabled(LevelInfo) {
		return
	}
	backend().Infof(format, args...)
}

// Warnf logs at WARN level.
func Warnf(format string, args ...any) {
	if !Enabled(LevelWarn) {
		return
	}
	backend().Warnf(format, args...)
}

// Errorf logs at ERROR level.
func Errorf(format string, args ...any) {
	backend().Errorf(format, args...)
}
