package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging verbosity.
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything
	LevelDebug
)

type logger struct {
	mu     sync.Mutex
	level  Level
	format string
	output io.Writer
}

var std = &logger{
	level:  LevelInfo,
	format: "text",
	output: os.Stderr,
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

// String returns the level name used in text log prefixes.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l Level) jsonName() string {
	return strings.ToLower(l.String())
}

// SetLevel sets the global log level.
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

// SetFormat selects the output format: "text" (default) or "json".
// Unknown values fall back to text.
func SetFormat(format string) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if strings.ToLower(format) == "json" {
		std.format = "json"
	} else {
		std.format = "text"
	}
}

// SetOutput redirects log output, e.g. to a file or io.Discard while the
// TUI owns the terminal. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	std.output = w
}

// GetLevel returns the current log level.
func GetLevel() Level {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.level
}

// IsDebug reports whether debug logging is enabled.
func IsDebug() bool {
	return GetLevel() >= LevelDebug
}

// Debug logs a debug message.
func Debug(format string, args ...any) {
	std.log(LevelDebug, format, args...)
}

// Info logs an info message.
func Info(format string, args ...any) {
	std.log(LevelInfo, format, args...)
}

// Warn logs a warning message.
func Warn(format string, args ...any) {
	std.log(LevelWarn, format, args...)
}

// Error logs an error message.
func Error(format string, args ...any) {
	std.log(LevelError, format, args...)
}

// Print writes directly to the log output regardless of level or format,
// for summaries and final reports.
func Print(format string, args ...any) {
	std.mu.Lock()
	defer std.mu.Unlock()
	fmt.Fprintf(std.output, format, args...)
}

func (l *logger) log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	now := time.Now()

	if l.format == "json" {
		entry := map[string]any{
			"ts":    now.Format(time.RFC3339),
			"level": level.jsonName(),
			"msg":   msg,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.output, "%s [%s] %s\n", now.Format("2006-01-02 15:04:05"), level, msg)
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	fmt.Fprintf(l.output, "%s [%s] %s", now.Format("2006-01-02 15:04:05"), level, msg)
}
