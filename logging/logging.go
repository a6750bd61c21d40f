// Package logging provides leveled, component-scoped console logging for
// coordinator nodes. Lines follow the format
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// Fields are printed in sorted key order so output is stable across runs.
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

// ParseLevel converts a case-insensitive level name into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// Logger writes leveled lines to an io.Writer.
// Loggers derived with WithComponent/WithTraceID share the parent's lock, so
// they can safely write to the same output from many goroutines.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

func (l *Logger) derive(component, traceID string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   traceID,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(component, l.traceID)
}

// WithTraceID returns a new logger that adds trace_id to every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return l.derive(l.component, traceID)
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
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

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := make(map[string]interface{})
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace_id"] = l.traceID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.output.Write([]byte(line))
}

// --- Coordinator event helpers ---

// Claim logs this node becoming owner of a key.
func (l *Logger) Claim(key, node string, claimedAt int64) {
	l.Info("claim", map[string]interface{}{
		"key":        key,
		"node":       node,
		"claimed_at": claimedAt,
	})
}

// Follow logs a follower record created for another node's claim.
func (l *Logger) Follow(key, owner string) {
	l.Debug("follow", map[string]interface{}{
		"key":   key,
		"owner": owner,
	})
}

// StepDown logs an owner yielding to an earlier claim.
func (l *Logger) StepDown(key, winner string) {
	l.Info("step_down", map[string]interface{}{
		"key":    key,
		"winner": winner,
	})
}

// ExecuteStart logs the start of work for a key.
func (l *Logger) ExecuteStart(key string) {
	l.Debug("execute_start", map[string]interface{}{
		"key": key,
	})
}

// ExecuteDone logs the outcome of work for a key.
func (l *Logger) ExecuteDone(key string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"key":      key,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("execute_failed", fields)
		return
	}
	l.Info("execute_done", fields)
}

// Relay logs a finished notification sent to late requesters.
func (l *Logger) Relay(key, reason string) {
	fields := map[string]interface{}{
		"key": key,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	l.Debug("relay_finished", fields)
}

// Desync logs a protocol message that could not be applied.
func (l *Logger) Desync(key, msgType, detail string) {
	l.Debug("desync", map[string]interface{}{
		"key":    key,
		"type":   msgType,
		"detail": detail,
	})
}

// Unhandled logs a failure that settled with nobody observing it.
func (l *Logger) Unhandled(key string, err error) {
	l.Warn("unhandled_failure", map[string]interface{}{
		"key":   key,
		"error": err.Error(),
	})
}
