package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Level ordering for filtering
var levelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

// StdLogger writes JSON-line log entries to a writer
type StdLogger struct {
	out    io.Writer
	level  string
	fields []Field
	mu     *sync.Mutex
}

// NewStdLogger creates a logger writing to stdout at the given level
func NewStdLogger(level string) *StdLogger {
	return NewStdLoggerWithWriter(level, os.Stdout)
}

// NewStdLoggerWithWriter creates a logger writing to the given writer
func NewStdLoggerWithWriter(level string, out io.Writer) *StdLogger {
	if _, ok := levelRank[level]; !ok {
		level = "info"
	}
	return &StdLogger{
		out:   out,
		level: level,
		mu:    &sync.Mutex{},
	}
}

func (l *StdLogger) log(level, msg string, fields []Field) {
	if levelRank[level] < levelRank[l.level] {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
	}

	if len(l.fields)+len(fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(l.fields)+len(fields))
		for _, f := range l.fields {
			entry.Fields[f.Key] = f.Value
		}
		for _, f := range fields {
			entry.Fields[f.Key] = f.Value
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(data, '\n'))
}

// Debug logs a debug message
func (l *StdLogger) Debug(msg string, fields ...Field) {
	l.log("debug", msg, fields)
}

// Info logs an info message
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.log("info", msg, fields)
}

// Warn logs a warning message
func (l *StdLogger) Warn(msg string, fields ...Field) {
	l.log("warn", msg, fields)
}

// Error logs an error message
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.log("error", msg, fields)
}

// WithFields returns a new logger carrying the given fields on every entry
func (l *StdLogger) WithFields(fields ...Field) Logger {
	combined := make([]Field, 0, len(l.fields)+len(fields))
	combined = append(combined, l.fields...)
	combined = append(combined, fields...)
	return &StdLogger{
		out:    l.out,
		level:  l.level,
		fields: combined,
		mu:     l.mu,
	}
}

// LogExecutionEvent records execution lifecycle events
func (l *StdLogger) LogExecutionEvent(executionID string, event string, data map[string]interface{}) {
	l.Info("execution event",
		F("execution_id", executionID),
		F("event", event),
		F("data", data),
	)
}

// LogPhaseEvent records phase lifecycle events
func (l *StdLogger) LogPhaseEvent(executionID string, phaseID string, event string, data map[string]interface{}) {
	l.Info("phase event",
		F("execution_id", executionID),
		F("phase_id", phaseID),
		F("event", event),
		F("data", data),
	)
}

// NopLogger discards all log output
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field)                                     {}
func (NopLogger) Info(string, ...Field)                                      {}
func (NopLogger) Warn(string, ...Field)                                      {}
func (NopLogger) Error(string, ...Field)                                     {}
func (n NopLogger) WithFields(...Field) Logger                               { return n }
func (NopLogger) LogExecutionEvent(string, string, map[string]interface{})   {}
func (NopLogger) LogPhaseEvent(string, string, string, map[string]interface{}) {
}
