package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// TestLogEntry is a record captured by TestLogger.
type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
	Metadata  map[string]interface{}
}

// Formatted returns the message with its arguments applied.
func (e TestLogEntry) Formatted() string {
	if len(e.Arguments) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Arguments...)
}

type testRecorder struct {
	mutex   sync.Mutex
	entries []TestLogEntry
}

// TestLogger records every entry in memory. Loggers derived with With or
// WithPrefix record into the same list. Safe for concurrent use.
type TestLogger struct {
	recorder *testRecorder
	metadata map[string]interface{}
}

var _ Logger = (*TestLogger)(nil)

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{recorder: &testRecorder{}}
}

func (c *TestLogger) WithContext(ctx context.Context) Logger {
	return c
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	return &TestLogger{recorder: c.recorder, metadata: cloneMetadata(c.metadata, metadata)}
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return level < LevelNone
}

func (c *TestLogger) log(severity string, msg string, args ...interface{}) {
	c.recorder.mutex.Lock()
	defer c.recorder.mutex.Unlock()
	c.recorder.entries = append(c.recorder.entries, TestLogEntry{
		Severity:  severity,
		Message:   msg,
		Arguments: args,
		Metadata:  c.metadata,
	})
}

// Logs returns a copy of the recorded entries.
func (c *TestLogger) Logs() []TestLogEntry {
	c.recorder.mutex.Lock()
	defer c.recorder.mutex.Unlock()
	return append([]TestLogEntry(nil), c.recorder.entries...)
}

// Contains reports whether an entry of severity has a formatted message
// containing substr. An empty severity matches any.
func (c *TestLogger) Contains(severity string, substr string) bool {
	for _, entry := range c.Logs() {
		if (severity == "" || entry.Severity == severity) && strings.Contains(entry.Formatted(), substr) {
			return true
		}
	}
	return false
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.log("TRACE", msg, args...)
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.log("DEBUG", msg, args...)
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.log("INFO", msg, args...)
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.log("WARNING", msg, args...)
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.log("ERROR", msg, args...)
}

// Fatal records the entry without exiting.
func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.log("FATAL", msg, args...)
}
