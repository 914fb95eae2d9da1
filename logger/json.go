package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// JSONLogEntry defines a log entry
// this is modeled after the JSON format expected by Cloud Logging
// https://github.com/GoogleCloudPlatform/golang-samples/blob/08bc985b4973901c09344eabbe9d7d5add7dc656/run/logging-manual/main.go
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Trace     string                 `json:"logging.googleapis.com/trace,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	// Logs Explorer allows filtering and display of this as `jsonPayload.component`.
	Component string `json:"component,omitempty"`
}

// String renders an entry structure to the JSON format expected by Cloud Logging.
func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = "INFO"
	}
	out, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"message":%q,"severity":"ERROR"}`, "json.Marshal: "+err.Error())
	}
	return string(out)
}

func severity(level LogLevel) string {
	if level == LevelWarn {
		return "WARNING"
	}
	return level.String()
}

type jsonOutput struct {
	mutex  sync.Mutex
	writer io.Writer
	now    func() time.Time
}

type jsonLogger struct {
	out       *jsonOutput
	metadata  map[string]interface{}
	traceID   string
	component string
	level     LogLevel
}

var _ Logger = (*jsonLogger)(nil)

// NewJSONLogger returns a Logger writing one JSON object per line to
// stdout. Without an explicit level the level comes from CACHE_LOG_LEVEL.
func NewJSONLogger(levels ...LogLevel) Logger {
	return NewJSONLoggerWithSink(os.Stdout, levels...)
}

// NewJSONLoggerWithSink is NewJSONLogger writing to sink.
func NewJSONLoggerWithSink(sink Sink, levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{
		out:   &jsonOutput{writer: sink, now: time.Now},
		level: level,
	}
}

func (c *jsonLogger) clone() *jsonLogger {
	return &jsonLogger{
		out:       c.out,
		metadata:  cloneMetadata(c.metadata, nil),
		traceID:   c.traceID,
		component: c.component,
		level:     c.level,
	}
}

func (c *jsonLogger) WithContext(ctx context.Context) Logger {
	return c
}

// WithPrefix appends prefix to the component, without brackets.
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	prefix = strings.Trim(prefix, "[]")
	switch {
	case clone.component == "":
		clone.component = prefix
	case !strings.Contains(clone.component, prefix):
		clone.component += ", " + prefix
	}
	return clone
}

// With merges metadata. The "trace" and "component" keys fill their
// dedicated entry fields instead.
func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	clone.metadata = cloneMetadata(c.metadata, metadata)
	if trace, ok := clone.metadata["trace"].(string); ok {
		clone.traceID = trace
		delete(clone.metadata, "trace")
	}
	if comp, ok := clone.metadata["component"].(string); ok {
		clone.component = comp
		delete(clone.metadata, "component")
	}
	return clone
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.level && level < LevelNone
}

func (c *jsonLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Severity:  severity(level),
		Message:   ansiColorStripper.ReplaceAllString(msg, ""),
		Trace:     c.traceID,
		Component: c.component,
		Timestamp: c.out.now(),
	}
	if len(c.metadata) > 0 {
		entry.Metadata = c.metadata
	}
	line := entry.String() + "\n"
	c.out.mutex.Lock()
	defer c.out.mutex.Unlock()
	io.WriteString(c.out.writer, line)
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, msg, args...)
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, msg, args...)
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, msg, args...)
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, msg, args...)
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	os.Exit(1)
}
