package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsoleLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLoggerWithWriter(&buf, LevelWarn)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown %d", 1)
	log.Error("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN ] shown 1")
	assert.Contains(t, out, "[ERROR] shown 2")
	assert.Equal(t, 2, strings.Count(out, "\n"))
	assert.NotContains(t, out, "\033[", "no colors when not a terminal")
}

func TestConsoleLoggerPrefixAndMetadata(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLoggerWithWriter(&buf, LevelTrace).
		WithPrefix("[cache]").
		WithPrefix("[cache]").
		With(map[string]interface{}{"store": "redis"})

	log.Info("created")
	out := buf.String()
	assert.Contains(t, out, "[cache] created")
	assert.Equal(t, 1, strings.Count(out, "[cache]"))
	assert.Contains(t, out, `{"store":"redis"}`)
}

func TestConsoleLoggerWithDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	root := NewConsoleLoggerWithWriter(&buf, LevelInfo)
	_ = root.With(map[string]interface{}{"child": true})

	root.Info("root")
	assert.NotContains(t, buf.String(), "child")
}

func TestConsoleLoggerIsLevelEnabled(t *testing.T) {
	log := NewConsoleLoggerWithWriter(&bytes.Buffer{}, LevelInfo)
	assert.False(t, log.IsLevelEnabled(LevelDebug))
	assert.True(t, log.IsLevelEnabled(LevelInfo))
	assert.True(t, log.IsLevelEnabled(LevelError))
	assert.False(t, log.IsLevelEnabled(LevelNone))
}
