package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestLoggerMethods(t *testing.T) {
	log := NewTestLogger()

	log.Trace("Trace message %d", 1)
	log.Debug("Debug message %d", 2)
	log.Info("Info message %d", 3)
	log.Warn("Warn message %d", 4)
	log.Error("Error message %d", 5)
	log.Fatal("Fatal message")

	logs := log.Logs()
	require.Len(t, logs, 6)
	assert.Equal(t, "TRACE", logs[0].Severity)
	assert.Equal(t, "Trace message %d", logs[0].Message)
	assert.Equal(t, []interface{}{1}, logs[0].Arguments)
	assert.Equal(t, "WARNING", logs[3].Severity)
	assert.Equal(t, "Warn message 4", logs[3].Formatted())
	assert.Equal(t, "FATAL", logs[5].Severity)
	assert.Equal(t, "Fatal message", logs[5].Formatted())
}

func TestTestLoggerSharedRecorder(t *testing.T) {
	log := NewTestLogger()
	child := log.With(map[string]interface{}{"component": "cache"}).WithPrefix("[x]")

	child.Warn("get %q failed", "key")
	assert.True(t, log.Contains("WARNING", `get "key" failed`))
	assert.True(t, log.Contains("", "failed"))
	assert.False(t, log.Contains("ERROR", "failed"))
	assert.Equal(t, map[string]interface{}{"component": "cache"}, log.Logs()[0].Metadata)
}

func TestTestLoggerConcurrent(t *testing.T) {
	log := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.Info("entry %d", i)
		}(i)
	}
	wg.Wait()
	assert.Len(t, log.Logs(), 10)
}
