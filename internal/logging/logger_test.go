package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelWarn, FormatJSON)
	l.SetOutput(&buf)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0].Level)
	assert.Equal(t, "error", entries[1].Level)
	assert.NotEmpty(t, entries[1].Caller)
}

func TestLogger_WithJobDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(LevelInfo, FormatJSON)
	parent.SetOutput(&buf)

	child := parent.WithJob("q-1", "s-1").WithError(errors.New("boom"))
	child.Info("in child")
	parent.Info("in parent")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "q-1", entries[0].Fields[FieldQueueID])
	assert.Equal(t, "s-1", entries[0].Fields[FieldScanID])
	assert.Equal(t, "boom", entries[0].Fields["error"])
	assert.Empty(t, entries[1].Fields)
}

func TestLogger_WithJobOmitsEmptyScan(t *testing.T) {
	l := NewLogger(LevelInfo, FormatJSON).WithJob("q-1", "")
	_, ok := l.fields[FieldScanID]
	assert.False(t, ok)
}

func TestLogger_ConcurrentChildrenWriteWholeLines(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(LevelInfo, FormatJSON)
	root.SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			root.WithField(FieldChunk, i).Info("chunk done")
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, &buf), 20)
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelInfo, FormatText)
	l.SetOutput(&buf)
	l.WithField(FieldModelID, "gpt-4o").Infof("calls=%d", 3)

	out := buf.String()
	assert.Contains(t, out, "info: calls=3")
	assert.Contains(t, out, `"modelId":"gpt-4o"`)
}

func TestFromContext(t *testing.T) {
	l := NewLogger(LevelDebug, FormatJSON).WithComponent("worker")
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.in))
		})
	}
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat("xml"))
}
