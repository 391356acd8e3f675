package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		text string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"WARNING", WarnLevel},
		{"error", ErrorLevel},
		{"silent", SilentLevel},
		{"SILENT", SilentLevel},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := ParseLevel(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewLeveled(t *testing.T) {
	l, err := NewLeveled(SilentLevel)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(FatalLevel))

	l, err = NewLeveled(WarnLevel)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(InfoLevel))
	assert.True(t, l.Core().Enabled(ErrorLevel))

	_, err = NewLeveled(InvalidLevel)
	assert.Error(t, err)
}

func TestGlobalLogger(t *testing.T) {
	prev := L()
	t.Cleanup(func() { SetLogger(prev) })

	core, logs := observer.New(DebugLevel)
	SetLogger(zap.New(core))

	Debugf("[NETIF] %d frames", 3)
	Warnf("[PUMP] stopped")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "[NETIF] 3 frames", entries[0].Message)
	assert.Equal(t, WarnLevel, entries[1].Level)
}
