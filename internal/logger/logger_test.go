package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.WarnLevel},
		{"default", zapcore.WarnLevel},
		{"INFO", zapcore.InfoLevel},
		{" debug ", zapcore.DebugLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	prev := Level()
	defer level.SetLevel(prev)

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, Level())
	assert.True(t, Named("test").Desugar().Core().Enabled(zapcore.DebugLevel))

	require.Error(t, SetLevel("nope"))
	assert.Equal(t, zapcore.DebugLevel, Level())
}

func TestNopDiscards(t *testing.T) {
	require.NoError(t, SetLevel("debug"))
	defer SetLevel("warn") //nolint:errcheck
	assert.False(t, Nop().Desugar().Core().Enabled(zapcore.ErrorLevel))
}
