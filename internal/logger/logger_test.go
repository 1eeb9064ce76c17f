package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	testCases := []struct {
		name    string
		level   string
		format  string
		enabled zapcore.Level
	}{
		{"json info", "info", "json", zapcore.InfoLevel},
		{"console debug", "debug", "console", zapcore.DebugLevel},
		{"default format", "warn", "", zapcore.WarnLevel},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			log, err := NewLogger(tc.level, tc.format)
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tc.enabled))
			assert.False(t, log.Core().Enabled(tc.enabled-1))
		})
	}
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger("loud", "json")
	assert.Error(t, err)

	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}
