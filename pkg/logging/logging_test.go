package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewSelectsLevelPerEnvironment(t *testing.T) {
	tests := []struct {
		env   string
		level string
		debug bool
	}{
		{"development", "debug", true},
		{"production", "info", false},
		{"staging", "warn", false},
		{"", "debug", true},
	}
	for _, tt := range tests {
		t.Run(tt.env+"/"+tt.level, func(t *testing.T) {
			logger, err := New("evaluation", tt.env, tt.level)
			require.NoError(t, err)
			assert.Equal(t, tt.debug, logger.Core().Enabled(zapcore.DebugLevel))
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("audit", "production", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
	assert.Equal(t, "correlation_id", CorrelationID("c").Key)
	assert.Equal(t, "policy", Policy("p").Key)
}
