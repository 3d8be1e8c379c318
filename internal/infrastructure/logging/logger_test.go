package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		enabled zapcore.Level
	}{
		{"default", DefaultConfig(), false, zapcore.InfoLevel},
		{"development", DevelopmentConfig(), false, zapcore.DebugLevel},
		{"bad level", Config{Level: "loud"}, true, zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.enabled))
		})
	}
}

func TestFromSettingsFallsBack(t *testing.T) {
	logger := FromSettings("not-a-level", false)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	warn := FromSettings("warn", false)
	assert.False(t, warn.Core().Enabled(zapcore.InfoLevel))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}

func TestJSONEncoderConfig(t *testing.T) {
	cfg := JSONEncoderConfig()
	assert.Equal(t, "timestamp", cfg.TimeKey)
	assert.Equal(t, "message", cfg.MessageKey)
}

func TestServiceAndComponent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := &Logger{Logger: zap.New(core)}

	assert.Same(t, base, base.ForService(""))

	base.ForService("gateway").Component("proxy").Info("routed")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "proxy", entry.LoggerName)
	assert.Equal(t, "gateway", entry.ContextMap()["service"])
}
