package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/aideator/aideator-sub000/internal/config"
)

func TestNew(t *testing.T) {
	for _, mode := range []string{"development", "production"} {
		t.Run(mode, func(t *testing.T) {
			log, err := New(mode, "debug")
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
			_ = log.Sync()
		})
	}

	_, err := New("loud", "info")
	assert.ErrorContains(t, err, "invalid logging mode")

	_, err = New("production", "chatty")
	assert.ErrorContains(t, err, "invalid logging level")
}

func TestNewFromConfigRespectsLevel(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Mode: "production", Level: "warn"}}
	log, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel), "info is below warn")
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}
