package logger

import (
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"testing"
)

func TestConfigureInvalidLevel(t *testing.T) {
	cfg := &Config{Format: "console", Level: "wibble"}
	err := cfg.Configure()
	require.Error(t, err)
}

func TestConfigureInvalidFormat(t *testing.T) {
	cfg := &Config{Format: "xml", Level: "info"}
	err := cfg.Configure()
	require.Error(t, err)
	require.Equal(t, "log-format must be one of 'console' or 'json'", err.Error())
}

func TestConfigureValid(t *testing.T) {
	defer Initialise(zapcore.InfoLevel, "console")
	for _, format := range []string{"console", "json"} {
		for _, level := range []string{"debug", "info", "warn", "error"} {
			cfg := &Config{Format: format, Level: level}
			require.NoError(t, cfg.Configure())
		}
	}
}

func TestDebugEnabledTracksLevel(t *testing.T) {
	defer Initialise(zapcore.InfoLevel, "console")

	Initialise(zapcore.DebugLevel, "console")
	require.True(t, DebugEnabled)

	Initialise(zapcore.InfoLevel, "console")
	require.False(t, DebugEnabled)
}

func TestCreateLogger(t *testing.T) {
	l := CreateLogger(zapcore.WarnLevel, "json")
	require.NotNil(t, l)
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Core().Enabled(zapcore.ErrorLevel))
}

func TestSyncAfterReinitialise(t *testing.T) {
	defer Initialise(zapcore.InfoLevel, "console")

	// The binaries call Sync on their way out, it must be safe at any point
	// in the logger's life including repeated calls
	Sync()
	Initialise(zapcore.DebugLevel, "json")
	Debugf("draining %d", 1)
	Sync()
	Sync()
}
