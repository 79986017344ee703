package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingosync-go/internal/config"
)

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	logger, err := NewLogger(&config.LoggingConfig{
		Level:  "debug",
		Format: "json",
		Output: "file",
		File:   config.FileConfig{Path: path, MaxSize: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	WithContext(logger, "u1", "translate").Info("served")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"user_id":"u1"`)
	assert.Contains(t, string(data), `"operation":"translate"`)
	assert.Contains(t, string(data), `"message":"served"`)
}

func TestNewLoggerRejectsBadConfig(t *testing.T) {
	_, err := NewLogger(&config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(&config.LoggingConfig{Output: "file"})
	assert.Error(t, err)

	logger, err := NewLogger(&config.LoggingConfig{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
