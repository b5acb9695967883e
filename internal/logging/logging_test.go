package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevenLi8888/simple-load-balancer/internal/config"
)

func TestNewBuildsStdoutOnlyLoggerByDefault(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("hello")
}

func TestNewAddsFileSinkWhenConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lb.log")
	logger, err := New(config.LoggingConfig{Level: "debug", File: path})
	require.NoError(t, err)
	logger.Debug("hits the file sink too")
	require.NoError(t, logger.Sync())

	assert.FileExists(t, path)
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "not-a-level"})
	assert.Error(t, err)
}
