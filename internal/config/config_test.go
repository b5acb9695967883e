package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaultsForMissingKeys(t *testing.T) {
	path := writeTempConfig(t, `
mongodb:
  host: db.example.net
  name: lb
  username: root
  password: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIPort, cfg.API.Port)
	assert.Equal(t, DefaultLBPort, cfg.LB.Port)
	assert.Equal(t, 30*time.Second, cfg.LB.Timeout.AsDuration())
	assert.Equal(t, 5*time.Second, cfg.HealthCheck.Interval.AsDuration())
	assert.Equal(t, 3, cfg.HealthCheck.Retries)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "db.example.net", cfg.MongoDB.Host)
}

func TestLoadParsesDurationStrings(t *testing.T) {
	path := writeTempConfig(t, `
lb:
  timeout: 45s
health_check:
  interval: 1m30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.LB.Timeout.AsDuration())
	assert.Equal(t, 90*time.Second, cfg.HealthCheck.Interval.AsDuration())
}

func TestLoadParsesDurationAsPlainSeconds(t *testing.T) {
	path := writeTempConfig(t, `
lb:
  timeout: 15
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.LB.Timeout.AsDuration())
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAMLReturnsError(t *testing.T) {
	path := writeTempConfig(t, "not: [valid: yaml")
	_, err := Load(path)
	assert.Error(t, err)
}
