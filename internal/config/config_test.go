package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CSRF_ENFORCE", "")
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("SERVER_HOST", "")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("AUDIT_SINKS", "log, kafka,")
	t.Setenv("CLIENT_RECONNECT_BASE_DELAY", "250ms")

	cfg := LoadConfig()
	assert.Equal(t, "0.0.0.0:9090", cfg.GetServerAddress())
	assert.Equal(t, []string{"log", "kafka"}, cfg.Backends.AuditSinks)
	assert.True(t, cfg.HasAuditSink("KAFKA"))
	assert.False(t, cfg.HasAuditSink("clickhouse"))
	assert.Equal(t, 250*time.Millisecond, cfg.Client.ReconnectBaseDelay)
	assert.False(t, cfg.Security.CSRF.Enforce)
	assert.Same(t, cfg, Get())
}

func TestLoadConfig_ProductionEnforcesCSRF(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CSRF_ENFORCE", "")
	t.Setenv("ENVIRONMENT", "production")

	cfg := LoadConfig()
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.Security.CSRF.Enforce)

	t.Setenv("CSRF_ENFORCE", "false")
	assert.False(t, LoadConfig().Security.CSRF.Enforce)
}

func TestLoadConfig_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
backends:
  store: redis
  audit_sinks: [log, postgres]
`), 0o600))

	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("SERVER_HOST", "")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CONFIG_FILE", path)

	cfg := LoadConfig()
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Backends.Store)
	assert.True(t, cfg.HasAuditSink("postgres"))
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "fields absent from the overlay keep their env values")
}

func TestLoadConfig_BadOverlayIsIgnored(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Equal(t, 9090, LoadConfig().Server.Port)
}
