package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3001", cfg.HTTP.Addr)
	assert.Equal(t, "fs", cfg.Storage.Backend)
	assert.Equal(t, "./data", cfg.Storage.Dir)
	assert.Equal(t, 2*time.Second, cfg.Sync.WriteDelay)
	assert.Equal(t, 10*time.Minute, cfg.Sync.HistoryInterval)
	assert.Equal(t, 50, cfg.Sync.HistoryCapacity)
	assert.Zero(t, cfg.Sync.IdleTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestFlagsAndEnvironment(t *testing.T) {
	t.Setenv("LIVELIST_SYNC_WRITE_DELAY", "500ms")
	t.Setenv("LIVELIST_HTTP_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Parse([]string{"--storage.backend=sqlite", "--http.addr=:9000"})
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.WriteDelay)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
}

func TestInvalidChoice(t *testing.T) {
	_, err := Parse([]string{"--storage.backend=s3"})
	assert.Error(t, err)
}
