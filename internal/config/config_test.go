package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "*", cfg.CORSAllowedOrigin)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, int32(10), cfg.DatabaseMaxConns)
	assert.True(t, cfg.MigrateOnStart)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, "friendsbets", cfg.NATSSubjectPrefix)
	assert.Equal(t, "json", cfg.LogFormat)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/friendsbets")
	t.Setenv("DATABASE_MAX_CONNS", "25")
	t.Setenv("MIGRATE_ON_START", "false")
	t.Setenv("CACHE_TTL", "2m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "postgres://localhost/friendsbets", cfg.DatabaseURL)
	assert.Equal(t, int32(25), cfg.DatabaseMaxConns)
	assert.False(t, cfg.MigrateOnStart)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, "text", cfg.LogFormat)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":7070\"\nnats_subject_prefix: bets\nredis_url: redis://cache:6379/0\n"), 0o600))
	t.Setenv("NATS_SUBJECT_PREFIX", "override")

	cfg, err := load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, "override", cfg.NATSSubjectPrefix)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad level", "LOG_LEVEL", "loud"},
		{"bad format", "LOG_FORMAT", "xml"},
		{"zero conns", "DATABASE_MAX_CONNS", "0"},
		{"zero ttl", "CACHE_TTL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := load("")
			assert.Error(t, err)
		})
	}
}
