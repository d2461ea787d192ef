package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE", "DATABASE_URL", "REDIS_ADDR", "AMQP_URL", "LOG_LEVEL", "LOG_FORMAT", "LOCK_EXPIRY", "INDEX_BUFFER_SIZE"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.LockExpiry)
	assert.Equal(t, 100, cfg.IndexBufferSize)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("STORE", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger?sslmode=disable")
	t.Setenv("LOCK_EXPIRY", "30s")
	t.Setenv("INDEX_BUFFER_SIZE", "not-a-number")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, 30*time.Second, cfg.LockExpiry)
	assert.Equal(t, 100, cfg.IndexBufferSize, "unparsable values fall back to the default")
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryError(t *testing.T) {
	cfg := &Config{
		Port:            "99999",
		LogLevel:        "loud",
		LogFormat:       "text",
		Store:           "postgres",
		AMQPURL:         "http://broker",
		AMQPExchange:    "acasinha",
		AMQPQueue:       "index_expenses",
		IndexBufferSize: 0,
		EventBufferSize: 10,
		ShutdownTimeout: time.Second,
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid port 99999")
	assert.Contains(t, msg, "invalid log level 'loud'")
	assert.Contains(t, msg, "DATABASE_URL is required")
	assert.Contains(t, msg, "invalid AMQP URL scheme 'http'")
	assert.Contains(t, msg, "invalid index buffer size 0")
}
