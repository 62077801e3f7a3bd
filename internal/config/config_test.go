package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, QueueModeLocal, cfg.Queue.Mode)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 500, cfg.Jobs.BatchSize)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Jobs.Retention)
	assert.Equal(t, 15*time.Minute, cfg.Jobs.StaleAfter)
	assert.False(t, cfg.Jobs.AllOrNothing)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("QUEUE_MODE", "ASYNQ")
	t.Setenv("JOBS_BATCH_SIZE", "100")
	t.Setenv("JOBS_RETENTION", "30m")
	t.Setenv("QUEUE_CONCURRENCY", "0")
	t.Setenv("JOBS_STALE_AFTER", "5m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, QueueModeAsynq, cfg.Queue.Mode)
	assert.Equal(t, 100, cfg.Jobs.BatchSize)
	assert.Equal(t, 30*time.Minute, cfg.Jobs.Retention)
	assert.Equal(t, 5*time.Minute, cfg.Jobs.StaleAfter)
	assert.Equal(t, 1, cfg.Queue.Concurrency, "concurrency is clamped to at least one worker")
}

func TestLoad_SecretFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	secret := filepath.Join(dir, "dsn")
	require.NoError(t, os.WriteFile(secret, []byte("postgres://u:p@db:5432/jam\n"), 0o600))
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("DATABASE_DSN_FILE", secret)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/jam", cfg.Database.DSN)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains: it changes
// the working directory and restores it when the test finishes.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
