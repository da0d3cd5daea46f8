package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, int64(100*1024*1024), cfg.MaxFileSize)
	require.Equal(t, int64(60000), cfg.MaxRepoSize)
	require.Equal(t, 5, cfg.SyncWorkers)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("MAX_REPO_SIZE", "8192")
	t.Setenv("MAX_FILE_SIZE", "1024")
	t.Setenv("SYNC_WORKERS", "2")
	t.Setenv("SYNC_RETRY_BASE", "250ms")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, int64(8192), cfg.MaxRepoSize)
	require.Equal(t, int64(1024), cfg.MaxFileSize)
	require.Equal(t, 2, cfg.SyncWorkers)
	require.Equal(t, 250*time.Millisecond, cfg.SyncRetryBase)
}

func TestFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("MAX_REPO_SIZE", "lots")
	_, err := FromEnv()
	require.Error(t, err)
}
