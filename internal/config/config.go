// Package config loads process-wide configuration once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is an immutable value object passed to component constructors.
// Nothing reads the environment after FromEnv returns.
type Config struct {
	// MaxFileSize is the largest fetched file accepted, in bytes.
	MaxFileSize int64
	// MaxRepoSize is the largest repository accepted, in kilobytes.
	MaxRepoSize int64

	// SyncWorkers bounds concurrent sync passes across repositories.
	SyncWorkers int
	// SyncRetries bounds retries of a transient source failure within one pass.
	SyncRetries int
	// SyncRetryBase is the base delay of the exponential backoff.
	SyncRetryBase time.Duration
	// SyncStaleAfter is how long a record may stay `syncing` before the
	// sweeper marks it error so it becomes re-syncable.
	SyncStaleAfter time.Duration
	// ResyncInterval is the period between scheduled refreshes of ready repos.
	ResyncInterval time.Duration

	// GitHubToken authenticates source fetches when set.
	GitHubToken string
}

// Defaults mirror the upstream product limits (100MB files, 60MB repos).
const (
	defaultMaxFileSize    = 100 * 1024 * 1024
	defaultMaxRepoSize    = 60000
	defaultSyncWorkers    = 5
	defaultSyncRetries    = 3
	defaultSyncRetryBase  = 500 * time.Millisecond
	defaultSyncStaleAfter = 30 * time.Minute
	defaultResyncInterval = 6 * time.Hour
)

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		MaxFileSize:    defaultMaxFileSize,
		MaxRepoSize:    defaultMaxRepoSize,
		SyncWorkers:    defaultSyncWorkers,
		SyncRetries:    defaultSyncRetries,
		SyncRetryBase:  defaultSyncRetryBase,
		SyncStaleAfter: defaultSyncStaleAfter,
		ResyncInterval: defaultResyncInterval,
		GitHubToken:    os.Getenv("GITHUB_TOKEN"),
	}

	var err error
	if cfg.MaxFileSize, err = envInt64("MAX_FILE_SIZE", cfg.MaxFileSize); err != nil {
		return Config{}, err
	}
	if cfg.MaxRepoSize, err = envInt64("MAX_REPO_SIZE", cfg.MaxRepoSize); err != nil {
		return Config{}, err
	}
	workers, err := envInt64("SYNC_WORKERS", int64(cfg.SyncWorkers))
	if err != nil {
		return Config{}, err
	}
	cfg.SyncWorkers = int(workers)
	retries, err := envInt64("SYNC_RETRIES", int64(cfg.SyncRetries))
	if err != nil {
		return Config{}, err
	}
	cfg.SyncRetries = int(retries)
	if cfg.SyncRetryBase, err = envDuration("SYNC_RETRY_BASE", cfg.SyncRetryBase); err != nil {
		return Config{}, err
	}
	if cfg.SyncStaleAfter, err = envDuration("SYNC_STALE_AFTER", cfg.SyncStaleAfter); err != nil {
		return Config{}, err
	}
	if cfg.ResyncInterval, err = envDuration("RESYNC_INTERVAL", cfg.ResyncInterval); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envInt64(name string, def int64) (int64, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}
