// Package quota implements the size limits applied during ingestion.
package quota

import (
	"fmt"

	"github.com/anonscience/anonmirror/internal/errs"
)

// Guard is a pure predicate over the two configured thresholds. Limits are
// applied at ingestion time only, never retroactively to stored records.
type Guard struct {
	maxFileBytes int64
	maxRepoKB    int64
}

// NewGuard constructs a Guard with limits in bytes (files) and kilobytes (repos).
func NewGuard(maxFileBytes, maxRepoKB int64) *Guard {
	return &Guard{maxFileBytes: maxFileBytes, maxRepoKB: maxRepoKB}
}

// CheckFile accepts files up to and including the configured byte limit.
func (g *Guard) CheckFile(sizeBytes int64) error {
	if sizeBytes > g.maxFileBytes {
		return fmt.Errorf("file size %d bytes exceeds limit %d: %w", sizeBytes, g.maxFileBytes, errs.ErrQuotaExceeded)
	}
	return nil
}

// CheckRepo accepts repositories up to and including the configured kilobyte limit.
func (g *Guard) CheckRepo(sizeKB int64) error {
	if sizeKB > g.maxRepoKB {
		return fmt.Errorf("repository size %d kb exceeds limit %d: %w", sizeKB, g.maxRepoKB, errs.ErrQuotaExceeded)
	}
	return nil
}
