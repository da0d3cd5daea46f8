// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/anonscience/anonmirror/internal/model"
)

// RepoStore provides persistence for mirrored Repository records. All
// mutation of repository rows goes through these operations; they are the
// transaction boundary.
type RepoStore interface {
	// UpsertByExternalID creates the record if absent (status syncing) or
	// merges the present fields into the existing one. Safe under concurrent
	// callers for the same (source, externalID): the unique index resolves a
	// duplicate first ingestion into an update.
	UpsertByExternalID(ctx context.Context, source, externalID string, fields model.RepoFields) (*model.Repository, error)

	// TransitionStatus moves the record to `to` only if its current status
	// is in `from`; otherwise it returns errs.ErrConflict and leaves the row
	// unchanged. A non-empty reason is recorded (and cleared again on the
	// next successful transition).
	TransitionStatus(ctx context.Context, source, externalID string, from []model.RepoStatus, to model.RepoStatus, reason string) error

	// ReplaceBranches atomically replaces the branch list. A duplicate
	// branch name is rejected with errs.ErrInvariant before storage is touched.
	ReplaceBranches(ctx context.Context, source, externalID string, branches []model.Branch) error

	// FindByExternalID loads one record by its stable identity.
	FindByExternalID(ctx context.Context, source, externalID string) (*model.Repository, error)

	// FindByName loads records by name. Names may collide across sources.
	FindByName(ctx context.Context, name string) ([]model.Repository, error)

	// ListByStatus returns all records currently in the given status.
	ListByStatus(ctx context.Context, status model.RepoStatus) ([]model.Repository, error)

	// MarkStaleSyncing transitions records stuck in syncing for longer than
	// olderThan to error, returning how many were swept.
	MarkStaleSyncing(ctx context.Context, olderThan time.Duration) (int64, error)
}
