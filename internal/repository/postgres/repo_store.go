package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anonscience/anonmirror/internal/errs"
	"github.com/anonscience/anonmirror/internal/model"
)

// RepoStore implements repository.RepoStore using PostgreSQL.
type RepoStore struct{ db *DB }

// NewRepoStore constructs a repository record store.
func NewRepoStore(db *DB) *RepoStore { return &RepoStore{db: db} }

const repoColumns = `id, source, external_id, name, url, status, size_kb,
default_branch, branches, has_page, page_source, COALESCE(last_error, ''),
date_of_entry, last_synced_at, updated_at`

// UpsertByExternalID creates the record with status syncing, or merges the
// present fields into the existing one. The unique index on
// (source, external_id) makes concurrent first ingestions converge on one row.
func (s *RepoStore) UpsertByExternalID(
	ctx context.Context, source, externalID string, fields model.RepoFields,
) (*model.Repository, error) {
	pageSource, err := marshalPageSource(fields.PageSource)
	if err != nil {
		return nil, err
	}

	const q = `
INSERT INTO repositories
  (source, external_id, name, url, status, size_kb, default_branch, branches,
   has_page, page_source, date_of_entry, last_synced_at, updated_at)
VALUES
  ($1, $2, COALESCE($3, ''), COALESCE($4, ''), 'syncing', COALESCE($5, 0),
   COALESCE($6, ''), '[]'::jsonb, COALESCE($7, false), $8, now(),
   COALESCE($9, 'epoch'), now())
ON CONFLICT (source, external_id) DO UPDATE SET
  name           = COALESCE($3, repositories.name),
  url            = COALESCE($4, repositories.url),
  size_kb        = COALESCE($5, repositories.size_kb),
  default_branch = COALESCE($6, repositories.default_branch),
  has_page       = COALESCE($7, repositories.has_page),
  page_source    = CASE WHEN $7 IS NULL THEN repositories.page_source ELSE $8 END,
  last_synced_at = COALESCE($9, repositories.last_synced_at),
  updated_at     = now()
RETURNING ` + repoColumns

	row := s.db.Pool.QueryRow(ctx, q,
		source, externalID, fields.Name, fields.URL, fields.SizeKB,
		fields.DefaultBranch, fields.HasPage, pageSource, fields.LastSyncedAt)
	return scanRepo(row)
}

// TransitionStatus performs the guarded compare-and-set on status.
func (s *RepoStore) TransitionStatus(
	ctx context.Context, source, externalID string,
	from []model.RepoStatus, to model.RepoStatus, reason string,
) error {
	fromSet := make([]string, len(from))
	for i, st := range from {
		fromSet[i] = string(st)
	}

	const q = `
UPDATE repositories
SET status = $3, last_error = NULLIF($4, ''), updated_at = now()
WHERE source = $1 AND external_id = $2 AND status = ANY($5)`
	tag, err := s.db.Pool.Exec(ctx, q, source, externalID, string(to), reason, fromSet)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish a missing record from a guard failure.
	const check = `SELECT status FROM repositories WHERE source = $1 AND external_id = $2`
	var current string
	if err := s.db.Pool.QueryRow(ctx, check, source, externalID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	return fmt.Errorf("status %q not in expected set: %w", current, errs.ErrConflict)
}

// ReplaceBranches atomically replaces the branch list. Duplicate names are a
// caller bug and rejected before the stored list is touched.
func (s *RepoStore) ReplaceBranches(
	ctx context.Context, source, externalID string, branches []model.Branch,
) error {
	seen := make(map[string]struct{}, len(branches))
	for _, b := range branches {
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("duplicate branch name %q: %w", b.Name, errs.ErrInvariant)
		}
		seen[b.Name] = struct{}{}
	}
	if branches == nil {
		branches = []model.Branch{}
	}
	buf, err := json.Marshal(branches)
	if err != nil {
		return err
	}

	const q = `
UPDATE repositories SET branches = $3, updated_at = now()
WHERE source = $1 AND external_id = $2`
	tag, err := s.db.Pool.Exec(ctx, q, source, externalID, buf)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// FindByExternalID selects one record by its stable identity.
func (s *RepoStore) FindByExternalID(ctx context.Context, source, externalID string) (*model.Repository, error) {
	q := `SELECT ` + repoColumns + ` FROM repositories WHERE source = $1 AND external_id = $2`
	repo, err := scanRepo(s.db.Pool.QueryRow(ctx, q, source, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return repo, err
}

// FindByName selects records by name; collisions across sources are possible.
func (s *RepoStore) FindByName(ctx context.Context, name string) ([]model.Repository, error) {
	q := `SELECT ` + repoColumns + ` FROM repositories WHERE name = $1 ORDER BY id`
	rows, err := s.db.Pool.Query(ctx, q, name)
	if err != nil {
		return nil, err
	}
	return collectRepos(rows)
}

// ListByStatus selects all records in a given status.
func (s *RepoStore) ListByStatus(ctx context.Context, status model.RepoStatus) ([]model.Repository, error) {
	q := `SELECT ` + repoColumns + ` FROM repositories WHERE status = $1 ORDER BY id`
	rows, err := s.db.Pool.Query(ctx, q, string(status))
	if err != nil {
		return nil, err
	}
	return collectRepos(rows)
}

// MarkStaleSyncing sweeps records stuck in syncing into error so a later
// pass can pick them up again.
func (s *RepoStore) MarkStaleSyncing(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `
UPDATE repositories
SET status = 'error', last_error = 'sync stalled', updated_at = now()
WHERE status = 'syncing' AND updated_at < now() - $1::interval`
	tag, err := s.db.Pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func marshalPageSource(ps *model.PageSource) ([]byte, error) {
	if ps == nil {
		return nil, nil
	}
	return json.Marshal(ps)
}

func scanRepo(row pgx.Row) (*model.Repository, error) {
	var (
		r          model.Repository
		branches   []byte
		pageSource []byte
	)
	err := row.Scan(&r.ID, &r.Source, &r.ExternalID, &r.Name, &r.URL,
		&r.Status, &r.SizeKB, &r.DefaultBranch, &branches, &r.HasPage,
		&pageSource, &r.LastError, &r.DateOfEntry, &r.LastSyncedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(branches) > 0 {
		if err := json.Unmarshal(branches, &r.Branches); err != nil {
			return nil, fmt.Errorf("decode branches: %w", err)
		}
	}
	if len(pageSource) > 0 {
		var ps model.PageSource
		if err := json.Unmarshal(pageSource, &ps); err != nil {
			return nil, fmt.Errorf("decode page source: %w", err)
		}
		r.PageSource = &ps
	}
	return &r, nil
}

func collectRepos(rows pgx.Rows) ([]model.Repository, error) {
	defer rows.Close()
	var out []model.Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
