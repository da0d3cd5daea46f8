package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/anonscience/anonmirror/internal/errs"
	"github.com/anonscience/anonmirror/internal/model"
)

// OverrideStore implements repository.OverrideStore using PostgreSQL.
type OverrideStore struct{ db *DB }

// NewOverrideStore constructs a policy override store.
func NewOverrideStore(db *DB) *OverrideStore { return &OverrideStore{db: db} }

// Get returns the override for (username, source, externalID).
func (s *OverrideStore) Get(ctx context.Context, username, source, externalID string) (*model.PolicyOverride, error) {
	const q = `
SELECT username, source, external_id, replace_terms, terms, options, expires_at
FROM policy_overrides
WHERE username = $1 AND source = $2 AND external_id = $3`
	row := s.db.Pool.QueryRow(ctx, q, username, source, externalID)

	var (
		o       model.PolicyOverride
		terms   []byte
		options []byte
	)
	err := row.Scan(&o.Username, &o.Source, &o.ExternalID, &o.ReplaceTerms,
		&terms, &options, &o.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if len(terms) > 0 {
		if err := json.Unmarshal(terms, &o.Terms); err != nil {
			return nil, fmt.Errorf("decode terms: %w", err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &o.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	return &o, nil
}

// Put creates or replaces the override.
func (s *OverrideStore) Put(ctx context.Context, o *model.PolicyOverride) error {
	terms, err := json.Marshal(o.Terms)
	if err != nil {
		return err
	}
	options, err := json.Marshal(o.Options)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO policy_overrides
  (username, source, external_id, replace_terms, terms, options, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (username, source, external_id) DO UPDATE SET
  replace_terms = $4, terms = $5, options = $6, expires_at = $7`
	_, err = s.db.Pool.Exec(ctx, q, o.Username, o.Source, o.ExternalID,
		o.ReplaceTerms, terms, options, o.ExpiresAt)
	return err
}

// Delete removes the override; deleting an absent one is a no-op.
func (s *OverrideStore) Delete(ctx context.Context, username, source, externalID string) error {
	const q = `DELETE FROM policy_overrides WHERE username = $1 AND source = $2 AND external_id = $3`
	_, err := s.db.Pool.Exec(ctx, q, username, source, externalID)
	return err
}
