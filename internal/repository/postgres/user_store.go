package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/anonscience/anonmirror/internal/errs"
	"github.com/anonscience/anonmirror/internal/model"
)

// UserStore implements repository.UserStore using PostgreSQL.
type UserStore struct{ db *DB }

// NewUserStore constructs a user policy store.
func NewUserStore(db *DB) *UserStore { return &UserStore{db: db} }

const userColumns = `id, username, source, external_id, access_token, photo,
emails, repositories, default_policy, status, date_of_entry`

// FindOrCreate looks the user up by (source, external id), creating it with
// the centralized default policy if absent. On a hit the token, photo and
// emails are refreshed from the identity provider's view.
func (s *UserStore) FindOrCreate(ctx context.Context, u *model.User) (*model.User, bool, error) {
	emails, err := marshalEmails(u.Emails)
	if err != nil {
		return nil, false, err
	}

	const sel = `SELECT ` + userColumns + ` FROM users WHERE source = $1 AND external_id = $2`
	_, err = scanUser(s.db.Pool.QueryRow(ctx, sel, u.Source, u.ExternalID))
	switch {
	case err == nil:
		const upd = `
UPDATE users SET access_token = $3, photo = $4, emails = $5
WHERE source = $1 AND external_id = $2
RETURNING ` + userColumns
		refreshed, err := scanUser(s.db.Pool.QueryRow(ctx, upd,
			u.Source, u.ExternalID, u.AccessToken, u.Photo, emails))
		if err != nil {
			return nil, false, err
		}
		return refreshed, false, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	default:
		return nil, false, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, false, err
	}
	policy := u.DefaultPolicy
	if policy.Options.ExpirationMode == "" {
		policy = model.DefaultPolicy()
	}
	policyBuf, err := json.Marshal(policy)
	if err != nil {
		return nil, false, err
	}

	// ON CONFLICT absorbs the race with a concurrent first authentication.
	// xmax is zero only on a freshly inserted row, so it tells an insert
	// apart from a conflict that resolved through the update.
	const ins = `
INSERT INTO users
  (id, username, source, external_id, access_token, photo, emails,
   repositories, default_policy, status, date_of_entry)
VALUES ($1, $2, $3, $4, $5, $6, $7, '{}', $8, 'active', now())
ON CONFLICT (source, external_id) DO UPDATE SET
  access_token = $5, photo = $6, emails = $7
RETURNING ` + userColumns + `, (xmax = 0)`
	var created bool
	inserted, err := scanUser(s.db.Pool.QueryRow(ctx, ins,
		id, u.Username, u.Source, u.ExternalID, u.AccessToken, u.Photo,
		emails, policyBuf), &created)
	if err != nil {
		return nil, false, err
	}
	return inserted, created, nil
}

// FindByUsername selects a user by its unique username.
func (s *UserStore) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	u, err := scanUser(s.db.Pool.QueryRow(ctx, q, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return u, err
}

// UpdatePolicy replaces the user's default anonymization policy.
func (s *UserStore) UpdatePolicy(ctx context.Context, username string, policy model.Policy) error {
	buf, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	const q = `UPDATE users SET default_policy = $2 WHERE username = $1`
	tag, err := s.db.Pool.Exec(ctx, q, username, buf)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// AddRepository registers an external id; adding a present id is a no-op.
func (s *UserStore) AddRepository(ctx context.Context, username, externalID string) error {
	const q = `
UPDATE users
SET repositories = CASE
  WHEN $2 = ANY(repositories) THEN repositories
  ELSE array_append(repositories, $2)
END
WHERE username = $1`
	tag, err := s.db.Pool.Exec(ctx, q, username, externalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// RemoveRepository deregisters an external id; removing an absent id is a no-op.
func (s *UserStore) RemoveRepository(ctx context.Context, username, externalID string) error {
	const q = `UPDATE users SET repositories = array_remove(repositories, $2) WHERE username = $1`
	tag, err := s.db.Pool.Exec(ctx, q, username, externalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetEmailDefault marks one address as the single default. The previous
// default is cleared in the same transaction.
func (s *UserStore) SetEmailDefault(ctx context.Context, username, email string) (err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT emails FROM users WHERE username = $1 FOR UPDATE`
	var buf []byte
	if err = tx.QueryRow(ctx, sel, username).Scan(&buf); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	var emails []model.Email
	if len(buf) > 0 {
		if err = json.Unmarshal(buf, &emails); err != nil {
			return fmt.Errorf("decode emails: %w", err)
		}
	}

	found := false
	for i := range emails {
		emails[i].IsDefault = emails[i].Email == email
		found = found || emails[i].IsDefault
	}
	if !found {
		return fmt.Errorf("email %q not registered: %w", email, errs.ErrNotFound)
	}

	out, err := json.Marshal(emails)
	if err != nil {
		return err
	}
	const upd = `UPDATE users SET emails = $2 WHERE username = $1`
	_, err = tx.Exec(ctx, upd, username, out)
	return err
}

// SetStatus activates or disables the account.
func (s *UserStore) SetStatus(ctx context.Context, username string, status model.UserStatus) error {
	const q = `UPDATE users SET status = $2 WHERE username = $1`
	tag, err := s.db.Pool.Exec(ctx, q, username, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func marshalEmails(emails []model.Email) ([]byte, error) {
	if emails == nil {
		emails = []model.Email{}
	}
	return json.Marshal(emails)
}

// scanUser decodes one user row; extra receives trailing columns beyond
// userColumns when the query selects any.
func scanUser(row pgx.Row, extra ...any) (*model.User, error) {
	var (
		u      model.User
		emails []byte
		policy []byte
	)
	dest := []any{&u.ID, &u.Username, &u.Source, &u.ExternalID,
		&u.AccessToken, &u.Photo, &emails, &u.Repositories, &policy,
		&u.Status, &u.DateOfEntry}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if len(emails) > 0 {
		if err := json.Unmarshal(emails, &u.Emails); err != nil {
			return nil, fmt.Errorf("decode emails: %w", err)
		}
	}
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &u.DefaultPolicy); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
	}
	return &u, nil
}
