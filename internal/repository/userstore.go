package repository

import (
	"context"

	"github.com/anonscience/anonmirror/internal/model"
)

// UserStore provides persistence for user accounts and their anonymization
// policies. Access tokens are write-only from the store's perspective: they
// are returned on single-record lookups but excluded from list projections.
type UserStore interface {
	// FindOrCreate looks up the user by (source, external id), creating it
	// if absent. On a hit the access token, photo and emails are refreshed
	// from the supplied record. Reports whether a new record was created.
	FindOrCreate(ctx context.Context, u *model.User) (*model.User, bool, error)

	// FindByUsername loads a user by its unique username.
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// UpdatePolicy replaces the user's default anonymization policy.
	UpdatePolicy(ctx context.Context, username string, policy model.Policy) error

	// AddRepository registers an external id with set semantics: adding a
	// present id is a no-op, not an error.
	AddRepository(ctx context.Context, username, externalID string) error

	// RemoveRepository deregisters an external id; removing an absent id is
	// a no-op.
	RemoveRepository(ctx context.Context, username, externalID string) error

	// SetEmailDefault marks the given address as the single default,
	// clearing any previous default in the same transaction. An address the
	// user does not have yields errs.ErrNotFound.
	SetEmailDefault(ctx context.Context, username, email string) error

	// SetStatus activates or disables the account. Accounts are disabled,
	// never deleted.
	SetStatus(ctx context.Context, username string, status model.UserStatus) error
}

// OverrideStore persists optional per-(user, repository) policy overrides.
type OverrideStore interface {
	// Get returns the override, or errs.ErrNotFound when none exists.
	Get(ctx context.Context, username, source, externalID string) (*model.PolicyOverride, error)

	// Put creates or replaces the override.
	Put(ctx context.Context, o *model.PolicyOverride) error

	// Delete removes the override; deleting an absent one is a no-op.
	Delete(ctx context.Context, username, source, externalID string) error
}
