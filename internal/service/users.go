package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/anonscience/anonmirror/internal/errs"
	"github.com/anonscience/anonmirror/internal/model"
	"github.com/anonscience/anonmirror/internal/repository"
	"github.com/anonscience/anonmirror/internal/source"
)

// UserService manages accounts and their links to mirrored repositories.
type UserService struct {
	users    repository.UserStore
	repos    repository.RepoStore
	identity source.Identity
	log      *zap.Logger
}

// NewUserService constructs the user service.
func NewUserService(users repository.UserStore, repos repository.RepoStore, identity source.Identity, log *zap.Logger) *UserService {
	return &UserService{users: users, repos: repos, identity: identity, log: log}
}

// FindOrCreateByExternalID resolves the access token with the identity
// provider and loads or creates the matching account. New accounts get the
// centralized default policy. The token is persisted but never logged.
func (s *UserService) FindOrCreateByExternalID(ctx context.Context, src, accessToken string) (*model.User, error) {
	profile, err := s.identity.Resolve(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	u, created, err := s.users.FindOrCreate(ctx, &model.User{
		Username:      profile.Username,
		Source:        src,
		ExternalID:    profile.ExternalID,
		AccessToken:   profile.AccessToken,
		Photo:         profile.Photo,
		Emails:        profile.Emails,
		DefaultPolicy: model.DefaultPolicy(),
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("user created",
			zap.String("username", u.Username),
			zap.String("source", src))
	}
	return u, nil
}

// UpdatePolicy validates and stores a new default policy for the user.
func (s *UserService) UpdatePolicy(ctx context.Context, username string, policy model.Policy) error {
	if policy.Options.ExpirationMode == model.ExpireTimed && policy.ExpiresAt == nil {
		return fmt.Errorf("timed expiration without expiry instant: %w", errs.ErrConfiguration)
	}
	switch policy.Options.ExpirationMode {
	case model.ExpireNever, model.ExpireOnPush, model.ExpireTimed:
	default:
		return fmt.Errorf("unknown expiration mode %q: %w", policy.Options.ExpirationMode, errs.ErrConfiguration)
	}
	return s.users.UpdatePolicy(ctx, username, policy)
}

// AddRepository links an external id to the user's set; idempotent.
func (s *UserService) AddRepository(ctx context.Context, username, externalID string) error {
	return s.users.AddRepository(ctx, username, externalID)
}

// RemoveRepository unlinks an external id from the user's set; idempotent.
// The Repository record itself is untouched: anonymized links may outlive
// the registration.
func (s *UserService) RemoveRepository(ctx context.Context, username, externalID string) error {
	return s.users.RemoveRepository(ctx, username, externalID)
}

// SetEmailDefault delegates to the store's single-default transaction.
func (s *UserService) SetEmailDefault(ctx context.Context, username, email string) error {
	return s.users.SetEmailDefault(ctx, username, email)
}

// Disable marks the account disabled on an account removal request.
// Records are never physically deleted.
func (s *UserService) Disable(ctx context.Context, username string) error {
	return s.users.SetStatus(ctx, username, model.UserDisabled)
}

// ListRepositories resolves the user's registered set to live records.
// Repositories holds weak references with no cascade delete, so entries that
// no longer resolve are filtered out here rather than repaired in place.
func (s *UserService) ListRepositories(ctx context.Context, username, src string) ([]model.Repository, error) {
	u, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	out := make([]model.Repository, 0, len(u.Repositories))
	for _, externalID := range u.Repositories {
		repo, err := s.repos.FindByExternalID(ctx, src, externalID)
		if errors.Is(err, errs.ErrNotFound) {
			s.log.Debug("dangling repository reference",
				zap.String("username", username),
				zap.String("externalId", externalID))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *repo)
	}
	return out, nil
}
