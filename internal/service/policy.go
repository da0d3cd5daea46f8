package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/anonscience/anonmirror/internal/errs"
	"github.com/anonscience/anonmirror/internal/model"
	"github.com/anonscience/anonmirror/internal/repository"
)

// PolicyResolver computes the effective anonymization policy for a
// (user, repository) pair. It is read-only: it consults the stores and
// never mutates them.
type PolicyResolver struct {
	overrides repository.OverrideStore
	clock     func() time.Time
}

// NewPolicyResolver constructs a resolver over the override store.
func NewPolicyResolver(overrides repository.OverrideStore) *PolicyResolver {
	return &PolicyResolver{overrides: overrides, clock: time.Now}
}

// Resolve starts from the user's default policy and applies the repository
// override when one exists. Present option fields replace the default; terms
// are unioned unless the override asks for replacement. A timed expiration
// without a resolvable expiry instant is a configuration error, never a
// silent fallback to never.
func (r *PolicyResolver) Resolve(ctx context.Context, user *model.User, repo *model.Repository) (model.Policy, error) {
	effective := user.DefaultPolicy
	effective.Terms = append([]string(nil), user.DefaultPolicy.Terms...)

	override, err := r.overrides.Get(ctx, user.Username, repo.Source, repo.ExternalID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		override = nil
	case err != nil:
		return model.Policy{}, err
	}

	if override != nil {
		applyOverride(&effective, override)
	}

	if effective.Options.ExpirationMode == model.ExpireTimed {
		if effective.ExpiresAt == nil {
			return model.Policy{}, fmt.Errorf("timed expiration without expiry instant: %w", errs.ErrConfiguration)
		}
	}
	return effective, nil
}

// Expired reports whether an effective policy has lapsed at resolution time.
func (r *PolicyResolver) Expired(policy model.Policy) bool {
	return policy.Options.ExpirationMode == model.ExpireTimed &&
		policy.ExpiresAt != nil && policy.ExpiresAt.Before(r.clock())
}

func applyOverride(p *model.Policy, o *model.PolicyOverride) {
	if o.ReplaceTerms {
		p.Terms = append([]string(nil), o.Terms...)
	} else if len(o.Terms) > 0 {
		p.Terms = unionTerms(p.Terms, o.Terms)
	}

	opts := o.Options
	if opts.ExpirationMode != nil {
		p.Options.ExpirationMode = *opts.ExpirationMode
	}
	if opts.Update != nil {
		p.Options.Update = *opts.Update
	}
	if opts.Image != nil {
		p.Options.Image = *opts.Image
	}
	if opts.PDF != nil {
		p.Options.PDF = *opts.PDF
	}
	if opts.Notebook != nil {
		p.Options.Notebook = *opts.Notebook
	}
	if opts.Link != nil {
		p.Options.Link = *opts.Link
	}
	if opts.Page != nil {
		p.Options.Page = *opts.Page
	}
	if o.ExpiresAt != nil {
		p.ExpiresAt = o.ExpiresAt
	}
}

func unionTerms(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
