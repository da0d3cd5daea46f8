package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/anonscience/anonmirror/internal/errs"
	"github.com/anonscience/anonmirror/internal/model"
	"github.com/anonscience/anonmirror/internal/repository"
)

// Catalog is the read path handed to the serving layer. It maps repository
// lifecycle states onto the error taxonomy so callers can distinguish "does
// not exist" from "temporarily unavailable".
type Catalog struct {
	repos repository.RepoStore
}

// NewCatalog constructs the serving read path.
func NewCatalog(repos repository.RepoStore) *Catalog {
	return &Catalog{repos: repos}
}

// ByExternalID returns a servable repository record.
// Missing and removed records yield errs.ErrNotFound; records in error
// status yield errs.ErrSourceUnavailable with the recorded reason, so the
// serving layer reports "temporarily unavailable" rather than a 404.
func (c *Catalog) ByExternalID(ctx context.Context, src, externalID string) (*model.Repository, error) {
	repo, err := c.repos.FindByExternalID(ctx, src, externalID)
	if err != nil {
		return nil, err
	}
	return servable(repo)
}

// ByName returns servable records matching a name. Names are not unique
// across sources; unavailable records are skipped when a servable match
// exists. A name whose only matches are in error status yields
// errs.ErrSourceUnavailable with the recorded reason, never a not-found;
// only a name where every match is missing or removed yields errs.ErrNotFound.
func (c *Catalog) ByName(ctx context.Context, name string) ([]model.Repository, error) {
	all, err := c.repos.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]model.Repository, 0, len(all))
	var unavailable error
	for i := range all {
		repo, err := servable(&all[i])
		if err != nil {
			if errors.Is(err, errs.ErrSourceUnavailable) {
				unavailable = err
			}
			continue
		}
		out = append(out, *repo)
	}
	if len(out) == 0 {
		if unavailable != nil {
			return nil, unavailable
		}
		return nil, errs.ErrNotFound
	}
	return out, nil
}

func servable(repo *model.Repository) (*model.Repository, error) {
	switch repo.Status {
	case model.StatusRemoved:
		return nil, fmt.Errorf("repository removed: %w", errs.ErrNotFound)
	case model.StatusError:
		reason := repo.LastError
		if reason == "" {
			reason = "sync failed"
		}
		return nil, fmt.Errorf("%s: %w", reason, errs.ErrSourceUnavailable)
	default:
		// ready and syncing both serve; syncing still has the last good data.
		return repo, nil
	}
}
