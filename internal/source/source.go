// Package source defines the external collaborator interfaces consumed by
// the synchronization engine and the user service.
package source

import (
	"context"

	"github.com/anonscience/anonmirror/internal/model"
)

// Meta is the repository-level metadata reported by the external source.
type Meta struct {
	FullName      string
	URL           string
	SizeKB        int64
	DefaultBranch string
}

// BranchRef is one branch head as reported by the external source.
type BranchRef struct {
	Name   string
	Commit string
}

// PageConfig reports whether and where the source hosts pages for a repository.
type PageConfig struct {
	HasPage bool
	Branch  string
	Path    string
}

// FileContent is a fetched file with its declared size. Data may be nil when
// the caller only needs the size.
type FileContent struct {
	Size int64
	Data []byte
}

// Source mirrors one external code-hosting service.
//
// Implementations classify failures through the errs sentinels:
// errs.ErrSourceGone for a repository the source no longer reports,
// errs.ErrSourceUnavailable for transient failures worth retrying, and
// errs.ErrNotFound for a missing file within an existing repository.
type Source interface {
	// GetRepoMeta fetches size, default branch and naming for a repository.
	GetRepoMeta(ctx context.Context, externalID string) (Meta, error)

	// ListBranches fetches the full branch list with latest commits.
	ListBranches(ctx context.Context, externalID string) ([]BranchRef, error)

	// GetFile fetches one file from a branch.
	GetFile(ctx context.Context, externalID, branch, path string) (FileContent, error)

	// GetPageConfig fetches page-hosting metadata.
	GetPageConfig(ctx context.Context, externalID string) (PageConfig, error)
}

// Profile is an external identity resolved from an access token.
type Profile struct {
	Username    string
	ExternalID  string
	AccessToken string
	Photo       string
	Emails      []model.Email
}

// Identity resolves an OAuth access token to the provider's view of the user.
type Identity interface {
	Resolve(ctx context.Context, accessToken string) (Profile, error)
}
