// Package github implements the source collaborators against the GitHub API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/anonscience/anonmirror/internal/errs"
	"github.com/anonscience/anonmirror/internal/source"
)

// Client implements source.Source for repositories identified by their
// numeric GitHub repository id.
type Client struct {
	gh *github.Client

	mu    sync.Mutex
	names map[int64]ownerRepo // id -> owner/name, stable for a repo's lifetime
}

type ownerRepo struct {
	owner string
	repo  string
}

// NewClient constructs a GitHub source client. An empty token yields an
// unauthenticated client with the lower rate limit.
func NewClient(token string) *Client {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(context.Background(), ts)
	}
	return &Client{gh: github.NewClient(hc), names: make(map[int64]ownerRepo)}
}

// GetRepoMeta fetches repository-level metadata by id.
func (c *Client) GetRepoMeta(ctx context.Context, externalID string) (source.Meta, error) {
	id, err := parseID(externalID)
	if err != nil {
		return source.Meta{}, err
	}
	repo, _, err := c.gh.Repositories.GetByID(ctx, id)
	if err != nil {
		return source.Meta{}, classify(err)
	}
	c.remember(id, repo.GetOwner().GetLogin(), repo.GetName())
	return source.Meta{
		FullName:      repo.GetFullName(),
		URL:           repo.GetHTMLURL(),
		SizeKB:        int64(repo.GetSize()),
		DefaultBranch: repo.GetDefaultBranch(),
	}, nil
}

// ListBranches fetches all branch heads, paginating at the API maximum.
func (c *Client) ListBranches(ctx context.Context, externalID string) ([]source.BranchRef, error) {
	owner, repo, err := c.resolve(ctx, externalID)
	if err != nil {
		return nil, err
	}

	var out []source.BranchRef
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		branches, resp, err := c.gh.Repositories.ListBranches(ctx, owner, repo, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, b := range branches {
			out = append(out, source.BranchRef{
				Name:   b.GetName(),
				Commit: b.GetCommit().GetSHA(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetFile fetches one file's content and declared size from a branch.
func (c *Client) GetFile(ctx context.Context, externalID, branch, path string) (source.FileContent, error) {
	owner, repo, err := c.resolve(ctx, externalID)
	if err != nil {
		return source.FileContent{}, err
	}

	fc, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path,
		&github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return source.FileContent{}, classifyFile(err)
	}
	if fc == nil {
		return source.FileContent{}, fmt.Errorf("%s is not a file: %w", path, errs.ErrNotFound)
	}

	out := source.FileContent{Size: int64(fc.GetSize())}
	// Content is inlined only for small files; callers that rejected the
	// size never look at Data.
	if content, err := fc.GetContent(); err == nil {
		out.Data = []byte(content)
	}
	return out, nil
}

// GetPageConfig fetches GitHub Pages metadata. Repositories without pages
// report HasPage=false rather than an error.
func (c *Client) GetPageConfig(ctx context.Context, externalID string) (source.PageConfig, error) {
	owner, repo, err := c.resolve(ctx, externalID)
	if err != nil {
		return source.PageConfig{}, err
	}

	pages, _, err := c.gh.Repositories.GetPagesInfo(ctx, owner, repo)
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return source.PageConfig{}, nil
		}
		return source.PageConfig{}, classify(err)
	}
	cfg := source.PageConfig{HasPage: true}
	if src := pages.GetSource(); src != nil {
		cfg.Branch = src.GetBranch()
		cfg.Path = src.GetPath()
	}
	return cfg, nil
}

// resolve maps a repository id to owner/name, caching the answer.
func (c *Client) resolve(ctx context.Context, externalID string) (string, string, error) {
	id, err := parseID(externalID)
	if err != nil {
		return "", "", err
	}
	c.mu.Lock()
	or, ok := c.names[id]
	c.mu.Unlock()
	if ok {
		return or.owner, or.repo, nil
	}

	repo, _, err := c.gh.Repositories.GetByID(ctx, id)
	if err != nil {
		return "", "", classify(err)
	}
	owner, name := repo.GetOwner().GetLogin(), repo.GetName()
	c.remember(id, owner, name)
	return owner, name, nil
}

func (c *Client) remember(id int64, owner, repo string) {
	c.mu.Lock()
	c.names[id] = ownerRepo{owner: owner, repo: repo}
	c.mu.Unlock()
}

func parseID(externalID string) (int64, error) {
	id, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("external id %q is not a github repository id: %w", externalID, errs.ErrInvariant)
	}
	return id, nil
}

// classify maps GitHub API failures onto the error taxonomy at repository
// scope: 404/410/451 mean the repository is gone, everything else transient.
func classify(err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("github rate limited: %w", errs.ErrSourceUnavailable)
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusGone, http.StatusUnavailableForLegalReasons:
			return fmt.Errorf("github: %v: %w", err, errs.ErrSourceGone)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("github: %v: %w", err, errs.ErrSourceGone)
		}
	}
	return fmt.Errorf("github: %v: %w", err, errs.ErrSourceUnavailable)
}

// classifyFile is classify at file scope: a 404 is a missing file inside a
// live repository, not a vanished repository.
func classifyFile(err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("github: %v: %w", err, errs.ErrNotFound)
	}
	return classify(err)
}
