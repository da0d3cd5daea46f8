package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anonscience/anonmirror/internal/config"
	"github.com/anonscience/anonmirror/internal/errs"
	"github.com/anonscience/anonmirror/internal/model"
	"github.com/anonscience/anonmirror/internal/quota"
	"github.com/anonscience/anonmirror/internal/repository"
	"github.com/anonscience/anonmirror/internal/source"
)

// memRepoStore is an in-memory RepoStore enforcing the same contracts as the
// postgres implementation, including the status CAS.
type memRepoStore struct {
	mu    sync.Mutex
	repos map[string]*model.Repository
}

var _ repository.RepoStore = (*memRepoStore)(nil)

func newMemRepoStore() *memRepoStore {
	return &memRepoStore{repos: make(map[string]*model.Repository)}
}

func key(source, externalID string) string { return source + "/" + externalID }

func (m *memRepoStore) UpsertByExternalID(_ context.Context, src, externalID string, fields model.RepoFields) (*model.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[key(src, externalID)]
	if !ok {
		r = &model.Repository{
			Source:      src,
			ExternalID:  externalID,
			Status:      model.StatusSyncing,
			Branches:    []model.Branch{},
			DateOfEntry: time.Now(),
		}
		m.repos[key(src, externalID)] = r
	}
	if fields.Name != nil {
		r.Name = *fields.Name
	}
	if fields.URL != nil {
		r.URL = *fields.URL
	}
	if fields.SizeKB != nil {
		r.SizeKB = *fields.SizeKB
	}
	if fields.DefaultBranch != nil {
		r.DefaultBranch = *fields.DefaultBranch
	}
	if fields.HasPage != nil {
		r.HasPage = *fields.HasPage
		r.PageSource = fields.PageSource
	}
	if fields.LastSyncedAt != nil {
		r.LastSyncedAt = *fields.LastSyncedAt
	}
	r.UpdatedAt = time.Now()
	cp := *r
	return &cp, nil
}

func (m *memRepoStore) TransitionStatus(_ context.Context, src, externalID string, from []model.RepoStatus, to model.RepoStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[key(src, externalID)]
	if !ok {
		return errs.ErrNotFound
	}
	for _, f := range from {
		if r.Status == f {
			r.Status = to
			r.LastError = reason
			r.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("status %q not in expected set: %w", r.Status, errs.ErrConflict)
}

func (m *memRepoStore) ReplaceBranches(_ context.Context, src, externalID string, branches []model.Branch) error {
	seen := map[string]struct{}{}
	for _, b := range branches {
		if _, dup := seen[b.Name]; dup {
			return errs.ErrInvariant
		}
		seen[b.Name] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[key(src, externalID)]
	if !ok {
		return errs.ErrNotFound
	}
	r.Branches = append([]model.Branch(nil), branches...)
	return nil
}

func (m *memRepoStore) FindByExternalID(_ context.Context, src, externalID string) (*model.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[key(src, externalID)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *r
	cp.Branches = append([]model.Branch(nil), r.Branches...)
	return &cp, nil
}

func (m *memRepoStore) FindByName(_ context.Context, name string) ([]model.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Repository
	for _, r := range m.repos {
		if r.Name == name {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRepoStore) ListByStatus(_ context.Context, status model.RepoStatus) ([]model.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Repository
	for _, r := range m.repos {
		if r.Status == status {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRepoStore) MarkStaleSyncing(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	cutoff := time.Now().Add(-olderThan)
	for _, r := range m.repos {
		if r.Status == model.StatusSyncing && r.UpdatedAt.Before(cutoff) {
			r.Status = model.StatusError
			r.LastError = "sync stalled"
			n++
		}
	}
	return n, nil
}

// fakeSource scripts collaborator behavior per call site.
type fakeSource struct {
	mu sync.Mutex

	metaErrs  []error // consumed one per call before meta succeeds
	meta      source.Meta
	metaCalls int
	metaGate  chan struct{} // when set, GetRepoMeta blocks until closed

	branches []source.BranchRef

	files     map[string]source.FileContent // branch -> file
	fileErr   error
	fileCalls int

	page source.PageConfig
}

var _ source.Source = (*fakeSource)(nil)

func (f *fakeSource) GetRepoMeta(ctx context.Context, externalID string) (source.Meta, error) {
	if f.metaGate != nil {
		select {
		case <-f.metaGate:
		case <-ctx.Done():
			return source.Meta{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls++
	if len(f.metaErrs) > 0 {
		err := f.metaErrs[0]
		f.metaErrs = f.metaErrs[1:]
		return source.Meta{}, err
	}
	return f.meta, nil
}

func (f *fakeSource) ListBranches(context.Context, string) ([]source.BranchRef, error) {
	return append([]source.BranchRef(nil), f.branches...), nil
}

func (f *fakeSource) GetFile(_ context.Context, _, branch, _ string) (source.FileContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileCalls++
	if f.fileErr != nil {
		return source.FileContent{}, f.fileErr
	}
	fc, ok := f.files[branch]
	if !ok {
		return source.FileContent{}, errs.ErrNotFound
	}
	return fc, nil
}

func (f *fakeSource) GetPageConfig(context.Context, string) (source.PageConfig, error) {
	return f.page, nil
}

// noopLease always grants; exclusion is exercised by the inflight set.
type noopLease struct{}

func (noopLease) Acquire(context.Context, string, string) (func(), bool, error) {
	return func() {}, true, nil
}

func testConfig() config.Config {
	return config.Config{
		MaxFileSize:    1024,
		MaxRepoSize:    8192,
		SyncWorkers:    2,
		SyncRetries:    2,
		SyncRetryBase:  time.Millisecond,
		SyncStaleAfter: time.Minute,
		ResyncInterval: time.Hour,
	}
}

func newTestEngine(store *memRepoStore, src *fakeSource) *SyncEngine {
	cfg := testConfig()
	guard := quota.NewGuard(cfg.MaxFileSize, cfg.MaxRepoSize)
	return NewSyncEngine(store, src, guard, noopLease{}, zap.NewNop(), cfg)
}

func TestSync_NewRepositoryBecomesReady(t *testing.T) {
	store := newMemRepoStore()
	src := &fakeSource{
		meta: source.Meta{FullName: "octo/demo", URL: "https://github.com/octo/demo", SizeKB: 5000, DefaultBranch: "main"},
		branches: []source.BranchRef{
			{Name: "main", Commit: "abc123"},
			{Name: "dev", Commit: "def456"},
		},
		files: map[string]source.FileContent{
			"main": {Size: 6, Data: []byte("# demo")},
		},
	}
	e := newTestEngine(store, src)

	require.NoError(t, e.Sync(context.Background(), "github", "42"))

	repo, err := store.FindByExternalID(context.Background(), "github", "42")
	require.NoError(t, err)
	require.Equal(t, model.StatusReady, repo.Status)
	require.Equal(t, "main", repo.DefaultBranch)
	require.Len(t, repo.Branches, 2)
	require.Equal(t, "abc123", repo.FindBranch("main").Commit)
	require.Equal(t, "# demo", *repo.FindBranch("main").Readme)
	require.Nil(t, repo.FindBranch("dev").Readme)
	require.False(t, repo.LastSyncedAt.IsZero())
}

func TestSync_OversizedRepositoryErrors(t *testing.T) {
	store := newMemRepoStore()
	src := &fakeSource{
		meta:     source.Meta{FullName: "octo/huge", SizeKB: 9000, DefaultBranch: "main"},
		branches: []source.BranchRef{{Name: "main", Commit: "abc123"}},
	}
	e := newTestEngine(store, src)

	err := e.Sync(context.Background(), "github", "43")
	require.ErrorIs(t, err, errs.ErrQuotaExceeded)

	repo, ferr := store.FindByExternalID(context.Background(), "github", "43")
	require.NoError(t, ferr)
	require.Equal(t, model.StatusError, repo.Status)
	require.Contains(t, repo.LastError, "quota exceeded")
	require.Empty(t, repo.Branches)
}

func TestSync_GoneRepositoryIsRemovedThenReaddable(t *testing.T) {
	ctx := context.Background()
	store := newMemRepoStore()
	src := &fakeSource{
		meta:     source.Meta{FullName: "octo/demo", SizeKB: 100, DefaultBranch: "main"},
		branches: []source.BranchRef{{Name: "main", Commit: "abc123"}},
	}
	e := newTestEngine(store, src)

	require.NoError(t, e.Sync(ctx, "github", "44"))

	// Source stops reporting the repository.
	src.mu.Lock()
	src.metaErrs = []error{fmt.Errorf("deleted: %w", errs.ErrSourceGone)}
	src.mu.Unlock()

	err := e.Sync(ctx, "github", "44")
	require.ErrorIs(t, err, errs.ErrSourceGone)
	repo, _ := store.FindByExternalID(ctx, "github", "44")
	require.Equal(t, model.StatusRemoved, repo.Status)

	// Re-added: the pass goes removed -> syncing -> ready.
	require.NoError(t, e.Sync(ctx, "github", "44"))
	repo, _ = store.FindByExternalID(ctx, "github", "44")
	require.Equal(t, model.StatusReady, repo.Status)
}

func TestSync_TransientErrorsRetriedWithinBound(t *testing.T) {
	ctx := context.Background()
	store := newMemRepoStore()
	src := &fakeSource{
		metaErrs: []error{
			fmt.Errorf("rate limited: %w", errs.ErrSourceUnavailable),
			fmt.Errorf("rate limited: %w", errs.ErrSourceUnavailable),
		},
		meta:     source.Meta{FullName: "octo/demo", SizeKB: 100, DefaultBranch: "main"},
		branches: []source.BranchRef{{Name: "main", Commit: "abc123"}},
	}
	e := newTestEngine(store, src)

	require.NoError(t, e.Sync(ctx, "github", "45"))
	require.Equal(t, 3, src.metaCalls)

	repo, _ := store.FindByExternalID(ctx, "github", "45")
	require.Equal(t, model.StatusReady, repo.Status)
}

func TestSync_RetryExhaustionIsTerminalForPass(t *testing.T) {
	ctx := context.Background()
	store := newMemRepoStore()
	transient := fmt.Errorf("rate limited: %w", errs.ErrSourceUnavailable)
	src := &fakeSource{
		metaErrs: []error{transient, transient, transient, transient},
	}
	e := newTestEngine(store, src)

	err := e.Sync(ctx, "github", "46")
	require.ErrorIs(t, err, errs.ErrSourceUnavailable)
	// 1 initial attempt + 2 retries.
	require.Equal(t, 3, src.metaCalls)

	repo, _ := store.FindByExternalID(ctx, "github", "46")
	require.Equal(t, model.StatusError, repo.Status)
	require.Contains(t, repo.LastError, "rate limited")
}

func TestSync_OversizedReadmeKeepsBranchWithWarning(t *testing.T) {
	ctx := context.Background()
	store := newMemRepoStore()
	src := &fakeSource{
		meta:     source.Meta{FullName: "octo/demo", SizeKB: 100, DefaultBranch: "main"},
		branches: []source.BranchRef{{Name: "main", Commit: "abc123"}},
		files: map[string]source.FileContent{
			"main": {Size: 4096, Data: nil}, // above the 1024 byte test limit
		},
	}
	e := newTestEngine(store, src)

	require.NoError(t, e.Sync(ctx, "github", "47"))

	repo, _ := store.FindByExternalID(ctx, "github", "47")
	require.Equal(t, model.StatusReady, repo.Status)
	b := repo.FindBranch("main")
	require.NotNil(t, b)
	require.Nil(t, b.Readme)
	require.True(t, b.ReadmeTooLarge)
}

func TestSync_ReadmeReusedWhenHeadUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newMemRepoStore()
	src := &fakeSource{
		meta:     source.Meta{FullName: "octo/demo", SizeKB: 100, DefaultBranch: "main"},
		branches: []source.BranchRef{{Name: "main", Commit: "abc123"}},
		files: map[string]source.FileContent{
			"main": {Size: 6, Data: []byte("# demo")},
		},
	}
	e := newTestEngine(store, src)

	require.NoError(t, e.Sync(ctx, "github", "48"))
	require.Equal(t, 1, src.fileCalls)

	// Second pass with the same head must not refetch the README.
	require.NoError(t, e.Sync(ctx, "github", "48"))
	require.Equal(t, 1, src.fileCalls)

	// A moved head does.
	src.mu.Lock()
	src.branches = []source.BranchRef{{Name: "main", Commit: "ffff00"}}
	src.mu.Unlock()
	require.NoError(t, e.Sync(ctx, "github", "48"))
	require.Equal(t, 2, src.fileCalls)
}

func TestSync_DuplicateSourceBranchesCollapsed(t *testing.T) {
	ctx := context.Background()
	store := newMemRepoStore()
	src := &fakeSource{
		meta: source.Meta{FullName: "octo/demo", SizeKB: 100, DefaultBranch: "main"},
		branches: []source.BranchRef{
			{Name: "main", Commit: "abc123"},
			{Name: "main", Commit: "def456"},
		},
	}
	e := newTestEngine(store, src)

	require.NoError(t, e.Sync(ctx, "github", "49"))
	repo, _ := store.FindByExternalID(ctx, "github", "49")
	require.Len(t, repo.Branches, 1)
	require.Equal(t, "abc123", repo.FindBranch("main").Commit)
}

func TestSync_CancelledPassLeavesSyncing(t *testing.T) {
	store := newMemRepoStore()
	gate := make(chan struct{})
	src := &fakeSource{
		metaGate: gate,
		meta:     source.Meta{FullName: "octo/demo", SizeKB: 100},
	}
	e := newTestEngine(store, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Sync(ctx, "github", "50") }()

	// Wait until the record was moved to syncing, then cancel mid-fetch.
	require.Eventually(t, func() bool {
		repo, err := store.FindByExternalID(context.Background(), "github", "50")
		return err == nil && repo.Status == model.StatusSyncing
	}, time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	repo, _ := store.FindByExternalID(context.Background(), "github", "50")
	if repo.Status != model.StatusSyncing {
		t.Fatalf("cancelled pass must leave status syncing, got %s", repo.Status)
	}

	// The staleness sweep makes it re-syncable.
	store.mu.Lock()
	store.repos[key("github", "50")].UpdatedAt = time.Now().Add(-2 * time.Minute)
	store.mu.Unlock()
	n, err := store.MarkStaleSyncing(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	close(gate)
}

func TestTrigger_CoalescesConcurrentPasses(t *testing.T) {
	store := newMemRepoStore()
	gate := make(chan struct{})
	src := &fakeSource{
		metaGate: gate,
		meta:     source.Meta{FullName: "octo/demo", SizeKB: 100, DefaultBranch: "main"},
		branches: []source.BranchRef{{Name: "main", Commit: "abc123"}},
	}
	e := newTestEngine(store, src)
	ctx := context.Background()

	e.Trigger(ctx, "github", "51")
	require.Eventually(t, func() bool {
		_, err := store.FindByExternalID(ctx, "github", "51")
		return err == nil
	}, time.Second, time.Millisecond)

	// Second and third triggers while the first pass is blocked are dropped.
	e.Trigger(ctx, "github", "51")
	e.Trigger(ctx, "github", "51")
	close(gate)

	require.Eventually(t, func() bool {
		repo, err := store.FindByExternalID(ctx, "github", "51")
		return err == nil && repo.Status == model.StatusReady
	}, time.Second, time.Millisecond)
	e.wg.Wait()
	require.Equal(t, 1, src.metaCalls)
}

func TestSync_SecondPassWhileSyncingIsDropped(t *testing.T) {
	ctx := context.Background()
	store := newMemRepoStore()
	_, err := store.UpsertByExternalID(ctx, "github", "52", model.RepoFields{})
	require.NoError(t, err) // record now stuck in syncing

	src := &fakeSource{meta: source.Meta{SizeKB: 100}}
	e := newTestEngine(store, src)

	require.NoError(t, e.Sync(ctx, "github", "52"))
	if src.metaCalls != 0 {
		t.Fatalf("dropped pass must not fetch, got %d meta calls", src.metaCalls)
	}
}

func TestSync_ErrorReasonClearedOnRecovery(t *testing.T) {
	ctx := context.Background()
	store := newMemRepoStore()
	src := &fakeSource{
		metaErrs: []error{fmt.Errorf("boom: %w", errs.ErrSourceUnavailable),
			fmt.Errorf("boom: %w", errs.ErrSourceUnavailable),
			fmt.Errorf("boom: %w", errs.ErrSourceUnavailable)},
		meta:     source.Meta{FullName: "octo/demo", SizeKB: 100, DefaultBranch: "main"},
		branches: []source.BranchRef{{Name: "main", Commit: "abc123"}},
	}
	e := newTestEngine(store, src)

	require.Error(t, e.Sync(ctx, "github", "53"))
	repo, _ := store.FindByExternalID(ctx, "github", "53")
	require.Equal(t, model.StatusError, repo.Status)
	if !strings.Contains(repo.LastError, "boom") {
		t.Fatalf("want failure reason recorded, got %q", repo.LastError)
	}

	require.NoError(t, e.Sync(ctx, "github", "53"))
	repo, _ = store.FindByExternalID(ctx, "github", "53")
	require.Equal(t, model.StatusReady, repo.Status)
	require.Empty(t, repo.LastError)
}

func TestSync_PageMetadataStored(t *testing.T) {
	ctx := context.Background()
	store := newMemRepoStore()
	src := &fakeSource{
		meta:     source.Meta{FullName: "octo/demo", SizeKB: 100, DefaultBranch: "main"},
		branches: []source.BranchRef{{Name: "main", Commit: "abc123"}},
		page:     source.PageConfig{HasPage: true, Branch: "gh-pages", Path: "/docs"},
	}
	e := newTestEngine(store, src)

	require.NoError(t, e.Sync(ctx, "github", "54"))
	repo, _ := store.FindByExternalID(ctx, "github", "54")
	require.True(t, repo.HasPage)
	require.NotNil(t, repo.PageSource)
	require.Equal(t, "gh-pages", repo.PageSource.Branch)
	require.Equal(t, "/docs", repo.PageSource.Path)
}
