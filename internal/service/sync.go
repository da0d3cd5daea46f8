// Package service contains the synchronization engine, the policy resolver
// and the user service.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/anonscience/anonmirror/internal/config"
	"github.com/anonscience/anonmirror/internal/errs"
	"github.com/anonscience/anonmirror/internal/lease"
	"github.com/anonscience/anonmirror/internal/model"
	"github.com/anonscience/anonmirror/internal/quota"
	"github.com/anonscience/anonmirror/internal/repository"
	"github.com/anonscience/anonmirror/internal/source"
)

// readmePath is the file refreshed per branch on every sync pass.
const readmePath = "README.md"

// SyncEngine drives repository mirror refreshes. Passes for distinct
// repositories run concurrently on a bounded pool; passes for the same
// repository are serialized by an in-process inflight set plus a store-level
// lease, and a second trigger arriving while one is running is dropped.
type SyncEngine struct {
	repos  repository.RepoStore
	src    source.Source
	guard  *quota.Guard
	leases lease.Manager
	log    *zap.Logger

	retries    uint64
	retryBase  time.Duration
	staleAfter time.Duration
	resyncEach time.Duration

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewSyncEngine constructs the engine with limits and bounds from cfg.
func NewSyncEngine(
	repos repository.RepoStore,
	src source.Source,
	guard *quota.Guard,
	leases lease.Manager,
	log *zap.Logger,
	cfg config.Config,
) *SyncEngine {
	workers := cfg.SyncWorkers
	if workers < 1 {
		workers = 1
	}
	if cfg.SyncRetryBase <= 0 {
		cfg.SyncRetryBase = 500 * time.Millisecond
	}
	if cfg.SyncStaleAfter <= 0 {
		cfg.SyncStaleAfter = 30 * time.Minute
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 6 * time.Hour
	}
	return &SyncEngine{
		repos:      repos,
		src:        src,
		guard:      guard,
		leases:     leases,
		log:        log,
		retries:    uint64(cfg.SyncRetries),
		retryBase:  cfg.SyncRetryBase,
		staleAfter: cfg.SyncStaleAfter,
		resyncEach: cfg.ResyncInterval,
		sem:        make(chan struct{}, workers),
		inflight:   make(map[string]struct{}),
	}
}

// Trigger schedules one coalesced sync pass. If a pass for the same
// repository is already running or queued, the trigger is dropped.
func (e *SyncEngine) Trigger(ctx context.Context, src, externalID string) {
	key := src + "/" + externalID
	e.mu.Lock()
	if _, running := e.inflight[key]; running {
		e.mu.Unlock()
		e.log.Debug("sync already in flight, trigger dropped",
			zap.String("source", src), zap.String("externalId", externalID))
		return
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, key)
			e.mu.Unlock()
		}()

		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return
		}

		if err := e.Sync(ctx, src, externalID); err != nil {
			e.log.Warn("sync pass failed",
				zap.String("source", src),
				zap.String("externalId", externalID),
				zap.Error(err))
		}
	}()
}

// Run drives periodic resyncs of ready repositories and the staleness sweep
// until the context is cancelled, then waits for in-flight passes.
func (e *SyncEngine) Run(ctx context.Context) {
	resync := time.NewTicker(e.resyncEach)
	defer resync.Stop()
	sweep := time.NewTicker(e.staleAfter / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case <-resync.C:
			e.resyncReady(ctx)
		case <-sweep.C:
			n, err := e.repos.MarkStaleSyncing(ctx, e.staleAfter)
			if err != nil {
				e.log.Error("stale sync sweep failed", zap.Error(err))
			} else if n > 0 {
				e.log.Info("swept stalled syncs", zap.Int64("count", n))
			}
		}
	}
}

func (e *SyncEngine) resyncReady(ctx context.Context) {
	ready, err := e.repos.ListByStatus(ctx, model.StatusReady)
	if err != nil {
		e.log.Error("list ready repositories failed", zap.Error(err))
		return
	}
	for _, r := range ready {
		e.Trigger(ctx, r.Source, r.ExternalID)
	}
}

// Sync performs one complete pass for a repository. The pass transitions the
// record to syncing, refreshes size, branches, per-branch READMEs and page
// metadata, and finishes in ready, error or removed. A cancelled pass leaves
// the record in syncing for the staleness sweep to recover.
func (e *SyncEngine) Sync(ctx context.Context, src, externalID string) error {
	release, ok, err := e.leases.Acquire(ctx, src, externalID)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		e.log.Debug("lease held elsewhere, pass dropped",
			zap.String("source", src), zap.String("externalId", externalID))
		return nil
	}
	defer release()

	prior, err := e.begin(ctx, src, externalID)
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			// Another pass beat us to syncing; drop, do not run in parallel.
			return nil
		}
		return err
	}

	meta, err := e.fetchMeta(ctx, src, externalID)
	if err != nil {
		return e.finishFailed(ctx, src, externalID, err)
	}
	if err := e.guard.CheckRepo(meta.SizeKB); err != nil {
		return e.finishFailed(ctx, src, externalID, err)
	}

	refs, err := e.fetchBranches(ctx, src, externalID)
	if err != nil {
		return e.finishFailed(ctx, src, externalID, err)
	}

	branches, err := e.refreshReadmes(ctx, src, externalID, prior, refs)
	if err != nil {
		return e.finishFailed(ctx, src, externalID, err)
	}

	page, err := e.fetchPage(ctx, src, externalID)
	if err != nil {
		return e.finishFailed(ctx, src, externalID, err)
	}

	if err := e.repos.ReplaceBranches(ctx, src, externalID, branches); err != nil {
		return e.finishFailed(ctx, src, externalID, err)
	}

	now := time.Now()
	var pageSource *model.PageSource
	if page.HasPage {
		pageSource = &model.PageSource{Branch: page.Branch, Path: page.Path}
	}
	_, err = e.repos.UpsertByExternalID(ctx, src, externalID, model.RepoFields{
		Name:          &meta.FullName,
		URL:           &meta.URL,
		SizeKB:        &meta.SizeKB,
		DefaultBranch: &meta.DefaultBranch,
		HasPage:       &page.HasPage,
		PageSource:    pageSource,
		LastSyncedAt:  &now,
	})
	if err != nil {
		return e.finishFailed(ctx, src, externalID, err)
	}

	if err := e.repos.TransitionStatus(ctx, src, externalID,
		[]model.RepoStatus{model.StatusSyncing}, model.StatusReady, ""); err != nil {
		return err
	}
	e.log.Info("sync complete",
		zap.String("source", src),
		zap.String("externalId", externalID),
		zap.String("name", meta.FullName),
		zap.Int("branches", len(branches)))
	return nil
}

// begin moves the record into syncing, creating it on first observation, and
// returns the prior state for README reuse (nil for a brand new record).
func (e *SyncEngine) begin(ctx context.Context, src, externalID string) (*model.Repository, error) {
	prior, err := e.repos.FindByExternalID(ctx, src, externalID)
	switch {
	case err == nil:
		err = e.repos.TransitionStatus(ctx, src, externalID,
			[]model.RepoStatus{model.StatusReady, model.StatusError, model.StatusRemoved},
			model.StatusSyncing, "")
		if err != nil {
			return nil, err
		}
		return prior, nil
	case errors.Is(err, errs.ErrNotFound):
		// First ingestion: the upsert creates the record in syncing.
		if _, err := e.repos.UpsertByExternalID(ctx, src, externalID, model.RepoFields{}); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, err
	}
}

func (e *SyncEngine) fetchMeta(ctx context.Context, src, externalID string) (source.Meta, error) {
	var meta source.Meta
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		meta, err = e.src.GetRepoMeta(ctx, externalID)
		return err
	})
	return meta, err
}

func (e *SyncEngine) fetchBranches(ctx context.Context, src, externalID string) ([]source.BranchRef, error) {
	var refs []source.BranchRef
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		refs, err = e.src.ListBranches(ctx, externalID)
		return err
	})
	return refs, err
}

func (e *SyncEngine) fetchPage(ctx context.Context, src, externalID string) (source.PageConfig, error) {
	var page source.PageConfig
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		page, err = e.src.GetPageConfig(ctx, externalID)
		return err
	})
	return page, err
}

// refreshReadmes builds the new branch list, fetching a README only for
// branches whose head moved since the last observation. An oversized README
// keeps the branch with a nil readme and the warning flag; a missing one
// just stays nil. Duplicate names from the source are collapsed upstream of
// the store invariant.
func (e *SyncEngine) refreshReadmes(
	ctx context.Context, src, externalID string,
	prior *model.Repository, refs []source.BranchRef,
) ([]model.Branch, error) {
	branches := make([]model.Branch, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.Name]; dup {
			continue
		}
		seen[ref.Name] = struct{}{}

		b := model.Branch{Name: ref.Name, Commit: ref.Commit}
		if prior != nil {
			if old := prior.FindBranch(ref.Name); old != nil && old.Commit == ref.Commit {
				// Head unchanged: the cached README is still valid.
				b.Readme = old.Readme
				b.ReadmeTooLarge = old.ReadmeTooLarge
				branches = append(branches, b)
				continue
			}
		}

		var file source.FileContent
		err := e.withRetry(ctx, func(ctx context.Context) error {
			var err error
			file, err = e.src.GetFile(ctx, externalID, ref.Name, readmePath)
			return err
		})
		switch {
		case errors.Is(err, errs.ErrNotFound):
			// No README on this branch.
		case err != nil:
			return nil, err
		case e.guard.CheckFile(file.Size) != nil:
			e.log.Warn("readme exceeds file size limit",
				zap.String("source", src),
				zap.String("externalId", externalID),
				zap.String("branch", ref.Name),
				zap.Int64("sizeBytes", file.Size))
			b.ReadmeTooLarge = true
		default:
			readme := string(file.Data)
			b.Readme = &readme
		}
		branches = append(branches, b)
	}
	return branches, nil
}

// finishFailed records the outcome of a failed pass: removed when the source
// no longer reports the repository, error otherwise. A cancelled pass is
// left in syncing so the next pass knows to redo the work.
func (e *SyncEngine) finishFailed(ctx context.Context, src, externalID string, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}

	to := model.StatusError
	reason := cause.Error()
	if errors.Is(cause, errs.ErrSourceGone) {
		to = model.StatusRemoved
		reason = "removed from source"
	}
	err := e.repos.TransitionStatus(ctx, src, externalID,
		[]model.RepoStatus{model.StatusSyncing}, to, reason)
	if err != nil && !errors.Is(err, errs.ErrConflict) {
		e.log.Error("failed to record sync outcome",
			zap.String("source", src),
			zap.String("externalId", externalID),
			zap.Error(err))
	}
	return cause
}

// withRetry retries transient source failures with exponential backoff up to
// the configured bound. Exhaustion surfaces the last failure, terminal for
// this pass only.
func (e *SyncEngine) withRetry(ctx context.Context, op func(context.Context) error) error {
	backoff := retry.WithMaxRetries(e.retries, retry.NewExponential(e.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if errors.Is(err, errs.ErrSourceUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}
