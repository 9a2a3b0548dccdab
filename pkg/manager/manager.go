// Package manager drives datasets through the fetch lifecycle. For each
// dataset it checks the cache, resolves a provider, runs the staged fetch,
// normalizes the result and commits a cache entry, firing lifecycle hooks
// and progress events along the way.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/glorpus-work/dataget/internal/logger"
	pkgerrors "github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/hooks"
	"github.com/glorpus-work/dataget/pkg/model"
)

// New creates a Manager from its required collaborators. Optional fields
// (ScriptHooks, Hooks, MaxConcurrent) are set on the struct directly.
func New(store CacheStore, resolver Resolver, executor FetchExecutor, normalizer Normalizer) *Manager {
	return &Manager{
		Store:      store,
		Resolver:   resolver,
		Executor:   executor,
		Normalizer: normalizer,
	}
}

// InvalidateCache forces the next lookup of key to miss, so the dataset is
// fetched fresh exactly once. Safe to call concurrently with FetchAll.
func (m *Manager) InvalidateCache(key model.CacheKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invalidated == nil {
		m.invalidated = make(map[model.CacheKey]bool)
	}
	m.invalidated[key] = true
}

// takeInvalidation consumes a pending invalidation for key.
func (m *Manager) takeInvalidation(key model.CacheKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.invalidated[key] {
		return false
	}
	delete(m.invalidated, key)
	return true
}

// FetchAll drives every dataset to a terminal state and reports the run.
// Results keep the order of datasets. The report error aggregates
// per-dataset failures and is nil only when every dataset reached
// StateCached.
func (m *Manager) FetchAll(ctx context.Context, datasets []model.Dataset) *Report {
	report := &Report{
		RunID:   uuid.NewString(),
		Results: make([]DatasetResult, len(datasets)),
	}
	if err := m.configured(); err != nil {
		report.Err = err
		return report
	}
	logger.Debugf("run %s: fetching %d dataset(s)", report.RunID, len(datasets))

	limit := m.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := range datasets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			report.Results[i] = m.fetchOne(ctx, report.RunID, datasets[i])
		}(i)
	}
	wg.Wait()

	var errs *multierror.Error
	for _, res := range report.Results {
		if res.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", res.Dataset.ProjectName, res.Err))
		}
	}
	report.Err = errs.ErrorOrNil()
	return report
}

// fetchOne runs a single dataset through the lifecycle and always returns a
// result in a terminal state.
func (m *Manager) fetchOne(ctx context.Context, runID string, ds model.Dataset) DatasetResult {
	res := DatasetResult{Dataset: ds}
	step := func(state State, msg string) {
		res.State = state
		res.States = append(res.States, state)
		emit(m.Hooks, Event{RunID: runID, Project: ds.ProjectName, State: state, Msg: msg})
	}
	fail := func(err error) DatasetResult {
		res.Err = err
		step(StateFailed, err.Error())
		return res
	}

	step(StatePending, ds.Source)
	if err := ds.Validate(); err != nil {
		return fail(err)
	}
	res.Key = model.ComputeKey(&ds)

	step(StateCacheCheck, string(res.Key))
	if m.takeInvalidation(res.Key) {
		logger.Debugf("cache for %s invalidated, fetching fresh", ds.ProjectName)
	} else {
		entry, err := m.Store.Lookup(ctx, res.Key)
		switch {
		case errors.Is(err, pkgerrors.ErrCacheCorruption):
			logger.Warnf("cache lookup for %s failed: %v, treating as a miss", ds.ProjectName, err)
		case err != nil:
			return fail(err)
		case entry != nil:
			res.CacheHit = true
			res.DataPath = entry.DestinationPath
			res.FileSet = model.FileSet{SizeBytes: entry.SizeBytes, FileCount: entry.FileCount}
			step(StateCached, "already cached")
			return res
		}
	}

	step(StateResolving, ds.Source)
	provider, err := m.Resolver.Resolve(ds.Source)
	if err != nil {
		return fail(err)
	}
	res.Provider = provider.Name()

	if err := m.runScript(hooks.PreFetch, ds, model.FileSet{}); err != nil {
		return fail(err)
	}

	step(StateFetching, provider.Name())
	dataPath, err := m.Executor.Execute(ctx, provider, ds)
	if err != nil {
		return fail(err)
	}
	res.DataPath = dataPath

	step(StateNormalizing, dataPath)
	fileSet, err := m.Normalizer.Normalize(ctx, dataPath)
	if err != nil {
		return fail(err)
	}
	res.FileSet = fileSet

	if err := m.runScript(hooks.PostFetch, ds, fileSet); err != nil {
		return fail(err)
	}

	step(StateCommitting, string(res.Key))
	entry := model.CacheEntry{
		Key:             res.Key,
		ProjectName:     ds.ProjectName,
		DestinationPath: dataPath,
		SizeBytes:       fileSet.SizeBytes,
		FileCount:       fileSet.FileCount,
	}
	if err := m.Store.Commit(ctx, entry); err != nil {
		return fail(err)
	}

	step(StateCached, dataPath)
	return res
}

// runScript fires one lifecycle event. A nil runner means hooks are
// disabled.
func (m *Manager) runScript(event hooks.Event, ds model.Dataset, fs model.FileSet) error {
	if m.ScriptHooks == nil {
		return nil
	}
	return m.ScriptHooks.Run(event, ds.Extra, hooks.Context{
		ProjectName: ds.ProjectName,
		Source:      ds.Source,
		Destination: ds.Destination,
		DataPath:    ds.DataPath(),
		Version:     ds.Version,
		SizeBytes:   fs.SizeBytes,
		FileCount:   fs.FileCount,
	})
}

func (m *Manager) configured() error {
	switch {
	case m.Store == nil:
		return fmt.Errorf("cache store is not configured")
	case m.Resolver == nil:
		return fmt.Errorf("source resolver is not configured")
	case m.Executor == nil:
		return fmt.Errorf("fetch executor is not configured")
	case m.Normalizer == nil:
		return fmt.Errorf("normalizer is not configured")
	}
	return nil
}

func emit(h Hooks, e Event) {
	if h.OnEvent != nil {
		h.OnEvent(e)
	}
}
