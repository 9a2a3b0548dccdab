//go:generate mockgen -destination=mocks/manager.go -package=mocks . CacheStore,Resolver,FetchExecutor,Normalizer,HookRunner
//go:generate mockgen -destination=mocks/provider.go -package=mocks github.com/glorpus-work/dataget/pkg/source Provider

package manager

import (
	"context"
	"sync"

	"github.com/glorpus-work/dataget/pkg/fetch"
	"github.com/glorpus-work/dataget/pkg/hooks"
	"github.com/glorpus-work/dataget/pkg/model"
	"github.com/glorpus-work/dataget/pkg/source"
)

// CacheStore is the subset of the cache store used by the manager.
type CacheStore interface {
	Lookup(ctx context.Context, key model.CacheKey) (*model.CacheEntry, error)
	Commit(ctx context.Context, entry model.CacheEntry) error
}

// Resolver maps a source string onto the provider that can fetch it.
type Resolver interface {
	Resolve(src string) (source.Provider, error)
}

// FetchExecutor runs the staged fetch protocol for one dataset and returns
// the promoted data path.
type FetchExecutor interface {
	Execute(ctx context.Context, fetcher fetch.Fetcher, ds model.Dataset) (string, error)
}

// Normalizer unpacks archives inside a fetched data directory and measures
// the result.
type Normalizer interface {
	Normalize(ctx context.Context, dir string) (model.FileSet, error)
}

// HookRunner fires lifecycle scripts around a dataset fetch.
type HookRunner interface {
	Run(event hooks.Event, extra map[string]interface{}, hctx hooks.Context) error
}

// Manager ties Store, Resolver, Executor and Normalizer together to drive
// datasets through the fetch lifecycle. Datasets are independent; one
// failure never stops the others.
type Manager struct {
	Store         CacheStore
	Resolver      Resolver
	Executor      FetchExecutor
	Normalizer    Normalizer
	ScriptHooks   HookRunner // optional lifecycle scripts, may be nil
	Hooks         Hooks      // Hooks for progress and event notifications
	MaxConcurrent int        // datasets processed at once; values below 1 mean sequential

	mu          sync.Mutex
	invalidated map[model.CacheKey]bool
}

// Event represents a simple progress notification.
type Event struct {
	RunID   string
	Project string
	State   State
	Msg     string
}

// Hooks carries callbacks for progress events.
type Hooks struct {
	OnEvent func(Event)
}

// DatasetResult records the terminal outcome of one dataset.
type DatasetResult struct {
	Dataset  model.Dataset
	Key      model.CacheKey
	State    State   // terminal state, StateCached or StateFailed
	States   []State // every state the dataset passed through, in order
	CacheHit bool
	Provider string
	DataPath string
	FileSet  model.FileSet
	Err      error
}

// Report summarizes one FetchAll invocation.
type Report struct {
	RunID   string
	Results []DatasetResult
	Err     error
}

// Succeeded reports whether every dataset reached StateCached.
func (r *Report) Succeeded() bool {
	return r.Err == nil
}

// Hits counts datasets served from the cache.
func (r *Report) Hits() int {
	n := 0
	for _, res := range r.Results {
		if res.CacheHit {
			n++
		}
	}
	return n
}

// Fetched counts datasets fetched fresh.
func (r *Report) Fetched() int {
	n := 0
	for _, res := range r.Results {
		if res.State == StateCached && !res.CacheHit {
			n++
		}
	}
	return n
}

// Failed counts datasets that ended in StateFailed.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.State == StateFailed {
			n++
		}
	}
	return n
}
