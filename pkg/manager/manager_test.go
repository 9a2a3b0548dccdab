package manager

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/glorpus-work/dataget/pkg/archive"
	"github.com/glorpus-work/dataget/pkg/cache"
	pkgerrors "github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fetch"
	"github.com/glorpus-work/dataget/pkg/hooks"
	"github.com/glorpus-work/dataget/pkg/manager/mocks"
	"github.com/glorpus-work/dataget/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testDataset(dst string) model.Dataset {
	return model.Dataset{
		Source:      "https://example.com/payload.zip",
		Destination: dst,
		ProjectName: "neuromod",
		Version:     "1.0.0",
	}
}

func openStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(context.Background(), cache.Options{Path: filepath.Join(t.TempDir(), "cache.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// zipProvider serves exactly one fetch by dropping a zip with the given
// files into the staging directory.
func zipProvider(t *testing.T, ctrl *gomock.Controller, files map[string]string) *mocks.MockProvider {
	t.Helper()
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("http").AnyTimes()
	provider.EXPECT().EstimateSize(gomock.Any(), gomock.Any()).Return(int64(-1), nil)
	provider.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ model.Dataset, stagingDir string) error {
			var buf bytes.Buffer
			zw := zip.NewWriter(&buf)
			for name, content := range files {
				w, err := zw.Create(name)
				require.NoError(t, err)
				_, err = w.Write([]byte(content))
				require.NoError(t, err)
			}
			require.NoError(t, zw.Close())
			return os.WriteFile(filepath.Join(stagingDir, "payload.zip"), buf.Bytes(), 0o644)
		})
	return provider
}

func TestFetchAllFreshDataset(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	dst := t.TempDir()
	ds := testDataset(dst)

	provider := zipProvider(t, ctrl, map[string]string{
		"sub-01/task-reading_bold.tsv": "0.1\t0.2\n",
		"README":                       "reading time dataset",
	})
	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().Resolve(ds.Source).Return(provider, nil)

	store := openStore(t)
	mgr := New(store, resolver, fetch.NewExecutor(nil), archive.NewManager())

	report := mgr.FetchAll(ctx, []model.Dataset{ds})
	require.NoError(t, report.Err)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.Equal(t, StateCached, res.State)
	assert.True(t, res.State.Terminal())
	assert.False(t, res.CacheHit)
	assert.Equal(t, "http", res.Provider)
	assert.Equal(t, filepath.Join(dst, "neuromod"), res.DataPath)
	assert.FileExists(t, filepath.Join(res.DataPath, "sub-01", "task-reading_bold.tsv"))
	assert.NoFileExists(t, filepath.Join(res.DataPath, "payload.zip"), "archives are unpacked and removed")
	assert.Equal(t, 2, res.FileSet.FileCount)
	assert.Equal(t, []State{
		StatePending, StateCacheCheck, StateResolving, StateFetching,
		StateNormalizing, StateCommitting, StateCached,
	}, res.States)

	entry, err := store.Lookup(ctx, res.Key)
	require.NoError(t, err)
	require.NotNil(t, entry, "a successful fetch must leave a committed cache entry")
	assert.Equal(t, res.DataPath, entry.DestinationPath)
}

func TestFetchAllServesCacheHit(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	dst := t.TempDir()
	ds := testDataset(dst)
	store := openStore(t)

	seed := zipProvider(t, ctrl, map[string]string{"values.csv": "1,2\n"})
	seedResolver := mocks.NewMockResolver(ctrl)
	seedResolver.EXPECT().Resolve(ds.Source).Return(seed, nil)
	first := New(store, seedResolver, fetch.NewExecutor(nil), archive.NewManager()).FetchAll(ctx, []model.Dataset{ds})
	require.NoError(t, first.Err)

	// Fresh mocks with no expectations: a cache hit must not touch any of
	// them.
	mgr := New(store, mocks.NewMockResolver(ctrl), mocks.NewMockFetchExecutor(ctrl), mocks.NewMockNormalizer(ctrl))
	report := mgr.FetchAll(ctx, []model.Dataset{ds})
	require.NoError(t, report.Err)

	res := report.Results[0]
	assert.True(t, res.CacheHit)
	assert.Equal(t, first.Results[0].DataPath, res.DataPath)
	assert.Equal(t, first.Results[0].FileSet, res.FileSet)
	assert.Equal(t, []State{StatePending, StateCacheCheck, StateCached}, res.States)
	assert.Equal(t, 1, report.Hits())
	assert.Equal(t, 0, report.Fetched())
}

func TestFetchAllVersionChangeFetchesFresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	dst := t.TempDir()
	ds := testDataset(dst)
	store := openStore(t)

	v1 := zipProvider(t, ctrl, map[string]string{"values.csv": "1,2\n"})
	r1 := mocks.NewMockResolver(ctrl)
	r1.EXPECT().Resolve(ds.Source).Return(v1, nil)
	first := New(store, r1, fetch.NewExecutor(nil), archive.NewManager()).FetchAll(ctx, []model.Dataset{ds})
	require.NoError(t, first.Err)

	bumped := ds
	bumped.Version = "2.0.0"
	v2 := zipProvider(t, ctrl, map[string]string{"values.csv": "3,4\n"})
	r2 := mocks.NewMockResolver(ctrl)
	r2.EXPECT().Resolve(ds.Source).Return(v2, nil)
	second := New(store, r2, fetch.NewExecutor(nil), archive.NewManager()).FetchAll(ctx, []model.Dataset{bumped})
	require.NoError(t, second.Err)

	res := second.Results[0]
	assert.False(t, res.CacheHit, "a version bump must invalidate the cached copy")
	assert.NotEqual(t, first.Results[0].Key, res.Key)

	content, err := os.ReadFile(filepath.Join(res.DataPath, "values.csv"))
	require.NoError(t, err)
	assert.Equal(t, "3,4\n", string(content))
}

func TestInvalidateCacheForcesOneRefetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	dst := t.TempDir()
	ds := testDataset(dst)
	store := openStore(t)

	seed := zipProvider(t, ctrl, map[string]string{"values.csv": "1,2\n"})
	r1 := mocks.NewMockResolver(ctrl)
	r1.EXPECT().Resolve(ds.Source).Return(seed, nil)
	first := New(store, r1, fetch.NewExecutor(nil), archive.NewManager()).FetchAll(ctx, []model.Dataset{ds})
	require.NoError(t, first.Err)

	refetch := zipProvider(t, ctrl, map[string]string{"values.csv": "5,6\n"})
	r2 := mocks.NewMockResolver(ctrl)
	r2.EXPECT().Resolve(ds.Source).Return(refetch, nil)
	mgr := New(store, r2, fetch.NewExecutor(nil), archive.NewManager())

	mgr.InvalidateCache(first.Results[0].Key)
	second := mgr.FetchAll(ctx, []model.Dataset{ds})
	require.NoError(t, second.Err)
	assert.False(t, second.Results[0].CacheHit)

	// The invalidation is consumed; the next run hits the fresh entry
	// without touching the resolver again.
	third := mgr.FetchAll(ctx, []model.Dataset{ds})
	require.NoError(t, third.Err)
	assert.True(t, third.Results[0].CacheHit)
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	good := testDataset(t.TempDir())
	bad := model.Dataset{Source: "weird://thing", Destination: t.TempDir(), ProjectName: "broken"}

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("http").AnyTimes()

	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().Resolve(good.Source).Return(provider, nil)
	resolver.EXPECT().Resolve(bad.Source).Return(nil, pkgerrors.Wrapf(pkgerrors.ErrUnresolvedSource, "%s", bad.Source))

	store := mocks.NewMockCacheStore(ctrl)
	store.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(nil, nil).Times(2)
	store.EXPECT().Commit(gomock.Any(), gomock.Any()).Return(nil)

	executor := mocks.NewMockFetchExecutor(ctrl)
	executor.EXPECT().Execute(gomock.Any(), provider, gomock.Any()).Return(good.DataPath(), nil)

	normalizer := mocks.NewMockNormalizer(ctrl)
	normalizer.EXPECT().Normalize(gomock.Any(), good.DataPath()).Return(model.FileSet{SizeBytes: 10, FileCount: 1}, nil)

	mgr := New(store, resolver, executor, normalizer)
	report := mgr.FetchAll(ctx, []model.Dataset{bad, good})

	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "broken")
	assert.False(t, report.Succeeded())
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, report.Fetched())
	assert.Equal(t, 0, report.Hits())

	assert.Equal(t, StateFailed, report.Results[0].State)
	assert.ErrorIs(t, report.Results[0].Err, pkgerrors.ErrUnresolvedSource)
	assert.Equal(t, StateCached, report.Results[1].State, "a failing sibling must not stop the others")
}

func TestFetchAllCorruptCacheDegradesToMiss(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	ds := testDataset(t.TempDir())

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("http").AnyTimes()

	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().Resolve(ds.Source).Return(provider, nil)

	store := mocks.NewMockCacheStore(ctrl)
	store.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(nil, pkgerrors.Wrap(pkgerrors.ErrCacheCorruption, "file is not a database"))
	store.EXPECT().Commit(gomock.Any(), gomock.Any()).Return(nil)

	executor := mocks.NewMockFetchExecutor(ctrl)
	executor.EXPECT().Execute(gomock.Any(), provider, gomock.Any()).Return(ds.DataPath(), nil)

	normalizer := mocks.NewMockNormalizer(ctrl)
	normalizer.EXPECT().Normalize(gomock.Any(), ds.DataPath()).Return(model.FileSet{SizeBytes: 10, FileCount: 1}, nil)

	report := New(store, resolver, executor, normalizer).FetchAll(ctx, []model.Dataset{ds})
	require.NoError(t, report.Err, "a corrupt cache must degrade to a miss, not fail the run")
	assert.Equal(t, StateCached, report.Results[0].State)
	assert.False(t, report.Results[0].CacheHit)
}

func TestFetchAllLookupErrorFailsDataset(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	ds := testDataset(t.TempDir())

	store := mocks.NewMockCacheStore(ctrl)
	store.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("database is locked"))

	mgr := New(store, mocks.NewMockResolver(ctrl), mocks.NewMockFetchExecutor(ctrl), mocks.NewMockNormalizer(ctrl))
	report := mgr.FetchAll(ctx, []model.Dataset{ds})

	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "database is locked")
	res := report.Results[0]
	assert.Equal(t, StateFailed, res.State)
	assert.NotContains(t, res.States, StateResolving)
}

func TestFetchAllFiresLifecycleHooks(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	ds := testDataset(t.TempDir())

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("http").AnyTimes()

	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().Resolve(ds.Source).Return(provider, nil)

	store := mocks.NewMockCacheStore(ctrl)
	store.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(nil, nil)
	store.EXPECT().Commit(gomock.Any(), gomock.Any()).Return(nil)

	executor := mocks.NewMockFetchExecutor(ctrl)
	executor.EXPECT().Execute(gomock.Any(), provider, gomock.Any()).Return(ds.DataPath(), nil)

	normalizer := mocks.NewMockNormalizer(ctrl)
	normalizer.EXPECT().Normalize(gomock.Any(), ds.DataPath()).Return(model.FileSet{SizeBytes: 2048, FileCount: 7}, nil)

	runner := mocks.NewMockHookRunner(ctrl)
	gomock.InOrder(
		runner.EXPECT().Run(hooks.PreFetch, gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ hooks.Event, _ map[string]interface{}, hctx hooks.Context) error {
				assert.Equal(t, "neuromod", hctx.ProjectName)
				assert.Zero(t, hctx.SizeBytes, "pre_fetch runs before anything is measured")
				return nil
			}),
		runner.EXPECT().Run(hooks.PostFetch, gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ hooks.Event, _ map[string]interface{}, hctx hooks.Context) error {
				assert.Equal(t, int64(2048), hctx.SizeBytes)
				assert.Equal(t, 7, hctx.FileCount)
				return nil
			}),
	)

	mgr := New(store, resolver, executor, normalizer)
	mgr.ScriptHooks = runner
	report := mgr.FetchAll(ctx, []model.Dataset{ds})
	require.NoError(t, report.Err)
}

func TestFetchAllPostFetchFailureBlocksCommit(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	ds := testDataset(t.TempDir())

	script := filepath.Join(t.TempDir(), "check.tengo")
	require.NoError(t, os.WriteFile(script, []byte("err := \"\"\nif fileCount < 100 {\n\terr = \"dataset is too small\"\n}\n"), 0o644))
	ds.Extra = map[string]any{"post_fetch": script}

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("http").AnyTimes()

	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().Resolve(ds.Source).Return(provider, nil)

	store := mocks.NewMockCacheStore(ctrl)
	store.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(nil, nil)
	// No Commit expectation: the failing post_fetch script must block it.

	executor := mocks.NewMockFetchExecutor(ctrl)
	executor.EXPECT().Execute(gomock.Any(), provider, gomock.Any()).Return(ds.DataPath(), nil)

	normalizer := mocks.NewMockNormalizer(ctrl)
	normalizer.EXPECT().Normalize(gomock.Any(), ds.DataPath()).Return(model.FileSet{SizeBytes: 10, FileCount: 1}, nil)

	mgr := New(store, resolver, executor, normalizer)
	mgr.ScriptHooks = hooks.NewEngine()
	report := mgr.FetchAll(ctx, []model.Dataset{ds})

	require.Error(t, report.Err)
	res := report.Results[0]
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, pkgerrors.ErrHookScript)
	assert.Contains(t, res.Err.Error(), "dataset is too small")
	assert.NotContains(t, res.States, StateCommitting)
}

func TestFetchAllEmitsProgressEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	ds := testDataset(t.TempDir())

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("http").AnyTimes()

	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().Resolve(ds.Source).Return(provider, nil)

	store := mocks.NewMockCacheStore(ctrl)
	store.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(nil, nil)
	store.EXPECT().Commit(gomock.Any(), gomock.Any()).Return(nil)

	executor := mocks.NewMockFetchExecutor(ctrl)
	executor.EXPECT().Execute(gomock.Any(), provider, gomock.Any()).Return(ds.DataPath(), nil)

	normalizer := mocks.NewMockNormalizer(ctrl)
	normalizer.EXPECT().Normalize(gomock.Any(), ds.DataPath()).Return(model.FileSet{SizeBytes: 10, FileCount: 1}, nil)

	var events []Event
	mgr := New(store, resolver, executor, normalizer)
	mgr.Hooks = Hooks{OnEvent: func(e Event) { events = append(events, e) }}

	report := mgr.FetchAll(ctx, []model.Dataset{ds})
	require.NoError(t, report.Err)

	states := make([]State, 0, len(events))
	for _, e := range events {
		assert.Equal(t, report.RunID, e.RunID)
		assert.Equal(t, "neuromod", e.Project)
		states = append(states, e.State)
	}
	assert.Equal(t, []State{
		StatePending, StateCacheCheck, StateResolving, StateFetching,
		StateNormalizing, StateCommitting, StateCached,
	}, states)
}

func TestFetchAllBoundedConcurrency(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	datasets := make([]model.Dataset, 3)
	for i := range datasets {
		datasets[i] = model.Dataset{
			Source:      fmt.Sprintf("https://example.com/part-%d.zip", i),
			Destination: t.TempDir(),
			ProjectName: fmt.Sprintf("part-%d", i),
		}
	}

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("http").AnyTimes()

	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().Resolve(gomock.Any()).Return(provider, nil).Times(3)

	store := mocks.NewMockCacheStore(ctrl)
	store.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(nil, nil).Times(3)
	store.EXPECT().Commit(gomock.Any(), gomock.Any()).Return(nil).Times(3)

	executor := mocks.NewMockFetchExecutor(ctrl)
	executor.EXPECT().Execute(gomock.Any(), provider, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ fetch.Fetcher, ds model.Dataset) (string, error) {
			return ds.DataPath(), nil
		}).Times(3)

	normalizer := mocks.NewMockNormalizer(ctrl)
	normalizer.EXPECT().Normalize(gomock.Any(), gomock.Any()).Return(model.FileSet{SizeBytes: 1, FileCount: 1}, nil).Times(3)

	mgr := New(store, resolver, executor, normalizer)
	mgr.MaxConcurrent = 3
	report := mgr.FetchAll(ctx, datasets)

	require.NoError(t, report.Err)
	assert.Equal(t, 3, report.Fetched())
	for i, res := range report.Results {
		assert.Equal(t, datasets[i].ProjectName, res.Dataset.ProjectName, "results keep dataset order")
		assert.Equal(t, StateCached, res.State)
	}
}

func TestFetchAllRejectsInvalidDataset(t *testing.T) {
	ctrl := gomock.NewController(t)
	ds := model.Dataset{Source: "https://example.com/x.zip", ProjectName: "x"}

	mgr := New(mocks.NewMockCacheStore(ctrl), mocks.NewMockResolver(ctrl), mocks.NewMockFetchExecutor(ctrl), mocks.NewMockNormalizer(ctrl))
	report := mgr.FetchAll(context.Background(), []model.Dataset{ds})

	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "dst")
	assert.Equal(t, []State{StatePending, StateFailed}, report.Results[0].States)
}

func TestFetchAllRequiresCollaborators(t *testing.T) {
	report := (&Manager{}).FetchAll(context.Background(), nil)
	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "not configured")
}

func TestFetchAllEmptyRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	mgr := New(mocks.NewMockCacheStore(ctrl), mocks.NewMockResolver(ctrl), mocks.NewMockFetchExecutor(ctrl), mocks.NewMockNormalizer(ctrl))

	report := mgr.FetchAll(context.Background(), nil)
	require.NoError(t, report.Err)
	assert.True(t, report.Succeeded())
	assert.Empty(t, report.Results)
	assert.NotEmpty(t, report.RunID)
}
