package cache_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glorpus-work/dataget/pkg/cache"
	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fsutil"
	"github.com/glorpus-work/dataget/pkg/model"
)

// seedEntry creates a populated destination under parent and commits an
// entry pointing at it.
func seedEntry(t *testing.T, store *cache.Store, parent, project string, files map[string]string) model.CacheEntry {
	t.Helper()
	dest := filepath.Join(parent, project)
	var size int64
	for name, content := range files {
		path := filepath.Join(dest, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		size += int64(len(content))
	}

	entry := model.CacheEntry{
		Key: model.ComputeKey(&model.Dataset{
			Source:      "https://example.org/" + project + ".zip",
			ProjectName: project,
		}),
		ProjectName:     project,
		DestinationPath: dest,
		SizeBytes:       size,
		FileCount:       len(files),
	}
	require.NoError(t, store.Commit(context.Background(), entry))

	abs, err := filepath.Abs(dest)
	require.NoError(t, err)
	entry.DestinationPath = abs
	return entry
}

func TestCommitAndLookup(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	entry := seedEntry(t, store, t.TempDir(), "mnist", map[string]string{
		"train.csv":        "1,2,3",
		"nested/test.csv":  "4,5",
		"nested/meta.json": "{}",
	})

	got, err := store.Lookup(ctx, entry.Key)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, entry.Key, got.Key)
	assert.Equal(t, "mnist", got.ProjectName)
	assert.Equal(t, entry.DestinationPath, got.DestinationPath)
	assert.True(t, filepath.IsAbs(got.DestinationPath))
	assert.Equal(t, entry.SizeBytes, got.SizeBytes)
	assert.Equal(t, 3, got.FileCount)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.LastAccessedAt.IsZero())
}

func TestLookupMissForUnknownKey(t *testing.T) {
	store := openTestStore(t)

	got, err := store.Lookup(context.Background(), model.CacheKey("0000000000000000"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLookupBumpsLastAccess(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	parent := t.TempDir()

	created := time.Now().UTC().Add(-time.Hour)
	dest := filepath.Join(parent, "old")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "data.bin"), []byte("x"), 0o644))

	entry := model.CacheEntry{
		Key:             model.ComputeKey(&model.Dataset{Source: "https://x/old.zip", ProjectName: "old"}),
		ProjectName:     "old",
		DestinationPath: dest,
		SizeBytes:       1,
		FileCount:       1,
		CreatedAt:       created,
		LastAccessedAt:  created,
	}
	require.NoError(t, store.Commit(ctx, entry))

	first, err := store.Lookup(ctx, entry.Key)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, first.LastAccessedAt.After(created), "hit should bump last access past creation")
	assert.Equal(t, created.Format(time.RFC3339), first.CreatedAt.Format(time.RFC3339))

	second, err := store.Lookup(ctx, entry.Key)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.False(t, second.LastAccessedAt.Before(first.LastAccessedAt))
}

func TestLookupStaleDestinationIsMiss(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	entry := seedEntry(t, store, t.TempDir(), "gone", map[string]string{"data.txt": "payload"})

	require.NoError(t, os.RemoveAll(entry.DestinationPath))

	got, err := store.Lookup(ctx, entry.Key)
	require.NoError(t, err)
	assert.Nil(t, got, "deleted destination must read as a miss")

	// The stale entry stays in the index until clean removes it.
	entries, err := store.List(ctx, "", cache.SortByProject)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLookupDestinationWithoutFilesIsMiss(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	parent := t.TempDir()

	dest := filepath.Join(parent, "hollow")
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "empty", "deeper"), 0o755))

	entry := model.CacheEntry{
		Key:             model.ComputeKey(&model.Dataset{Source: "https://x/hollow.zip", ProjectName: "hollow"}),
		ProjectName:     "hollow",
		DestinationPath: dest,
		SizeBytes:       0,
		FileCount:       0,
	}
	require.NoError(t, store.Commit(ctx, entry))

	got, err := store.Lookup(ctx, entry.Key)
	require.NoError(t, err)
	assert.Nil(t, got, "directory without regular files must read as a miss")
}

func TestCommitReplacesExistingEntry(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	entry := seedEntry(t, store, t.TempDir(), "twice", map[string]string{"a.txt": "aaaa"})

	entry.SizeBytes = 999
	entry.FileCount = 7
	require.NoError(t, store.Commit(ctx, entry))

	entries, err := store.List(ctx, "", cache.SortByProject)
	require.NoError(t, err)
	require.Len(t, entries, 1, "recommit must replace, not duplicate")
	assert.Equal(t, int64(999), entries[0].SizeBytes)
	assert.Equal(t, 7, entries[0].FileCount)
}

func TestCommitValidation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	tests := []struct {
		name  string
		entry model.CacheEntry
	}{
		{
			name:  "missing key",
			entry: model.CacheEntry{ProjectName: "p", DestinationPath: "/tmp/p"},
		},
		{
			name:  "missing project name",
			entry: model.CacheEntry{Key: "abc", DestinationPath: "/tmp/p"},
		},
		{
			name:  "missing destination",
			entry: model.CacheEntry{Key: "abc", ProjectName: "p"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Commit(ctx, tt.entry)
			require.Error(t, err)
		})
	}
}

func TestListSortingAndFilter(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	parent := t.TempDir()

	base := time.Now().UTC().Add(-3 * time.Hour)
	seeds := []struct {
		project  string
		content  string
		accessed time.Time
	}{
		{"cifar", "12345678901234567890", base},
		{"abide", "123456789012345678901234567890", base.Add(time.Hour)},
		{"brats", "1234567890", base.Add(2 * time.Hour)},
	}
	for _, s := range seeds {
		dest := filepath.Join(parent, s.project)
		require.NoError(t, os.MkdirAll(dest, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dest, "data.bin"), []byte(s.content), 0o644))
		require.NoError(t, store.Commit(ctx, model.CacheEntry{
			Key:             model.ComputeKey(&model.Dataset{Source: "https://x/" + s.project, ProjectName: s.project}),
			ProjectName:     s.project,
			DestinationPath: dest,
			SizeBytes:       int64(len(s.content)),
			FileCount:       1,
			CreatedAt:       s.accessed,
			LastAccessedAt:  s.accessed,
		}))
	}

	projectNames := func(entries []model.CacheEntry) []string {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.ProjectName)
		}
		return names
	}

	t.Run("by project", func(t *testing.T) {
		entries, err := store.List(ctx, "", cache.SortByProject)
		require.NoError(t, err)
		assert.Equal(t, []string{"abide", "brats", "cifar"}, projectNames(entries))
	})

	t.Run("default is by project", func(t *testing.T) {
		entries, err := store.List(ctx, "", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"abide", "brats", "cifar"}, projectNames(entries))
	})

	t.Run("by size ascending", func(t *testing.T) {
		entries, err := store.List(ctx, "", cache.SortBySize)
		require.NoError(t, err)
		assert.Equal(t, []string{"brats", "cifar", "abide"}, projectNames(entries))
		assert.Equal(t, int64(10), entries[0].SizeBytes)
		assert.Equal(t, int64(30), entries[2].SizeBytes)
	})

	t.Run("by last access ascending", func(t *testing.T) {
		entries, err := store.List(ctx, "", cache.SortByLastAccess)
		require.NoError(t, err)
		assert.Equal(t, []string{"cifar", "abide", "brats"}, projectNames(entries))
	})

	t.Run("project filter", func(t *testing.T) {
		entries, err := store.List(ctx, "brats", cache.SortByProject)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "brats", entries[0].ProjectName)
	})

	t.Run("unknown sort key", func(t *testing.T) {
		_, err := store.List(ctx, "", cache.SortBy("bogus"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sort key")
	})
}

func TestVerifyReportsWithoutMutating(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	parent := t.TempDir()

	seedEntry(t, store, parent, "kept", map[string]string{"a.txt": "data"})
	stale := seedEntry(t, store, parent, "lost", map[string]string{"b.txt": "data"})
	require.NoError(t, os.RemoveAll(stale.DestinationPath))

	results, err := store.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byProject := make(map[string]bool, len(results))
	for _, r := range results {
		byProject[r.Entry.ProjectName] = r.Valid
	}
	assert.True(t, byProject["kept"])
	assert.False(t, byProject["lost"])

	entries, err := store.List(ctx, "", cache.SortByProject)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "verify must not remove entries")
}

func TestCleanDryRunOnlyReports(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	parent := t.TempDir()

	seedEntry(t, store, parent, "kept", map[string]string{"a.txt": "data"})
	stale := seedEntry(t, store, parent, "lost", map[string]string{"b.txt": "data"})
	require.NoError(t, os.RemoveAll(stale.DestinationPath))

	staging := filepath.Join(parent, fsutil.StagingPrefix+"12345")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "partial.bin"), []byte("xx"), 0o644))

	result, err := store.Clean(ctx, true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	require.Len(t, result.RemovedEntries, 1)
	assert.Equal(t, "lost", result.RemovedEntries[0].ProjectName)
	assert.Equal(t, []string{staging}, result.SweptStaging)

	entries, err := store.List(ctx, "", cache.SortByProject)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "dry run must not remove entries")
	assert.DirExists(t, staging, "dry run must not sweep staging directories")
}

func TestCleanRemovesStaleEntriesAndStaging(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	parent := t.TempDir()

	kept := seedEntry(t, store, parent, "kept", map[string]string{"a.txt": "data"})
	stale := seedEntry(t, store, parent, "lost", map[string]string{"b.txt": "data"})
	require.NoError(t, os.RemoveAll(stale.DestinationPath))

	staging := filepath.Join(parent, fsutil.StagingPrefix+"98765")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "partial.bin"), []byte("xx"), 0o644))

	result, err := store.Clean(ctx, false)
	require.NoError(t, err)
	assert.False(t, result.DryRun)
	require.Len(t, result.RemovedEntries, 1)
	assert.Equal(t, stale.Key, result.RemovedEntries[0].Key)
	assert.Equal(t, []string{staging}, result.SweptStaging)
	assert.NoDirExists(t, staging)

	entries, err := store.List(ctx, "", cache.SortByProject)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, kept.Key, entries[0].Key)
	assert.FileExists(t, filepath.Join(kept.DestinationPath, "a.txt"), "clean must not touch valid data")
}

func TestCleanNeverRemovesValidEntries(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	parent := t.TempDir()

	for i := 0; i < 3; i++ {
		seedEntry(t, store, parent, fmt.Sprintf("valid%d", i), map[string]string{"data.txt": "content"})
	}

	results, err := store.Verify(ctx)
	require.NoError(t, err)
	for _, r := range results {
		require.True(t, r.Valid)
	}

	result, err := store.Clean(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, result.RemovedEntries)

	entries, err := store.List(ctx, "", cache.SortByProject)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRemoveSelectors(t *testing.T) {
	ctx := context.Background()

	t.Run("by key", func(t *testing.T) {
		store := openTestStore(t)
		parent := t.TempDir()
		victim := seedEntry(t, store, parent, "victim", map[string]string{"v.txt": "v"})
		survivor := seedEntry(t, store, parent, "survivor", map[string]string{"s.txt": "s"})

		removed, err := store.Remove(ctx, victim.Key.String())
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		entries, err := store.List(ctx, "", cache.SortByProject)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, survivor.Key, entries[0].Key)
		assert.DirExists(t, victim.DestinationPath, "eviction must not delete data")
	})

	t.Run("by project name", func(t *testing.T) {
		store := openTestStore(t)
		parent := t.TempDir()
		victim := seedEntry(t, store, parent, "victim", map[string]string{"v.txt": "v"})
		seedEntry(t, store, parent, "survivor", map[string]string{"s.txt": "s"})

		removed, err := store.Remove(ctx, "victim")
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.DirExists(t, victim.DestinationPath)
	})

	t.Run("by destination path", func(t *testing.T) {
		store := openTestStore(t)
		parent := t.TempDir()
		victim := seedEntry(t, store, parent, "victim", map[string]string{"v.txt": "v"})
		seedEntry(t, store, parent, "survivor", map[string]string{"s.txt": "s"})

		removed, err := store.Remove(ctx, victim.DestinationPath)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		entries, err := store.List(ctx, "", cache.SortByProject)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "survivor", entries[0].ProjectName)
	})

	t.Run("no match", func(t *testing.T) {
		store := openTestStore(t)
		seedEntry(t, store, t.TempDir(), "only", map[string]string{"o.txt": "o"})

		_, err := store.Remove(ctx, "no-such-thing")
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrEntryNotFound)
	})
}

func TestClearEvictsEverythingButKeepsData(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	parent := t.TempDir()

	first := seedEntry(t, store, parent, "first", map[string]string{"a.txt": "aa"})
	second := seedEntry(t, store, parent, "second", map[string]string{"b.txt": "bb"})

	removed, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := store.List(ctx, "", cache.SortByProject)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.FileExists(t, filepath.Join(first.DestinationPath, "a.txt"))
	assert.FileExists(t, filepath.Join(second.DestinationPath, "b.txt"))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	t.Run("empty store", func(t *testing.T) {
		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, store.Path(), stats.StorePath)
		assert.Zero(t, stats.EntryCount)
		assert.Zero(t, stats.TotalSizeBytes)
		assert.Zero(t, stats.TotalFileCount)
	})

	t.Run("aggregates entries", func(t *testing.T) {
		parent := t.TempDir()
		seedEntry(t, store, parent, "one", map[string]string{"a.txt": "abc"})
		seedEntry(t, store, parent, "two", map[string]string{"b.txt": "defg", "c.txt": "hij"})

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.EntryCount)
		assert.Equal(t, int64(10), stats.TotalSizeBytes)
		assert.Equal(t, 3, stats.TotalFileCount)
	})
}

func TestConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	parent := t.TempDir()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			project := fmt.Sprintf("proj%d", i)
			dest := filepath.Join(parent, project)
			if err := os.MkdirAll(dest, 0o755); err != nil {
				errs[i] = err
				return
			}
			if err := os.WriteFile(filepath.Join(dest, "data.txt"), []byte("x"), 0o644); err != nil {
				errs[i] = err
				return
			}
			errs[i] = store.Commit(ctx, model.CacheEntry{
				Key:             model.ComputeKey(&model.Dataset{Source: "https://x/" + project, ProjectName: project}),
				ProjectName:     project,
				DestinationPath: dest,
				SizeBytes:       1,
				FileCount:       1,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	entries, err := store.List(ctx, "", cache.SortByProject)
	require.NoError(t, err)
	assert.Len(t, entries, writers)
}
