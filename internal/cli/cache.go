package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/cache"
	"github.com/spf13/cobra"
)

// NewCacheCmd creates the cache command with subcommands.
func NewCacheCmd() *cobra.Command {
	var localCache bool

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the dataset cache",
		Long:  "List, verify, clean and migrate entries in the dataset cache store",
	}

	cmd.PersistentFlags().BoolVar(&localCache, "local-cache", false, "Operate on the store under the current directory instead of the user cache directory")

	cmd.AddCommand(
		newCacheListCmd(&localCache),
		newCacheStatsCmd(&localCache),
		newCacheVerifyCmd(&localCache),
		newCacheCleanCmd(&localCache),
		newCacheRemoveCmd(&localCache),
		newCacheClearCmd(&localCache),
		newCacheMigrateCmd(&localCache),
	)

	return cmd
}

// cacheStore opens the store the cache subcommands operate on. The local
// toggle resolves relative to the working directory, matching where a
// fetch --local-cache run put its store.
func cacheStore(ctx context.Context, localCache bool) (*cache.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(ctx, cfg, ".", localCache)
}

func newCacheListCmd(localCache *bool) *cobra.Command {
	var sortBy string

	cmd := &cobra.Command{
		Use:   "list [PROJECT]",
		Short: "List cache entries",
		Long:  "List cache entries, optionally restricted to one project name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := ""
			if len(args) == 1 {
				project = args[0]
			}
			return runCacheList(cmd.Context(), *localCache, project, sortBy)
		},
	}

	cmd.Flags().StringVar(&sortBy, "sort", string(cache.SortByProject), "Sort order (project, size, last-access)")

	return cmd
}

func runCacheList(ctx context.Context, localCache bool, project, sortBy string) error {
	store, err := cacheStore(ctx, localCache)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entries, err := store.List(ctx, project, cache.SortBy(sortBy))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No cache entries")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, TabWidth, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROJECT\tSIZE\tFILES\tLAST ACCESS\tPATH")
	for _, entry := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			entry.ProjectName,
			humanize.Bytes(uint64(entry.SizeBytes)),
			entry.FileCount,
			humanize.Time(entry.LastAccessedAt),
			entry.DestinationPath)
	}
	return tw.Flush()
}

func newCacheStatsCmd(localCache *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Long:  "Display the store location and aggregate entry statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCacheStats(cmd.Context(), *localCache)
		},
	}
}

func runCacheStats(ctx context.Context, localCache bool) error {
	store, err := cacheStore(ctx, localCache)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Store: %s\n", stats.StorePath)
	fmt.Printf("Entries: %d\n", stats.EntryCount)
	fmt.Printf("Total size: %s\n", humanize.Bytes(uint64(stats.TotalSizeBytes)))
	fmt.Printf("Total files: %d\n", stats.TotalFileCount)
	return nil
}

func newCacheVerifyCmd(localCache *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that cached data still exists",
		Long:  "Check every entry's destination on disk without changing the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCacheVerify(cmd.Context(), *localCache)
		},
	}
}

func runCacheVerify(ctx context.Context, localCache bool) error {
	store, err := cacheStore(ctx, localCache)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	results, err := store.Verify(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No cache entries")
		return nil
	}

	stale := 0
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, TabWidth, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROJECT\tSTATUS\tPATH")
	for _, result := range results {
		status := "ok"
		if !result.Valid {
			status = "missing"
			stale++
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", result.Entry.ProjectName, status, result.Entry.DestinationPath)
	}
	_ = tw.Flush()

	if stale > 0 {
		logger.Warnf("%d stale entr%s, run 'dataget cache clean' to remove", stale, pluralY(stale))
	}
	return nil
}

func newCacheCleanCmd(localCache *bool) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove stale entries and leftover staging directories",
		Long: `Remove entries whose data is gone from disk and sweep staging
directories left behind by interrupted fetches. Data that still verifies
is never touched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCacheClean(cmd.Context(), *localCache, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be removed without removing it")

	return cmd
}

func runCacheClean(ctx context.Context, localCache, dryRun bool) error {
	store, err := cacheStore(ctx, localCache)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	result, err := store.Clean(ctx, dryRun)
	if err != nil {
		return err
	}

	verb := "removed"
	if result.DryRun {
		verb = "would remove"
	}
	for _, entry := range result.RemovedEntries {
		fmt.Printf("%s entry %s (%s)\n", verb, entry.ProjectName, entry.DestinationPath)
	}
	for _, dir := range result.SweptStaging {
		fmt.Printf("%s staging directory %s\n", verb, dir)
	}
	logger.Success("Cache clean completed", logger.Fields{
		"entries": len(result.RemovedEntries),
		"staging": len(result.SweptStaging),
		"dry_run": result.DryRun,
	})
	return nil
}

func newCacheRemoveCmd(localCache *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "remove SELECTOR",
		Short: "Evict cache entries",
		Long: `Evict entries matching SELECTOR, tried as a cache key, then a
project name, then a destination path. Data files are never deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheRemove(cmd.Context(), *localCache, args[0])
		},
	}
}

func runCacheRemove(ctx context.Context, localCache bool, selector string) error {
	store, err := cacheStore(ctx, localCache)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	removed, err := store.Remove(ctx, selector)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d entr%s\n", removed, pluralY(removed))
	return nil
}

func newCacheClearCmd(localCache *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Evict every cache entry",
		Long:  "Evict every entry from the store. Data files are never deleted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCacheClear(cmd.Context(), *localCache)
		},
	}
}

func runCacheClear(ctx context.Context, localCache bool) error {
	store, err := cacheStore(ctx, localCache)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	removed, err := store.Clear(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d entr%s\n", removed, pluralY(removed))
	return nil
}

func newCacheMigrateCmd(localCache *bool) *cobra.Command {
	var archiveRecords bool

	cmd := &cobra.Command{
		Use:   "migrate ROOT...",
		Short: "Import legacy per-project cache records",
		Long: `Scan directory trees for per-project cache record files written by
earlier releases and import them into the store.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheMigrate(cmd.Context(), *localCache, args, archiveRecords)
		},
	}

	cmd.Flags().BoolVar(&archiveRecords, "archive", false, "Rename imported record files aside instead of leaving them in place")

	return cmd
}

func runCacheMigrate(ctx context.Context, localCache bool, roots []string, archiveRecords bool) error {
	store, err := cacheStore(ctx, localCache)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	started := time.Now()
	report, err := store.MigrateLegacy(ctx, roots, archiveRecords)
	if err != nil {
		return err
	}

	logger.Success("Migration completed", logger.Fields{
		"migrated": report.Migrated,
		"skipped":  report.Skipped,
		"took":     time.Since(started).Round(time.Millisecond).String(),
	})
	return nil
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
