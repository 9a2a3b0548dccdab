package cache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/glorpus-work/dataget/internal/logger"
	pkgerrors "github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fsutil"
	"github.com/glorpus-work/dataget/pkg/model"
)

// SortBy selects the ordering of List results. All orderings are ascending.
type SortBy string

// Supported List orderings.
const (
	SortByProject    SortBy = "project"
	SortBySize       SortBy = "size"
	SortByLastAccess SortBy = "last-access"
)

// VerifyResult pairs an entry with the outcome of its existence check.
type VerifyResult struct {
	Entry model.CacheEntry
	Valid bool
}

// CleanResult reports what Clean removed, or would remove in dry-run mode.
type CleanResult struct {
	RemovedEntries []model.CacheEntry
	SweptStaging   []string
	DryRun         bool
}

// Stats aggregates the store contents.
type Stats struct {
	StorePath      string
	EntryCount     int
	TotalSizeBytes int64
	TotalFileCount int
}

const entryColumns = `cache_key, project_name, destination_path, size_bytes, file_count, created_at, last_accessed`

// Lookup returns the entry for key, or nil on a miss. A hit requires the
// recorded destination to still hold at least one file; entries whose data
// is gone are reported as misses and left for Clean to remove. Hits bump
// the entry's last-access time.
func (s *Store) Lookup(ctx context.Context, key model.CacheKey) (*model.CacheEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, classify(err, "cache lookup failed")
	}
	defer s.pool.Put(conn)

	entry, err := selectEntry(conn, key)
	if err != nil {
		return nil, classify(err, "cache lookup failed")
	}
	if entry == nil {
		return nil, nil
	}
	if !destinationPopulated(entry.DestinationPath) {
		logger.Debugf("cache entry for %s is stale, %s no longer holds data", entry.ProjectName, entry.DestinationPath)
		return nil, nil
	}

	now := time.Now().UTC()
	err = sqlitex.Execute(conn, `UPDATE cache_entries SET last_accessed = ? WHERE cache_key = ?`, &sqlitex.ExecOptions{
		Args: []any{now.Format(time.RFC3339Nano), string(key)},
	})
	if err != nil {
		return nil, classify(err, "cache lookup failed")
	}
	entry.LastAccessedAt = now
	return entry, nil
}

// Commit inserts or replaces the entry for its key. The destination path is
// stored in absolute form so lookups are independent of the working
// directory. Committing the same entry twice is a no-op.
func (s *Store) Commit(ctx context.Context, entry model.CacheEntry) error {
	if entry.Key == "" || entry.ProjectName == "" || entry.DestinationPath == "" {
		return fmt.Errorf("cache entry requires key, project name and destination path")
	}

	destination, err := filepath.Abs(entry.DestinationPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to resolve destination path %s", entry.DestinationPath)
	}

	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	accessed := entry.LastAccessedAt
	if accessed.IsZero() {
		accessed = created
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return classify(err, "cache commit failed")
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO cache_entries
		(`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(entry.Key),
			entry.ProjectName,
			destination,
			entry.SizeBytes,
			entry.FileCount,
			created.UTC().Format(time.RFC3339Nano),
			accessed.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return classify(err, "cache commit failed")
	}
	logger.Debugf("cache entry committed for %s (key %.16s)", entry.ProjectName, entry.Key)
	return nil
}

// List returns all entries, optionally restricted to one project name,
// ordered by the given sort key.
func (s *Store) List(ctx context.Context, projectFilter string, sortBy SortBy) ([]model.CacheEntry, error) {
	order, err := sortClause(sortBy)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + entryColumns + ` FROM cache_entries`
	var args []any
	if projectFilter != "" {
		query += ` WHERE project_name = ?`
		args = append(args, projectFilter)
	}
	query += ` ORDER BY ` + order

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, classify(err, "cache list failed")
	}
	defer s.pool.Put(conn)

	var entries []model.CacheEntry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry, err := scanEntry(stmt)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		},
	})
	if err != nil {
		return nil, classify(err, "cache list failed")
	}
	return entries, nil
}

// Verify checks every entry's destination without mutating the store.
func (s *Store) Verify(ctx context.Context) ([]VerifyResult, error) {
	entries, err := s.List(ctx, "", SortByProject)
	if err != nil {
		return nil, err
	}
	results := make([]VerifyResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, VerifyResult{
			Entry: entry,
			Valid: destinationPopulated(entry.DestinationPath),
		})
	}
	return results, nil
}

// Clean removes entries whose destinations no longer hold data, plus
// leftover staging directories from interrupted fetches in the parent
// directories the store knows about. With dryRun it only reports what
// would be removed. Entries that verify as valid are never touched.
func (s *Store) Clean(ctx context.Context, dryRun bool) (*CleanResult, error) {
	results, err := s.Verify(ctx)
	if err != nil {
		return nil, err
	}

	result := &CleanResult{DryRun: dryRun}
	parents := make(map[string]struct{})
	for _, r := range results {
		parents[filepath.Dir(r.Entry.DestinationPath)] = struct{}{}
		if !r.Valid {
			result.RemovedEntries = append(result.RemovedEntries, r.Entry)
		}
	}
	result.SweptStaging = findStagingDirs(parents)

	if dryRun {
		return result, nil
	}

	if len(result.RemovedEntries) > 0 {
		if err := s.removeEntries(ctx, result.RemovedEntries); err != nil {
			return nil, err
		}
	}

	var sweepErrs *multierror.Error
	for _, dir := range result.SweptStaging {
		if err := os.RemoveAll(dir); err != nil {
			sweepErrs = multierror.Append(sweepErrs, pkgerrors.Wrapf(err, "failed to remove staging directory %s", dir))
		}
	}
	return result, sweepErrs.ErrorOrNil()
}

func (s *Store) removeEntries(ctx context.Context, entries []model.CacheEntry) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return classify(err, "cache clean failed")
	}
	defer s.pool.Put(conn)

	endTxn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return classify(err, "cache clean failed")
	}
	defer endTxn(&err)

	for _, entry := range entries {
		err = sqlitex.Execute(conn, `DELETE FROM cache_entries WHERE cache_key = ?`, &sqlitex.ExecOptions{
			Args: []any{string(entry.Key)},
		})
		if err != nil {
			return classify(err, "cache clean failed")
		}
		logger.Debugf("removed stale cache entry for %s (key %.16s)", entry.ProjectName, entry.Key)
	}
	return nil
}

// Remove evicts entries matching the selector, tried as a cache key, then
// a project name, then a destination path. It returns the number of
// evicted entries and never deletes data files. An unmatched selector
// yields ErrEntryNotFound.
func (s *Store) Remove(ctx context.Context, selector string) (removed int, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, classify(err, "cache remove failed")
	}
	defer s.pool.Put(conn)

	endTxn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, classify(err, "cache remove failed")
	}
	defer endTxn(&err)

	matchers := []struct {
		column string
		value  string
	}{
		{"cache_key", selector},
		{"project_name", selector},
		{"destination_path", absOrRaw(selector)},
	}
	for _, m := range matchers {
		err = sqlitex.Execute(conn, `DELETE FROM cache_entries WHERE `+m.column+` = ?`, &sqlitex.ExecOptions{
			Args: []any{m.value},
		})
		if err != nil {
			return 0, classify(err, "cache remove failed")
		}
		if n := conn.Changes(); n > 0 {
			return n, nil
		}
	}
	return 0, pkgerrors.Wrapf(pkgerrors.ErrEntryNotFound, "no cache entry matches %q", selector)
}

// Clear evicts every entry and returns how many were removed. Data files
// are never deleted.
func (s *Store) Clear(ctx context.Context) (removed int, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, classify(err, "cache clear failed")
	}
	defer s.pool.Put(conn)

	endTxn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, classify(err, "cache clear failed")
	}
	defer endTxn(&err)

	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM cache_entries`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			removed = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, classify(err, "cache clear failed")
	}

	if err = sqlitex.Execute(conn, `DELETE FROM cache_entries`, nil); err != nil {
		return 0, classify(err, "cache clear failed")
	}
	return removed, nil
}

// Stats aggregates entry count, total bytes and total files across the
// store.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, classify(err, "cache stats failed")
	}
	defer s.pool.Put(conn)

	stats := &Stats{StorePath: s.path}
	err = sqlitex.Execute(conn, `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(file_count), 0) FROM cache_entries`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.EntryCount = stmt.ColumnInt(0)
			stats.TotalSizeBytes = stmt.ColumnInt64(1)
			stats.TotalFileCount = stmt.ColumnInt(2)
			return nil
		},
	})
	if err != nil {
		return nil, classify(err, "cache stats failed")
	}
	return stats, nil
}

func selectEntry(conn *sqlite.Conn, key model.CacheKey) (*model.CacheEntry, error) {
	var entry *model.CacheEntry
	err := sqlitex.Execute(conn, `SELECT `+entryColumns+` FROM cache_entries WHERE cache_key = ?`, &sqlitex.ExecOptions{
		Args: []any{string(key)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e, err := scanEntry(stmt)
			if err != nil {
				return err
			}
			entry = &e
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func scanEntry(stmt *sqlite.Stmt) (model.CacheEntry, error) {
	key := stmt.ColumnText(0)
	created, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(5))
	if err != nil {
		return model.CacheEntry{}, pkgerrors.Wrapf(pkgerrors.ErrCacheCorruption,
			"cache entry %.16s has unparsable created_at %q", key, stmt.ColumnText(5))
	}
	accessed, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(6))
	if err != nil {
		return model.CacheEntry{}, pkgerrors.Wrapf(pkgerrors.ErrCacheCorruption,
			"cache entry %.16s has unparsable last_accessed %q", key, stmt.ColumnText(6))
	}
	return model.CacheEntry{
		Key:             model.CacheKey(key),
		ProjectName:     stmt.ColumnText(1),
		DestinationPath: stmt.ColumnText(2),
		SizeBytes:       stmt.ColumnInt64(3),
		FileCount:       stmt.ColumnInt(4),
		CreatedAt:       created,
		LastAccessedAt:  accessed,
	}, nil
}

func sortClause(sortBy SortBy) (string, error) {
	switch sortBy {
	case "", SortByProject:
		return "project_name ASC", nil
	case SortBySize:
		return "size_bytes ASC", nil
	case SortByLastAccess:
		return "last_accessed ASC", nil
	default:
		return "", fmt.Errorf("unsupported sort key %q", string(sortBy))
	}
}

// destinationPopulated reports whether path is a directory holding at
// least one regular file, however deeply nested.
func destinationPopulated(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	found := false
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// findStagingDirs globs the known destination parents for leftover staging
// directories from interrupted fetches.
func findStagingDirs(parents map[string]struct{}) []string {
	var dirs []string
	for parent := range parents {
		matches, err := filepath.Glob(filepath.Join(parent, fsutil.StagingPrefix+"*"))
		if err != nil {
			continue
		}
		for _, match := range matches {
			if info, err := os.Stat(match); err == nil && info.IsDir() {
				dirs = append(dirs, match)
			}
		}
	}
	sort.Strings(dirs)
	return dirs
}

func absOrRaw(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
