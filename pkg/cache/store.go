// Package cache persists the index of successfully fetched datasets in a
// SQLite database shared across processes. The store records metadata only;
// it never owns the fetched files themselves, so evicting an entry leaves
// the data on disk untouched.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-version"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/glorpus-work/dataget/internal/logger"
	pkgerrors "github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fsutil"
)

// Store is the persistent cache index. All operations are transactional
// against the underlying SQLite file; cross-process callers are serialized
// by SQLite's own locking plus a busy timeout.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Options configures Open.
type Options struct {
	// Path is the SQLite file to open. Required; resolve it with
	// ResolveStorePath unless the caller has an explicit location.
	Path string

	// PoolSize is the number of connections held open. Zero or negative
	// selects the default.
	PoolSize int
}

// ResolveStorePath picks the store file for an invocation. Precedence:
// the DATAGET_CACHE_PATH environment variable, then the per-destination
// store when local is true or DATAGET_LOCAL_CACHE is set, then the shared
// per-user store under the OS cache directory.
func ResolveStorePath(destination string, local bool) (string, error) {
	if path := os.Getenv(EnvCachePath); path != "" {
		return path, nil
	}
	if !local {
		local = os.Getenv(EnvLocalCache) != ""
	}
	if local {
		if destination == "" {
			destination = "."
		}
		return filepath.Join(destination, localStoreDir, StoreFileName), nil
	}
	cacheDir, err := fsutil.GetCacheDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to resolve user cache directory")
	}
	return filepath.Join(cacheDir, StoreFileName), nil
}

// Open opens (creating if necessary) the store at opts.Path. A store file
// that turns out not to be a database is moved aside and replaced with a
// fresh one, so a corrupted index degrades to cache misses instead of
// failing every run.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("cache store path is required")
	}
	if err := fsutil.EnsureFileDir(opts.Path); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create cache store directory for %s", opts.Path)
	}

	store, err := open(ctx, opts)
	if err != nil && errors.Is(err, pkgerrors.ErrCacheCorruption) {
		archived := fmt.Sprintf("%s.corrupt-%s", opts.Path, time.Now().UTC().Format("20060102T150405Z"))
		if moveErr := fsutil.Move(opts.Path, archived); moveErr != nil {
			return nil, err
		}
		removeSidecars(opts.Path)
		logger.Warnf("cache store %s is corrupted, moved aside to %s and starting fresh", opts.Path, archived)
		return open(ctx, opts)
	}
	return store, err
}

func open(ctx context.Context, opts Options) (*Store, error) {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	pool, err := sqlitex.NewPool(opts.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to open cache store %s", opts.Path))
	}

	store := &Store{pool: pool, path: opts.Path}
	if err := store.bootstrap(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the store file location.
func (s *Store) Path() string {
	return s.path
}

// Close releases all database connections. The store must not be used
// afterwards.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return pkgerrors.Wrapf(err, "failed to close cache store %s", s.path)
	}
	return nil
}

// prepareConn runs once per pooled connection. WAL allows concurrent
// readers during writes; the busy timeout serializes writers from other
// processes instead of failing immediately.
func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return classify(err, pragma)
		}
	}
	return nil
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key        TEXT PRIMARY KEY,
	project_name     TEXT NOT NULL,
	destination_path TEXT NOT NULL,
	size_bytes       INTEGER NOT NULL DEFAULT 0,
	file_count       INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	last_accessed    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_project
	ON cache_entries(project_name);

CREATE INDEX IF NOT EXISTS idx_cache_entries_destination
	ON cache_entries(destination_path);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// bootstrap creates the schema and reconciles the stored schema version
// with the one this build writes.
func (s *Store) bootstrap(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return classify(err, fmt.Sprintf("failed to initialize cache store %s", s.path))
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, storeSchema, nil); err != nil {
		return classify(err, fmt.Sprintf("failed to create cache store schema in %s", s.path))
	}
	return s.checkSchemaVersion(conn)
}

func (s *Store) checkSchemaVersion(conn *sqlite.Conn) error {
	var stored string
	err := sqlitex.Execute(conn, `SELECT value FROM meta WHERE key = 'schema_version'`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stored = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return classify(err, "failed to read cache store schema version")
	}

	current := version.Must(version.NewVersion(schemaVersion))
	if stored == "" {
		return s.writeSchemaVersion(conn)
	}

	found, err := version.NewVersion(stored)
	if err != nil {
		return pkgerrors.Wrapf(pkgerrors.ErrCacheCorruption, "cache store %s has unparsable schema version %q", s.path, stored)
	}
	if found.GreaterThan(current) {
		return pkgerrors.Wrapf(pkgerrors.ErrStoreVersion,
			"cache store %s has schema version %s, this build supports up to %s", s.path, stored, schemaVersion)
	}
	if found.LessThan(current) {
		// Schema evolution is additive; older stores only need the
		// version stamp refreshed.
		return s.writeSchemaVersion(conn)
	}
	return nil
}

func (s *Store) writeSchemaVersion(conn *sqlite.Conn) error {
	err := sqlitex.Execute(conn, `INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`, &sqlitex.ExecOptions{
		Args: []any{schemaVersion},
	})
	if err != nil {
		return classify(err, "failed to write cache store schema version")
	}
	return nil
}

// classify wraps database errors, tagging definite corruption so callers
// can degrade the affected lookup to a miss instead of aborting the run.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pkgerrors.ErrCacheCorruption) {
		return err
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultCorrupt, sqlite.ResultNotADB:
		return pkgerrors.Wrapf(pkgerrors.ErrCacheCorruption, "%s: %v", msg, err)
	}
	return pkgerrors.Wrap(err, msg)
}

// removeSidecars deletes the WAL and shared-memory files belonging to a
// database file that was just moved aside.
func removeSidecars(path string) {
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
}
