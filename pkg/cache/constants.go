package cache

// Store location.
const (
	// StoreFileName is the SQLite database file holding the cache index.
	StoreFileName = "cache.db"

	// localStoreDir is the directory created under a destination when the
	// per-project store is selected instead of the shared one.
	localStoreDir = ".dataget"

	// EnvCachePath overrides the store path outright.
	EnvCachePath = "DATAGET_CACHE_PATH"

	// EnvLocalCache, when set to any non-empty value, selects a store under
	// the destination directory instead of the per-user cache directory.
	EnvLocalCache = "DATAGET_LOCAL_CACHE"
)

// schemaVersion is written to the meta table on first open. Stores written
// by a newer release than this build supports are refused.
const schemaVersion = "1.0.0"

// defaultPoolSize bounds concurrent store access within one process. Writes
// are serialized by SQLite anyway; extra connections only help readers.
const defaultPoolSize = 4
