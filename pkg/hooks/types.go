// Package hooks runs user-supplied tengo scripts around dataset fetches.
// Scripts come from the app config or from a dataset's extras and observe
// the dataset through bound globals; assigning a non-empty err aborts the
// dataset.
package hooks

// Event names a point in a dataset's lifecycle where scripts run.
type Event string

// Supported hook events.
const (
	// PreFetch runs after the cache misses, before the provider fetches.
	PreFetch Event = "pre_fetch"

	// PostFetch runs after normalization, before the cache entry commits.
	PostFetch Event = "post_fetch"
)

// KnownEvent reports whether name is a supported hook event.
func KnownEvent(name string) bool {
	switch Event(name) {
	case PreFetch, PostFetch:
		return true
	}
	return false
}

// Context carries the dataset facts visible to a hook script.
type Context struct {
	ProjectName string
	Source      string
	Destination string
	DataPath    string
	Version     string

	// SizeBytes and FileCount are zero for pre_fetch; post_fetch sees the
	// normalized result.
	SizeBytes int64
	FileCount int

	// Vars are additional globals bound by the caller.
	Vars map[string]interface{}
}
