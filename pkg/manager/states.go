package manager

// State names a dataset's position in the fetch lifecycle.
type State string

// Lifecycle states. A dataset always starts at StatePending and ends at
// StateCached or StateFailed; a cache hit jumps there straight from
// StateCacheCheck.
const (
	StatePending     State = "PENDING"
	StateCacheCheck  State = "CACHE_CHECK"
	StateResolving   State = "RESOLVING"
	StateFetching    State = "FETCHING"
	StateNormalizing State = "NORMALIZING"
	StateCommitting  State = "COMMITTING"
	StateCached      State = "CACHED"
	StateFailed      State = "FAILED"
)

// Terminal reports whether the state ends a dataset's run.
func (s State) Terminal() bool {
	return s == StateCached || s == StateFailed
}
