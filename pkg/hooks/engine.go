package hooks

import (
	"os"

	"github.com/glorpus-work/dataget/internal/logger"
)

// Engine binds hook scripts to the events the fetch flow fires. Scripts
// loaded from the app config apply to every dataset; a script path under
// the event's name in a dataset's extras replaces the configured script
// for that dataset.
type Engine struct {
	executor *TengoExecutor
}

// NewEngine creates an engine with no scripts bound.
func NewEngine() *Engine {
	return &Engine{executor: NewTengoExecutor()}
}

// Load reads event-name to script-path entries, typically the config's
// hooks section. Unknown event names and unreadable scripts fail the load.
func (e *Engine) Load(scripts map[string]string) error {
	for name, path := range scripts {
		if !KnownEvent(name) {
			return ErrUnknownEvent(name)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return ErrScriptRead(path, err)
		}
		e.executor.AddScript(Event(name), string(content))
		logger.Debugf("loaded %s hook from %s", name, path)
	}
	return nil
}

// HasScript reports whether a configured script is bound to the event.
func (e *Engine) HasScript(event Event) bool {
	return e.executor.HasScript(event)
}

// Run fires one event for a dataset. extra is the dataset's extras; a
// string value under the event's name points at a script file that runs
// instead of the configured script.
func (e *Engine) Run(event Event, extra map[string]interface{}, hctx Context) error {
	if path, ok := extra[string(event)].(string); ok && path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return ErrScriptRead(path, err)
		}
		return runScript(event, string(content), hctx)
	}
	return e.executor.Execute(event, hctx)
}
