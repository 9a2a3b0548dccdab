package hooks

import (
	"sync"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"

	"github.com/glorpus-work/dataget/pkg/errors"
)

// TengoExecutor stores hook scripts and runs them with tengo.
type TengoExecutor struct {
	scripts map[Event]string
	mutex   sync.RWMutex
}

// NewTengoExecutor creates an executor with no scripts bound.
func NewTengoExecutor() *TengoExecutor {
	return &TengoExecutor{
		scripts: make(map[Event]string),
	}
}

// Execute runs the script bound to the event, if any.
func (e *TengoExecutor) Execute(event Event, hctx Context) error {
	e.mutex.RLock()
	script, exists := e.scripts[event]
	e.mutex.RUnlock()

	if !exists {
		return nil
	}
	return runScript(event, script, hctx)
}

// AddScript binds or replaces the script for an event.
func (e *TengoExecutor) AddScript(event Event, script string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.scripts[event] = script
}

// RemoveScript removes the script bound to the event.
func (e *TengoExecutor) RemoveScript(event Event) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.scripts, event)
}

// HasScript reports whether a script is bound to the event.
func (e *TengoExecutor) HasScript(event Event) bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	_, exists := e.scripts[event]
	return exists
}

// runScript compiles and runs one script with the dataset context bound as
// globals. Scripts report failure by assigning a non-empty err.
func runScript(event Event, script string, hctx Context) error {
	instance := tengo.NewScript([]byte(script))
	instance.SetImports(stdlib.GetModuleMap("fmt", "os", "text", "times", "json"))

	_ = instance.Add("event", string(event))
	_ = instance.Add("projectName", hctx.ProjectName)
	_ = instance.Add("source", hctx.Source)
	_ = instance.Add("destination", hctx.Destination)
	_ = instance.Add("dataPath", hctx.DataPath)
	_ = instance.Add("version", hctx.Version)
	_ = instance.Add("sizeBytes", hctx.SizeBytes)
	_ = instance.Add("fileCount", hctx.FileCount)
	for k, v := range hctx.Vars {
		_ = instance.Add(k, v)
	}

	compiled, err := instance.Run()
	if err != nil {
		return errors.Wrapf(errors.ErrHookExecution, "%s: %v", event, err)
	}

	if errVar := compiled.Get("err"); errVar != nil {
		switch v := errVar.Value().(type) {
		case error:
			return errors.Wrap(errors.ErrHookScript, v.Error())
		case string:
			if v != "" {
				return errors.Wrap(errors.ErrHookScript, v)
			}
		}
	}

	return nil
}
