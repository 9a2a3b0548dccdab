package hooks

import (
	"github.com/glorpus-work/dataget/pkg/errors"
)

// ErrUnknownEvent reports a script bound to an event that never fires.
func ErrUnknownEvent(event string) error {
	return errors.Wrapf(errors.ErrHookLoad, "unknown hook event %q", event)
}

// ErrScriptRead reports a hook script file that could not be read.
func ErrScriptRead(path string, cause error) error {
	return errors.Wrapf(errors.ErrHookLoad, "failed to read hook script %s: %v", path, cause)
}
