// Package errors defines the error taxonomy of the fetch engine and small
// helpers for wrapping errors with context.
package errors

import "fmt"

// Common error types.
var (
	// Source resolution errors.
	ErrUnresolvedSource = fmt.Errorf("no provider handles source")
	ErrMalformedSource  = fmt.Errorf("malformed source identifier")

	// Fetch errors.
	ErrTransientFetch    = fmt.Errorf("transient fetch failure")
	ErrAuthorization     = fmt.Errorf("authorization failed")
	ErrInsufficientSpace = fmt.Errorf("insufficient disk space")
	ErrChecksumMismatch  = fmt.Errorf("checksum mismatch")

	// Normalization errors.
	ErrExtraction = fmt.Errorf("archive extraction failed")

	// Cache store errors.
	ErrCacheCorruption = fmt.Errorf("cache store corrupted")
	ErrCacheMigration  = fmt.Errorf("cache migration failed")
	ErrEntryNotFound   = fmt.Errorf("cache entry not found")
	ErrStoreVersion    = fmt.Errorf("unsupported cache store version")

	// Config errors.
	ErrEmptyConfigPath   = fmt.Errorf("config file path cannot be empty")
	ErrInvalidConfigPath = fmt.Errorf("invalid config file path")
	ErrConfigParse       = fmt.Errorf("failed to parse config")
	ErrConfigValidation  = fmt.Errorf("invalid configuration")
	ErrConfigEncode      = fmt.Errorf("failed to encode config")
	ErrConfigDirectory   = fmt.Errorf("failed to create config directory")
	ErrConfigFileCreate  = fmt.Errorf("failed to create config file")
	ErrConfigFileRename  = fmt.Errorf("failed to replace config file")
	ErrRequirementParse  = fmt.Errorf("failed to parse requirement file")

	// Hook errors.
	ErrHookExecution = fmt.Errorf("error executing hook")
	ErrHookScript    = fmt.Errorf("hook script error")
	ErrHookLoad      = fmt.Errorf("failed to load hook")
)

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with additional formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
