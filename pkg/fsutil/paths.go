package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/glorpus-work/dataget/pkg/platform"
)

const (
	// AppName is the name of the application used in paths
	AppName = "dataget"

	// StagingPrefix names in-progress staging directories. The predictable
	// prefix lets the cache clean operation sweep leftovers from
	// interrupted fetches.
	StagingPrefix = ".dataget-tmp-"
)

// GetCacheDir returns the platform-specific cache directory for the application
// On Linux: ~/.cache/dataget/
// On macOS: ~/Library/Caches/dataget/
// On Windows: %LOCALAPPDATA%\dataget\cache\
func GetCacheDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, AppName), nil
}

// getAppDataDir returns the platform-specific base data directory
// On Linux: ~/.local/share
// On macOS: ~/Library/Application Support
// On Windows: %LOCALAPPDATA%
func getAppDataDir() (string, error) {
	switch runtime.GOOS {
	case platform.OSWindows:
		// Windows: %LOCALAPPDATA%
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			return "", errors.New("LOCALAPPDATA environment variable not set")
		}
		return localAppData, nil

	case platform.OSDarwin:
		// macOS: ~/Library/Application Support
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support"), nil

	default: // Linux, BSD, etc.
		// Use XDG_DATA_HOME with fallback to ~/.local/share
		if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
			return xdgDataHome, nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share"), nil
	}
}

// GetDataDir returns the platform-specific data directory for the application
// On Linux: ~/.local/share/dataget/
// On macOS: ~/Library/Application Support/dataget/
// On Windows: %LOCALAPPDATA%\dataget\
func GetDataDir() (string, error) {
	baseDir, err := getAppDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, AppName), nil
}
