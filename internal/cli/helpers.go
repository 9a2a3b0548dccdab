// Package cli contains the dataget CLI commands and subcommands.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glorpus-work/dataget/pkg/archive"
	"github.com/glorpus-work/dataget/pkg/cache"
	"github.com/glorpus-work/dataget/pkg/config"
	"github.com/glorpus-work/dataget/pkg/fetch"
	"github.com/glorpus-work/dataget/pkg/hooks"
	"github.com/glorpus-work/dataget/pkg/httpclient"
	"github.com/glorpus-work/dataget/pkg/manager"
	"github.com/glorpus-work/dataget/pkg/source"
)

// These variables are set by the main package.
var (
	ConfigPath   *string
	Verbose      *bool
	NoColor      *bool
	OutputFormat *string
)

// loadConfig loads the application config, applies flag overrides and
// configures the logger for the effective settings.
func loadConfig() (*config.Config, error) {
	path := ""
	if ConfigPath != nil {
		path = *ConfigPath
	}

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadConfig(path)
	} else {
		defaultPath, pathErr := config.GetDefaultConfigPath()
		if pathErr != nil {
			return nil, fmt.Errorf("failed to get default config path: %w", pathErr)
		}
		cfg, err = config.LoadConfig(defaultPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if OutputFormat != nil && *OutputFormat != "" {
		cfg.Settings.OutputFormat = *OutputFormat
	}
	if NoColor != nil && *NoColor {
		cfg.Settings.ColorOutput = false
	}
	if Verbose != nil && *Verbose {
		cfg.Settings.LogLevel = "debug"
	}

	initLogger(cfg)
	return cfg, nil
}

// loadHTTPClient builds the shared HTTP client with per-host credentials
// from the config's auth section.
func loadHTTPClient(cfg *config.Config) *httpclient.Client {
	return httpclient.New(cfg.Settings.HTTPTimeout, "", cfg.ToAuthMap())
}

// resolveStorePath picks the store file for this invocation. The
// environment overrides beat the config file; the local toggle selects a
// store under the destination instead of any shared location.
func resolveStorePath(cfg *config.Config, destination string, localFlag bool) (string, error) {
	local := localFlag || cfg.Settings.LocalCache
	if !local && os.Getenv(cache.EnvCachePath) == "" {
		if cfg.Settings.CachePath != "" {
			return cfg.Settings.CachePath, nil
		}
		if cfg.Settings.CacheDir != "" {
			return filepath.Join(cfg.Settings.CacheDir, cache.StoreFileName), nil
		}
	}
	return cache.ResolveStorePath(destination, local)
}

// openStore opens the cache store for this invocation.
func openStore(ctx context.Context, cfg *config.Config, destination string, localFlag bool) (*cache.Store, error) {
	path, err := resolveStorePath(cfg, destination, localFlag)
	if err != nil {
		return nil, err
	}
	store, err := cache.Open(ctx, cache.Options{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	return store, nil
}

// loadEngine assembles the fetch engine around an open store.
func loadEngine(cfg *config.Config, store *cache.Store) (*manager.Manager, error) {
	client := loadHTTPClient(cfg)
	mgr := manager.New(store, source.NewRegistry(client), fetch.NewExecutor(nil), archive.NewManager())
	mgr.MaxConcurrent = cfg.Settings.MaxConcurrent

	engine := hooks.NewEngine()
	if err := engine.Load(cfg.Hooks); err != nil {
		return nil, err
	}
	mgr.ScriptHooks = engine

	return mgr, nil
}

// truncate shortens long values for table display.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}
