package cli

import (
	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/config"
)

// initLogger configures the global logger from the effective settings.
// JSON output switches the log stream to JSON too, so machine consumers
// never have to parse mixed formats.
func initLogger(cfg *config.Config) {
	format := logger.FormatText
	if cfg.Settings.OutputFormat == string(logger.FormatJSON) {
		format = logger.FormatJSON
	}
	logger.InitLogger(cfg.Settings.LogLevel, format)
}
