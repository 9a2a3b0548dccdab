package cli

import (
	"fmt"
	"os"

	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd creates the config command with subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  "View and initialize dataget configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigPathCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  "Display the configuration after defaults and flag overrides",
		RunE:  runConfigShow,
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Long:  "Display the path the configuration is loaded from",
		RunE: func(*cobra.Command, []string) error {
			fmt.Println(getConfigPath())
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration file",
		Long:  "Create a default configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runConfigInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing configuration file")

	return cmd
}

func runConfigShow(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func runConfigInit(force bool) error {
	configPath := getConfigPath()
	if configPath == "" {
		return fmt.Errorf("no configuration path available")
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", configPath)
	}

	if err := config.DefaultConfig().SaveConfig(configPath); err != nil {
		return fmt.Errorf("failed to save default configuration: %w", err)
	}

	logger.Success("Configuration file created", logger.Fields{"path": configPath})
	return nil
}

func getConfigPath() string {
	if ConfigPath != nil && *ConfigPath != "" {
		return *ConfigPath
	}

	defaultPath, err := config.GetDefaultConfigPath()
	if err != nil {
		logger.Warn("Failed to get default config path", logger.Fields{"error": err})
		return ""
	}
	return defaultPath
}
