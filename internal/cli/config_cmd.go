package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/kilupskalvis/collab/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the server configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write the built-in defaults to the config file named by --config so
they can be edited. An existing file is left alone unless --force is given.`,
	Run: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after applying the file and COLLAB_* environment overrides.",
	Run:   runConfigShow,
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
}

func runConfigInit(_ *cobra.Command, _ []string) {
	if _, err := os.Stat(configPath); err == nil && !configForce {
		exitError("%s already exists (use --force to overwrite)", configPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		exitError("%v", err)
	}

	if err := config.Default().Save(configPath); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Wrote %s\n", configPath)
}

func runConfigShow(_ *cobra.Command, _ []string) {
	cfg := loadConfig()
	if cfg.AdminToken != "" {
		cfg.AdminToken = "********"
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = "********"
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("# %s\n%s", cfg.Path(), data)
}
