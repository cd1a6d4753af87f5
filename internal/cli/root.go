// Package cli implements the command-line interface for collab.
package cli

import (
	"fmt"
	"os"

	"github.com/kilupskalvis/collab/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "collab",
	Short: "Real-time collaborative editing server",
	Long: `collab runs a real-time collaborative document editing server and
provides commands to administer it. Participants connect over a websocket,
join rooms, and edit a shared document; the server orders their edits,
relays cursors and chat, and snapshots documents to durable storage.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		envOrDefault("COLLAB_CONFIG", config.DefaultPath()),
		"Config file (env: COLLAB_CONFIG)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the config file named by --config.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	return cfg
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// NewServerCommand returns a standalone command equivalent to "collab server
// start", sharing its flags.
func NewServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "collab-server",
		Short:        serverStartCmd.Short,
		Long:         serverStartCmd.Long,
		Args:         cobra.NoArgs,
		Run:          runServerStart,
		SilenceUsage: true,
	}
	cmd.Flags().AddFlagSet(serverStartCmd.Flags())
	cmd.PersistentFlags().AddFlagSet(rootCmd.PersistentFlags())
	return cmd
}
