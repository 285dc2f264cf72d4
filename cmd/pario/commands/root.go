// Package commands implements pario's CLI commands.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version, Commit, Date are set by main from build-time ldflags.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "pario",
	Short: "pario - a parallel I/O rearranger and file library CLI",
	Long: `pario drives a process-group-collective parallel I/O library: a
rearranger shuffles elements between compute tasks and a dedicated subset
of I/O tasks, which write through a pluggable backend.

Use "pario [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/pario/config.yaml)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decompCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the --config flag value.
func GetConfigFile() string {
	return cfgFile
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("pario %s (commit: %s, built: %s)\n", Version, Commit, Date)
		return nil
	},
}
