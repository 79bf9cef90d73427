package cli

import (
	"github.com/spf13/cobra"

	"github.com/neboloop/signon/internal/config"
	"github.com/neboloop/signon/internal/logging"
)

// Shared CLI flags
var (
	cfgFile string
	verbose bool
)

// ServerConfig holds the loaded configuration (set by main, overlaid by
// --config before any command runs).
var ServerConfig *config.Config

// Version is stamped by main.
var Version = "dev"

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config, version string) *cobra.Command {
	ServerConfig = c
	Version = version

	rootCmd := &cobra.Command{
		Use:   "signon",
		Short: "signon - supervised sign-in automation",
		Long: `signon runs sign-in automation requests through operator review,
a pool of browser profiles and one-time-code interventions.

Run 'signon serve' to start the server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				if err := ServerConfig.LoadFile(cfgFile); err != nil {
					return err
				}
			}
			if verbose {
				ServerConfig.Logging.Level = "debug"
			}
			return logging.Init(ServerConfig.Logging)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML file overlaid on the built-in defaults")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(AgentCmd())
	rootCmd.AddCommand(TokenCmd())
	rootCmd.AddCommand(CredentialCmd())
	rootCmd.AddCommand(MigrateCmd())
	rootCmd.AddCommand(GCCmd())
	rootCmd.AddCommand(DoctorCmd())

	return rootCmd
}
