package main

import (
	"os"

	"github.com/httprunner/ProvisionAgent/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "provisionagent",
	Short: "Zero-touch provisioning of media players over SSH",
	Long: `provisionagent turns freshly imaged single-board devices into running media players:
it installs the container runtime, renders the workload, starts it, joins the mesh VPN
and registers the device with the fleet. Progress is persisted in a local SQLite database
so status can be read from another shell while a run is in progress.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if rootLogLevel == "" {
			return nil
		}
		lvl, err := zerolog.ParseLevel(rootLogLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(lvl)
		return nil
	},
}

var (
	rootConfig   string
	rootLogLevel string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfig, "config", "", "config file (overrides $PROVISION_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "log level (overrides $PROVISION_LOG_LEVEL)")
	rootCmd.AddCommand(
		newProvisionCmd(),
		newRetryCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newListCmd(),
		newBulkCmd(),
		newBulkStatusCmd(),
		newSealCmd(),
	)
	_ = config.LoadDotEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("provisionagent command failed")
	}
}
