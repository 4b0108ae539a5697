package cli

import (
	"fmt"
	"os"

	"controlhub/internal/config"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "controlhub",
	Short: "Communitee control hub: automation run/stop service and client",
	Long: `controlhub serves the automation control API and talks to it.

  controlhub run                               start the HTTP server
  controlhub token --sub user-1                mint a bearer token for a caller
  controlhub bulk --action stop --ids a1,a2    run or stop automations in bulk
  controlhub automations list --status running

Client commands read CONTROLHUB_API_URL and CONTROLHUB_API_TOKEN (or api.url /
api.token in the config file) unless --url / --token are given.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Error reading config file:", err)
	}
}
