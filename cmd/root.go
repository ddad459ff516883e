// Package cmd implements CLI commands using cobra.
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Kestrel - camera-to-cloud edge video agent",
	Long: `Kestrel is the on-device client of the Kestrel video analytics service.
It ingests an H.264 camera stream, assembles GOP-aligned fragments, mirrors
them to the cloud in realtime, and persists every fragment to local disk so
that outages replay through the store-and-forward catchup path.`,
	Version: "0.3.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/kestrel/config.yml",
		"config file path")
}
