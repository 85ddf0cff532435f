package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatwatch",
	Short: "ChatWatch - Per-character chat usage tracking daemon",
	Long: `ChatWatch accumulates chat usage statistics per character and group:
online time, messages sent and received, and token usage, aggregated per
calendar day. The host page reports visibility, activity, and message events
over a small HTTP command API; stats flow back as queries or a live event
stream. Optional reminders fire after configurable session durations or at
fixed times of day.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/chatwatch/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
