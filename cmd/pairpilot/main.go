package main

import (
	"fmt"
	"os"

	"github.com/cuemby/pairpilot/pkg/config"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pairpilot",
	Short: "PairPilot - collaborative editing and shared code runs",
	Long: `PairPilot keeps a shared document, its owner and roles, and a shared
run of the document in sync between peers of a room.

The same binary runs the websocket relay peers meet on, the snapshot and
rate-limit API, and a headless peer.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"PairPilot version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads --config, applies the logging flags and initializes the
// global logger
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = log.ParseLevel(lvl)
	}
	if asJSON, _ := cmd.Flags().GetBool("log-json"); asJSON {
		cfg.Log.JSONOutput = true
	}
	log.Init(cfg.Log)
	return cfg, nil
}
