// Package cmd implements CLI commands using the cobra framework.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/metrics"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "strix",
	Short: "Strix - Real-time hotline call transcription pipeline",
	Long: `Strix moves citizen-hotline calls from packets on the wire to ordered
transcripts on browser sockets, in four independently restartable stages:

  capture   passively sniffs SIP/RTP, reassembles and segments call audio
  asr       recognizes voice segments and publishes transcript events
  router    restores per-peer event order and fans out over WebSocket
  ticket    summarizes finished conversations into structured tickets`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/strix/config.yml",
		"config file path")
}

// setup loads configuration and initializes logging and metrics; every
// component command starts here.
func setup() (*config.GlobalConfig, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := log.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

// runComponent runs a component until SIGINT/SIGTERM, with the metrics
// server alongside when enabled.
func runComponent(cfg *config.GlobalConfig, run func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	return run(ctx)
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
