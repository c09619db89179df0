package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/strix/internal/router"
	"firestige.xyz/strix/internal/transport"
)

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Run the event router component",
	Long: `Subscribes to transcript events, restores per-peer ordering by voice
start time, and serves them to WebSocket clients on /listening.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		source := transport.NewEventReader(cfg.Transport)
		defer source.Close()

		endpoint := strings.Join(cfg.Transport.Brokers, ",") + "/" + cfg.Transport.EventsTopic
		rt := router.New(cfg.Router, source, endpoint)
		return runComponent(cfg, rt.Run)
	},
}

func init() {
	rootCmd.AddCommand(routerCmd)
}
