package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/strix/internal/capture"
	"firestige.xyz/strix/internal/transport"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run the capture & reassembly component",
	Long: `Passively sniffs UDP traffic on the configured interface, tracks SIP
dialogs, reassembles per-call RTP audio, and pushes decoded voice segments
to the ASR worker. Requires CAP_NET_RAW.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		writer := transport.NewAudioWriter(cfg.Transport)
		defer writer.Close()

		comp, err := capture.New(cfg.Capture, cfg.Node.HostIP, writer)
		if err != nil {
			return err
		}

		return runComponent(cfg, comp.Run)
	},
}

func init() {
	rootCmd.AddCommand(captureCmd)
}
