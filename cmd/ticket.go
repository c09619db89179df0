package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/strix/internal/ticket"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Run the ticket summarization proxy",
	Long: `Accepts finished conversations on /ticketGeneration, forwards them to
the round-robin balanced LLM summarizer pool, and returns the structured
ticket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		proxy, err := ticket.NewProxy(cfg.Ticket)
		if err != nil {
			return err
		}
		return runComponent(cfg, proxy.Run)
	},
}

func init() {
	rootCmd.AddCommand(ticketCmd)
}
