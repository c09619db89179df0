package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/strix/internal/asr"
	"firestige.xyz/strix/internal/transport"
)

var asrCmd = &cobra.Command{
	Use:   "asr",
	Short: "Run the ASR worker component",
	Long: `Consumes voice segments, runs echo cancellation or noise gating,
recognizes speech through the model server, and publishes transcript
events. A model server that cannot be reached at startup is fatal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		timeout, err := time.ParseDuration(cfg.ASR.InferTimeout)
		if err != nil {
			return err
		}
		recognizer, err := asr.NewHTTPRecognizer(cfg.ASR.InferURL, timeout)
		if err != nil {
			// Model load failure is fatal; supervision restarts us.
			exitWithError("recognizer startup", err)
		}

		allowlist, err := asr.LoadAllowlist(cfg.ASR.AllowlistFile)
		if err != nil {
			return err
		}

		source := transport.NewAudioReader(cfg.Transport)
		defer source.Close()
		sink := transport.NewEventWriter(cfg.Transport)
		defer sink.Close()

		worker := asr.NewWorker(cfg.ASR, source, sink, recognizer, allowlist)
		return runComponent(cfg, worker.Run)
	},
}

func init() {
	rootCmd.AddCommand(asrCmd)
}
