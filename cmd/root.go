package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fieldfill/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fieldfill",
	Short: "Fill structured forms from conversation transcripts",
	Long: `fieldfill extracts form field values from an old and a new transcript with one
or more LLM providers. Providers are reconciled by a verifier, weak fields are
escalated, and locked or user-entered values are left alone.

Commands:
  fill        fill every field of a request file and print the result
  fill-field  fill one field of a request file
  ingest      embed solved exemplars into the retrieval index
  runs        list or show results recorded with fill --record

Configuration is read from config.yaml and FIELDFILL_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.Strings("providers", cfg.Extraction.Providers),
			zap.String("retrieval", cfg.Retrieval.Backend),
			zap.String("store", cfg.Store.Driver),
		)
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
