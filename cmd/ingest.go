package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	ingestFile   string
	ingestDomain string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Embed and index solved exemplars for few-shot retrieval",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		exemplars, err := loadExemplars(ingestFile)
		if err != nil {
			return err
		}

		retriever, index, err := initRetriever(cfg)
		if err != nil {
			return eris.Wrap(err, "init retrieval")
		}
		defer index.Close() //nolint:errcheck

		n, err := retriever.Ingest(cmd.Context(), ingestDomain, exemplars)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}
		zap.L().Info("exemplars indexed",
			zap.String("domain", ingestDomain),
			zap.Int("indexed", n),
			zap.Int("read", len(exemplars)),
		)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d of %d exemplars for domain %s\n", n, len(exemplars), ingestDomain)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "exemplar file (YAML or JSON list)")
	ingestCmd.Flags().StringVar(&ingestDomain, "domain", "", "domain the exemplars belong to")
	_ = ingestCmd.MarkFlagRequired("file")
	_ = ingestCmd.MarkFlagRequired("domain")
	rootCmd.AddCommand(ingestCmd)
}
