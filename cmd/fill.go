package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fieldfill/internal/store"
)

var (
	fillRequest string
	fillRecord  bool
	fillOut     string
)

var fillCmd = &cobra.Command{
	Use:   "fill",
	Short: "Fill every field of a request",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := loadRequest(fillRequest)
		if err != nil {
			return err
		}
		applyConfigOptions(cfg, &req.Options)

		env, err := initEngine()
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Engine.ExtractAllFields(ctx, req)
		if err != nil {
			return eris.Wrap(err, "fill")
		}

		if fillRecord {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			run := store.NewRun(req.Domain, result)
			if err := st.SaveRun(ctx, run); err != nil {
				return eris.Wrap(err, "record run")
			}
			zap.L().Info("run recorded", zap.String("run_id", run.ID))
		}

		if fillOut == "" {
			return writeJSON(cmd.OutOrStdout(), result)
		}
		f, err := os.Create(fillOut)
		if err != nil {
			return eris.Wrapf(err, "create %s", fillOut)
		}
		defer f.Close() //nolint:errcheck
		return writeJSON(f, result)
	},
}

func init() {
	fillCmd.Flags().StringVar(&fillRequest, "request", "", "request file (YAML or JSON)")
	fillCmd.Flags().BoolVar(&fillRecord, "record", false, "persist the result to the run store")
	fillCmd.Flags().StringVar(&fillOut, "out", "", "write the result to a file instead of stdout")
	_ = fillCmd.MarkFlagRequired("request")
	rootCmd.AddCommand(fillCmd)
}
