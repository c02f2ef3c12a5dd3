package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	fillFieldRequest string
	fillFieldID      string
)

var fillFieldCmd = &cobra.Command{
	Use:   "fill-field",
	Short: "Fill a single field of a request",
	RunE: func(cmd *cobra.Command, _ []string) error {
		req, err := loadRequest(fillFieldRequest)
		if err != nil {
			return err
		}
		applyConfigOptions(cfg, &req.Options)

		env, err := initEngine()
		if err != nil {
			return err
		}
		defer env.Close()

		ff, err := env.Engine.ExtractOneField(cmd.Context(), req, fillFieldID)
		if err != nil {
			return eris.Wrap(err, "fill-field")
		}
		return writeJSON(cmd.OutOrStdout(), ff)
	},
}

func init() {
	fillFieldCmd.Flags().StringVar(&fillFieldRequest, "request", "", "request file (YAML or JSON)")
	fillFieldCmd.Flags().StringVar(&fillFieldID, "field", "", "id of the field to fill")
	_ = fillFieldCmd.MarkFlagRequired("request")
	_ = fillFieldCmd.MarkFlagRequired("field")
	rootCmd.AddCommand(fillFieldCmd)
}
