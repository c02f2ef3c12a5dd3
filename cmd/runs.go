package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fieldfill/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded extraction runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		domain, _ := cmd.Flags().GetString("domain")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, model.RunFilter{Domain: domain, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs")
		}

		if len(runs) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full result of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return writeJSON(cmd.OutOrStdout(), run)
	},
}

func init() {
	runsCmd.Flags().String("domain", "", "filter by domain")
	runsCmd.Flags().Int("limit", 20, "max number of runs to display")

	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDOMAIN\tMODEL\tCOMPLETE\tCHANGED\tESCALATIONS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t--------\t-------\t-----------\t-------")

	for _, r := range runs {
		changed, escalations := 0, 0
		if r.Result != nil {
			escalations = r.Result.Escalations
			for _, ff := range r.Result.Filled {
				if ff.Changed {
					changed++
				}
			}
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%d\t%d\t%s\n",
			truncateID(r.ID),
			r.Domain,
			r.Model,
			r.Completeness*100,
			changed,
			escalations,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
