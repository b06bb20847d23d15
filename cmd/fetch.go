package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/quantfeed/marketfeed/internal/monitoring"
)

var fetchJSON bool

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one acquisition cycle across all enabled sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		p, _, _, err := buildPipeline(ctx, st)
		if err != nil {
			return err
		}

		summary, err := p.RunCycle(ctx)
		if err != nil {
			return eris.Wrap(err, "run cycle")
		}

		collector := monitoring.NewCollector(nil)
		collector.Record(summary)

		alerter := monitoring.NewAlerter(monitoring.AlerterConfig{
			RejectionThreshold: cfg.Monitor.RejectionThreshold,
		}, nil)
		alerter.Sweep(summary)

		if fetchJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchJSON, "json", false, "print the cycle summary as JSON")
	rootCmd.AddCommand(fetchCmd)
}
