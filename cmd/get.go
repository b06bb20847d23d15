package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	getFrom string
	getTo   string
)

var getCmd = &cobra.Command{
	Use:   "get <metric>",
	Short: "Print reconciled values for a metric",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		metric := args[0]

		from, to, err := parseRange(getFrom, getTo)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		records, err := st.GetMetric(ctx, metric, from, to)
		if err != nil {
			return eris.Wrapf(err, "get %s", metric)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

// parseRange turns loose --from/--to values into a day range. The
// default window is the trailing 30 days.
func parseRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if fromRaw != "" {
		if from, err = dateparse.ParseAny(fromRaw); err != nil {
			return time.Time{}, time.Time{}, eris.Wrapf(err, "bad --from %q", fromRaw)
		}
	}
	if toRaw != "" {
		if to, err = dateparse.ParseAny(toRaw); err != nil {
			return time.Time{}, time.Time{}, eris.Wrapf(err, "bad --to %q", toRaw)
		}
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, eris.Errorf("--from %s is after --to %s", fromRaw, toRaw)
	}
	return from, to, nil
}

func init() {
	getCmd.Flags().StringVar(&getFrom, "from", "", "start date (default: 30 days ago)")
	getCmd.Flags().StringVar(&getTo, "to", "", "end date (default: today)")
	rootCmd.AddCommand(getCmd)
}
