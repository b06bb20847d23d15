package main

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/quantfeed/marketfeed/internal/adapter"
)

type metricStatus struct {
	Metric         string    `json:"metric"`
	Date           string    `json:"date,omitempty"`
	Value          float64   `json:"value,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Interpretation string    `json:"interpretation,omitempty"`
	Sources        int       `json:"registered_sources"`
	UpdatedAt      time.Time `json:"updated_at"`
	Missing        bool      `json:"missing,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest reconciled value per registered metric",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		registry, err := adapter.LoadFile(cfg.Adapters)
		if err != nil {
			return eris.Wrap(err, "load adapter registry")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		expected := registry.ExpectedSources()
		metrics := make([]string, 0, len(expected))
		for m := range expected {
			metrics = append(metrics, m)
		}
		sort.Strings(metrics)

		statuses := make([]metricStatus, 0, len(metrics))
		for _, metric := range metrics {
			rec, err := st.GetLatest(ctx, metric)
			if err != nil {
				return eris.Wrapf(err, "latest %s", metric)
			}
			status := metricStatus{Metric: metric, Sources: expected[metric]}
			if rec == nil {
				status.Missing = true
			} else {
				status.Date = rec.Date.Format("2006-01-02")
				status.Value = rec.Value
				status.Confidence = rec.Confidence
				status.Interpretation = rec.Interpretation
				status.UpdatedAt = rec.UpdatedAt
			}
			statuses = append(statuses, status)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
