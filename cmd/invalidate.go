package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/quantfeed/marketfeed/internal/store"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <key-prefix>",
	Short: "Drop cache entries by key prefix",
	Long:  "Removes every cache entry whose key starts with the prefix, forcing a refetch on next read. Use after an event that makes cached values wrong, e.g. `invalidate metric/btc_price`.",
	Args:  cobra.ExactArgs(1),
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

		cache := store.NewCache(st, store.CacheOptions{})
		n, err := cache.Invalidate(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "invalidate %q", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d entries\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(invalidateCmd)
}
