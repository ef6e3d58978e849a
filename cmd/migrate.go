package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateSweep bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store schema and optionally sweep expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("store schema up to date", zap.String("driver", cfg.Store.Driver))

		if !migrateSweep {
			return nil
		}
		n, err := st.DeleteExpiredFields(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired cache entries\n", n)
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateSweep, "sweep", false, "delete expired cache entries after migrating")
	rootCmd.AddCommand(migrateCmd)
}
