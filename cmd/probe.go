package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-enrichment/internal/health"
)

var probeOrg string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Health-check every provider once and update circuit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "probe")
		if err != nil {
			return err
		}
		defer env.Close()

		prober := health.NewProber(env.Registry, env.Tracker, env.Store,
			time.Duration(cfg.Circuit.ProbeTimeoutSecs)*time.Second)
		results, err := prober.Probe(ctx, probeOrg)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeOrg, "org", "", "record results for this organization only (default: all known)")
	rootCmd.AddCommand(probeCmd)
}
