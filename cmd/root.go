package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/config"
)

var (
	cfg *config.Config

	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Lead enrichment waterfall orchestrator",
	Long:  "Resolves contact fields by querying enrichment providers in per-organization waterfall order, with caching, circuit breakers and per-lead cost ceilings.",
	// Every subcommand needs the config and the global zap logger; commands
	// build their own store, queue and registry from cfg in initEnv.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFile(configFile)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zap.L().Error("enrich failed", zap.Error(err))
		os.Exit(1)
	}
}
