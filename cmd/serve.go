package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-enrichment/internal/api"
	"github.com/sells-group/lead-enrichment/internal/health"
	"github.com/sells-group/lead-enrichment/internal/monitoring"
	"github.com/sells-group/lead-enrichment/internal/queue"
)

var (
	servePort    int
	serveWorkers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the intake API with queue workers, the health probe and alerting",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg.Server.Port = resolvePort(servePort, cfg.Server.Port)
		env, err := initEnv(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		publisher := env.newQueue(cfg.Queue.Consumer)
		if err := publisher.Setup(ctx); err != nil {
			return err
		}

		srv := api.NewServer(api.Deps{
			Intake: queue.NewIntake(env.Store, publisher),
			Jobs:   env.Store,
			Health: env.Tracker,
			Policy: env.Policy,
			Checks: map[string]api.Pinger{
				"store": env.Store,
				"redis": redisPinger{env.Redis},
			},
		}, cfg.Server.CORSOrigins)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.Server.Port))
		})
		if serveWorkers {
			startConsumers(gctx, g, env)
		}
		g.Go(func() error {
			return runProbeSchedule(gctx, env)
		})
		g.Go(func() error {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store, env.Policy),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			checker.Run(gctx)
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides config server.port)")
	serveCmd.Flags().BoolVar(&serveWorkers, "workers", true, "run queue consumers in this process")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort returns the flag value when set, otherwise the config value.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// redisPinger adapts a Redis client to api.Pinger.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// startConsumers adds cfg.Queue.Consumers stream consumers to g, each with
// its own consumer name in the group.
func startConsumers(ctx context.Context, g *errgroup.Group, env *appEnv) {
	w := env.newWorker()
	n := env.Config.Queue.Consumers
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s-%d", env.Config.Queue.Consumer, i)
		g.Go(func() error {
			q := env.newQueue(name)
			if err := q.Setup(ctx); err != nil {
				return err
			}
			zap.L().Info("queue consumer started", zap.String("consumer", name))
			return q.Consume(ctx, w.Handle)
		})
	}
}

// runProbeSchedule probes every provider on the configured cron schedule
// until ctx is cancelled. An empty schedule disables probing.
func runProbeSchedule(ctx context.Context, env *appEnv) error {
	schedule := env.Config.Circuit.ProbeSchedule
	if schedule == "" {
		return nil
	}

	prober := health.NewProber(env.Registry, env.Tracker, env.Store,
		time.Duration(env.Config.Circuit.ProbeTimeoutSecs)*time.Second)
	log := zap.L().With(zap.String("component", "probe"))

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		results, err := prober.Probe(ctx, "")
		if err != nil {
			log.Warn("scheduled probe failed", zap.Error(err))
			return
		}
		log.Debug("scheduled probe complete", zap.Int("providers", len(results)))
	}); err != nil {
		return eris.Wrapf(err, "parse probe schedule %q", schedule)
	}

	c.Start()
	log.Info("health probe scheduled", zap.String("schedule", schedule))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
