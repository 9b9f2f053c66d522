package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ident-sync/internal/api"
	"github.com/sells-group/ident-sync/internal/crmsync"
	"github.com/sells-group/ident-sync/internal/monitoring"
	"github.com/sells-group/ident-sync/internal/scheduler"
	"github.com/sells-group/ident-sync/internal/telemetry"
)

var servicePort int

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Run scheduled syncs with a status server",
	Long: "Runs an incremental sync every sync.interval_minutes and deep syncs at sync.deep_sync_hours,\n" +
		"serves /health, /runs and /state, and posts monitoring alerts to a webhook.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		log := zap.L().With(zap.String("component", "service"))

		if servicePort != 0 {
			cfg.Server.Port = servicePort
		}

		tp, err := telemetry.Init(ctx, cfg.Telemetry)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				log.Warn("telemetry shutdown failed", zap.Error(err))
			}
		}()

		metrics, err := crmsync.NewMetrics(tp.Meter())
		if err != nil {
			return eris.Wrap(err, "register sync metrics")
		}

		env, err := initSyncEnv(ctx, "service", metrics)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := scheduler.New(env.Engine, env.Lock, scheduler.Config{
			Interval:  time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
			DeepHours: cfg.Sync.DeepSyncHours,
			Location:  env.Location,
		})

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: api.NewRouter(api.RouterConfig{
				Store:  env.Store,
				Engine: env.Engine,
				Checks: map[string]api.Pinger{
					"ident": env.Source.Ping,
					"redis": func(ctx context.Context) error { return env.Redis.Ping(ctx).Err() },
				},
				Version: version,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sched.Run(gctx) })
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			log.Info("starting status server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "status server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down status server")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})

		return g.Wait()
	},
}

func init() {
	serviceCmd.Flags().IntVar(&servicePort, "port", 0, "status server port (default from config)")
	rootCmd.AddCommand(serviceCmd)
}
