package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/entitlementd/internal/api"
	"github.com/rcourtman/entitlementd/internal/config"
	"github.com/rcourtman/entitlementd/internal/netmon"
	"github.com/rcourtman/entitlementd/internal/reconcile"
	"github.com/rcourtman/entitlementd/internal/schedule"
)

const apiShutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authoritative entitlement server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), config.ModeAuthority)
	},
}

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Run an edge validator backed by a remote authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), config.ModeEdge)
	},
}

func runServe(parent context.Context, mode string) error {
	cfg, err := loadConfig(mode)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close engine cleanly")
		}
	}()

	handler, jobs, err := modeWiring(eng)
	if err != nil {
		return err
	}

	scheduler := schedule.New()
	for _, job := range jobs {
		if err := scheduler.Add(job); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
	} else {
		defer watcher.Stop()
		watcher.OnReload(func(next *config.Config) {
			log.Info().Str("logLevel", next.LogLevel).Msg("Configuration reloaded; restart to apply non-logging changes")
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	apiSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	g.Go(func() error {
		return serveUntilDone(gctx, apiSrv, "API server", apiShutdownTimeout)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveUntilDone(gctx, newMetricsServer(cfg.MetricsAddr), "Metrics endpoint", metricsShutdownTimeout)
		})
	}

	if eng.remote != nil {
		monitor := netmon.NewMonitor(false)
		syncer := reconcile.NewSyncer(eng.entitlements, eng.cache)
		states, unsubscribe := monitor.Subscribe()
		defer unsubscribe()

		g.Go(func() error {
			monitor.Probe(gctx, nil, eng.remote.HealthURL(), cfg.ProbeInterval)
			return nil
		})
		g.Go(func() error {
			syncer.Watch(gctx, states)
			return nil
		})
		if err := scheduler.Add(schedule.Job{
			Name: "forced-sync",
			Spec: schedule.ForcedSyncSpec,
			Run: func(ctx context.Context) error {
				_, err := syncer.Run(ctx)
				return err
			},
		}); err != nil {
			return err
		}
	}

	log.Info().
		Str("mode", cfg.Mode).
		Str("version", Version).
		Str("listen", cfg.ListenAddr).
		Msg("entitlementd started")

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}

// modeWiring returns the HTTP handler and periodic jobs for the engine's mode.
func modeWiring(eng *engine) (http.Handler, []schedule.Job, error) {
	opts := api.Options{
		Entitlements: eng.entitlements,
		FraudEvents:  eng.fraudEvents,
		AuditLogs:    eng.auditLogs,
		Validator:    eng.validator,
		Health:       eng.health,
		Mode:         eng.cfg.Mode,
	}

	pruneUsage := schedule.Job{
		Name: "usage-prune",
		Spec: schedule.UsagePruneSpec,
		Run: func(context.Context) error {
			eng.usage.Prune()
			return nil
		},
	}

	if eng.cfg.Mode == config.ModeEdge {
		// Edges answer from their own cache; the authority is only probed.
		opts.Health = nil
		handler, err := api.NewEdgeRouter(opts)
		if err != nil {
			return nil, nil, err
		}
		return handler, []schedule.Job{
			{
				Name: "revalidate",
				Spec: schedule.RevalidateSpec,
				Run: func(ctx context.Context) error {
					n, err := eng.validator.RevalidateAll(ctx)
					log.Info().Int("accounts", n).Msg("Revalidation sweep finished")
					return err
				},
			},
			pruneUsage,
		}, nil
	}

	handler, err := api.NewAuthorityRouter(opts)
	if err != nil {
		return nil, nil, err
	}
	return handler, []schedule.Job{
		{
			Name: "grace-sweep",
			Spec: schedule.GraceSweepSpec,
			Run: func(ctx context.Context) error {
				n, err := eng.grace.Sweep(ctx)
				if n > 0 {
					log.Info().Int("transitions", n).Msg("Grace sweep applied transitions")
				}
				return err
			},
		},
		pruneUsage,
	}, nil
}
