package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-mcp-client/config"
	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/lifecycle"
	"github.com/MegaGrindStone/go-mcp-client/metrics"
	"github.com/MegaGrindStone/go-mcp-client/registry"
	"github.com/MegaGrindStone/go-mcp-client/signal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func runCommand(settingsFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to every configured server and keep the connections alive",
		Long: "Connect to every configured server and keep the connections alive until interrupted. " +
			"SIGUSR1 moves the fleet to the background, SIGUSR2 brings it back.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := prepare(cmd, *settingsFile)
			if err != nil {
				return err
			}
			defer h.Close()

			ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFleet(ctx, h)
		},
	}
}

// runFleet serves the fleet described by the store until ctx is done.
func runFleet(ctx context.Context, h *host) error {
	cfg := config.LoadWithLogger(ctx, h.store, h.ConfigKey, h.log)

	g, gctx := errgroup.WithContext(ctx)

	var network signal.NetworkSource
	targets := h.ProbeTargets
	if len(targets) == 0 {
		targets = probeTargets(cfg)
	}
	if len(targets) > 0 {
		prober := signal.NewProber(targets,
			signal.WithProbeInterval(h.ProbeInterval),
			signal.WithProberLogger(h.log),
		)
		network = prober
		g.Go(func() error {
			return prober.Run(gctx)
		})
	}

	fleet, err := buildFleet(cfg, network, h.log)
	if err != nil {
		return err
	}
	defer func() {
		for id, err := range fleet.DisposeAll() {
			h.log.Warn("failed to dispose session", "server", id, "err", err)
		}
	}()
	watchStates(fleet, h)

	if h.MetricsAddr != "" {
		m, err := metrics.New(metrics.Config{})
		if err != nil {
			return err
		}
		for _, s := range fleet.List() {
			m.ObserveSession(s)
			if rm, ok := fleet.Reconnector(s.ID()); ok {
				m.ObserveReconnect(rm)
			}
		}
		serveMetrics(gctx, g, h)
	}

	app := signal.NewAppEmitter()
	defer app.Close()
	controller := lifecycle.NewController(app, fleet,
		lifecycle.WithKeepAlive(cfg.BackgroundKeepAlive),
		lifecycle.WithLogger(h.log),
	)
	defer controller.Close()
	stopLifecycle := notifyLifecycle(app)
	defer stopLifecycle()

	g.Go(func() error {
		return config.Follow(gctx, h.store, h.store, h.ConfigKey, func(next config.Config) {
			fleet.ApplyReconnectConfig(next.Reconnect())
			controller.SetKeepAlive(next.BackgroundKeepAlive)
			h.log.Info("configuration reloaded",
				"policy", next.ReconnectPolicy,
				"maxAttempts", next.MaxReconnectAttempts,
			)
		})
	})

	connectCtx, cancel := context.WithTimeout(gctx, h.ConnectTimeout)
	failed := connectAll(connectCtx, fleet, h.log)
	cancel()
	h.log.Info("fleet started", "servers", fleet.Len(), "failed", failed)

	<-gctx.Done()
	h.log.Info("shutting down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func watchStates(fleet *registry.Registry, h *host) {
	for _, s := range fleet.List() {
		s.SubscribeStates(func(ev connection.StateEvent) {
			if ev.Err != nil {
				h.log.Warn("session state changed",
					"server", ev.SessionID, "from", ev.From.String(), "to", ev.To.String(), "err", ev.Err)
				return
			}
			h.log.Info("session state changed",
				"server", ev.SessionID, "from", ev.From.String(), "to", ev.To.String())
		})
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, h *host) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              h.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		h.log.Info("serving metrics", "addr", h.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
