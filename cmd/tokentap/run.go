package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	"github.com/tokentap/tokentap/internal/catalog"
	"github.com/tokentap/tokentap/internal/config"
	"github.com/tokentap/tokentap/internal/extract"
	"github.com/tokentap/tokentap/internal/flow"
	"github.com/tokentap/tokentap/internal/jsonpath"
	"github.com/tokentap/tokentap/internal/proxy"
	"github.com/tokentap/tokentap/internal/server"
	"github.com/tokentap/tokentap/internal/storage/mongo"
	"github.com/tokentap/tokentap/internal/telemetry"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting tokentap",
		"version", version,
		"proxy_addr", cfg.ProxyAddr(),
		"dashboard_addr", cfg.DashboardAddr(),
		"network_mode", cfg.NetworkMode,
		"debug", cfg.Debug,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("tracing shutdown", "error", err)
			}
		}()
	}

	store, err := mongo.Open(ctx, mongo.Options{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout,
	})
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(cctx); err != nil {
			slog.Error("mongo disconnect", "error", err)
		}
	}()

	engine, err := jsonpath.New()
	if err != nil {
		return err
	}
	cat, err := catalog.Load(catalog.OverridePath(), engine.Reset)
	if err != nil {
		return err
	}
	extractor := extract.New(cat, engine)

	var registry *prometheus.Registry
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(registry)
	} else {
		metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	}

	correlator := flow.New(cat, extractor, store, metrics, cfg.Debug)

	caDir := cfg.Proxy.CADir
	if caDir == "" {
		caDir = proxy.CADir()
	}
	ca, err := proxy.LoadOrCreateCA(caDir)
	if err != nil {
		return err
	}

	adminToken, err := server.LoadOrCreateAdminToken(caDir)
	if err != nil {
		return err
	}

	resolver := &dnscache.Resolver{}
	interceptor, err := proxy.New(cat, correlator, ca, resolver)
	if err != nil {
		return err
	}

	dashboard := server.New(server.Deps{
		Store:      store,
		Catalog:    cat,
		Metrics:    metrics,
		Registry:   registry,
		AdminToken: adminToken,
	})

	proxySrv := &http.Server{
		Addr:         cfg.ProxyAddr(),
		Handler:      interceptor.Handler(),
		ReadTimeout:  cfg.Proxy.ReadTimeout,
		WriteTimeout: cfg.Proxy.WriteTimeout,
	}
	dashSrv := &http.Server{
		Addr:         cfg.DashboardAddr(),
		Handler:      dashboard,
		ReadTimeout:  cfg.Dashboard.ReadTimeout,
		WriteTimeout: cfg.Dashboard.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("proxy listening", "addr", proxySrv.Addr)
		if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("dashboard listening", "addr", dashSrv.Addr)
		if err := dashSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Stale-flow sweeper; exits with the signal context.
	g.Go(func() error {
		correlator.Run(gctx)
		return nil
	})

	// Shutdown on signal or first server failure.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownTimeout)
		defer cancel()
		if err := proxySrv.Shutdown(sctx); err != nil {
			slog.Error("proxy shutdown", "error", err)
		}
		if err := dashSrv.Shutdown(sctx); err != nil {
			slog.Error("dashboard shutdown", "error", err)
		}

		// Pending event inserts finish before the store closes.
		correlator.Drain()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("tokentap stopped")
	return nil
}
