// Package main wires together the dispatch service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/swoophq/swoop-dispatch/internal/api"
	"github.com/swoophq/swoop-dispatch/internal/config"
	"github.com/swoophq/swoop-dispatch/internal/dispatcher"
	"github.com/swoophq/swoop-dispatch/internal/fingerprint"
	"github.com/swoophq/swoop-dispatch/internal/logging"
	"github.com/swoophq/swoop-dispatch/internal/metrics"
	"github.com/swoophq/swoop-dispatch/internal/probe"
	"github.com/swoophq/swoop-dispatch/internal/proxypool"
	"github.com/swoophq/swoop-dispatch/internal/ratelimit"
	"github.com/swoophq/swoop-dispatch/internal/session"
	"github.com/swoophq/swoop-dispatch/internal/store/postgres"
	collytransport "github.com/swoophq/swoop-dispatch/internal/transport/colly"
	"github.com/swoophq/swoop-dispatch/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	pool := proxypool.New(proxypool.Config{
		MaxFailures: cfg.Proxy.MaxFailures,
		Logger:      logger.Named("proxypool"),
	})
	for _, p := range cfg.Proxy.Proxies {
		desc := &proxypool.Descriptor{
			Host: p.Host,
			Port: p.Port,
			Kind: proxypool.Kind(p.Kind),
			Geo:  proxypool.Geo{Country: p.Country, ISP: p.ISP},
		}
		if p.Username != "" {
			desc.Credentials = &proxypool.Credentials{Username: p.Username, Password: p.Password}
		}
		region := p.Region
		if region == "" {
			region = proxypool.DefaultRegion
		}
		pool.AddProxy(region, desc)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		DomainRPS: cfg.RateLimit.DomainRPS,
		GlobalRPS: cfg.RateLimit.GlobalRPS,
	})
	if err != nil {
		logger.Fatal("rate limiter init failed", zap.Error(err))
	}

	sessions, err := session.NewStore(pool, session.Config{
		SessionTimeout: cfg.SessionTimeout(),
		ProxyTTL:       cfg.ProxyTTL(),
		Fingerprints:   fingerprint.NewGenerator(),
		Logger:         logger.Named("session"),
	})
	if err != nil {
		logger.Fatal("session store init failed", zap.Error(err))
	}

	dispatch, err := dispatcher.New(limiter, pool, sessions, dispatcher.Config{
		Delay: dispatcher.DelayConfig{
			Base:     cfg.BaseDelay(),
			Variance: cfg.Dispatch.DelayVariance,
			Min:      cfg.MinDelay(),
		},
		FailureThreshold: cfg.Dispatch.FailureThreshold,
		Logger:           logger.Named("dispatcher"),
	})
	if err != nil {
		logger.Fatal("dispatcher init failed", zap.Error(err))
	}

	transport := collytransport.New(collytransport.Config{})
	workers := worker.NewPool(
		cfg.Workers.Count,
		cfg.Workers.QueueDepth,
		dispatch,
		sessions,
		transport,
		logger.Named("worker"),
	)

	var snapshots *postgres.SnapshotStore
	if cfg.DB.DSN != "" {
		snapshots, err = postgres.NewSnapshotStore(ctx, postgres.SnapshotStoreConfig{DSN: cfg.DB.DSN})
		if err != nil {
			logger.Fatal("snapshot store init failed", zap.Error(err))
		}
		defer snapshots.Close()
	}

	apiServer := api.NewServer(dispatch, limiter, pool, sessions, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("workers started", zap.Int("count", cfg.Workers.Count))
		workers.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runHealthChecks(ctx, cfg, pool, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSessionCleanup(ctx, cfg, sessions, logger)
	}()

	if snapshots != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSnapshots(ctx, cfg, dispatch, snapshots, logger)
		}()
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Info("shutdown complete")
}

func runHealthChecks(ctx context.Context, cfg config.Config, pool *proxypool.Pool, logger *zap.Logger) {
	interval := time.Duration(cfg.Proxy.HealthCheckSeconds) * time.Second
	prober := probe.NewTCP(time.Duration(cfg.Proxy.ProbeTimeoutSeconds)*time.Second, logger.Named("probe"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := pool.HealthCheckAll(ctx, prober)
			stats := pool.Stats()
			for region, rs := range stats.PerRegion {
				metrics.SetHealthyProxies(region, rs.HealthyProxies)
			}
			logger.Debug("health check pass",
				zap.Int("passed", healthy),
				zap.Int("total", stats.TotalProxies),
			)
		}
	}
}

func runSessionCleanup(ctx context.Context, cfg config.Config, sessions *session.Store, logger *zap.Logger) {
	ticker := time.NewTicker(time.Duration(cfg.Session.CleanupSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := sessions.CleanupExpired(); evicted > 0 {
				logger.Info("expired sessions evicted", zap.Int("count", evicted))
			}
		}
	}
}

func runSnapshots(
	ctx context.Context,
	cfg config.Config,
	dispatch *dispatcher.Dispatcher,
	snapshots *postgres.SnapshotStore,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(time.Duration(cfg.DB.SnapshotSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := snapshots.StoreSnapshot(writeCtx, time.Now().UTC(), dispatch.Stats()); err != nil {
				logger.Error("stats snapshot failed", zap.Error(err))
			}
			cancel()
		}
	}
}
