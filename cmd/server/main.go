package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"cipher.share/config"
	"cipher.share/internal/api"
	"cipher.share/internal/crypto"
	"cipher.share/internal/logger"
	"cipher.share/internal/metrics"
	"cipher.share/internal/service"
	"cipher.share/internal/store"
	"cipher.share/internal/sweeper"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config error:", err)
	}

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal("logger error:", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	backend, err := initStore(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	engine, err := crypto.NewEngine(crypto.Params{
		LogN: cfg.Secrets.KDF.LogN,
		R:    cfg.Secrets.KDF.R,
		P:    cfg.Secrets.KDF.P,
	})
	if err != nil {
		return fmt.Errorf("crypto engine: %w", err)
	}

	secrets := service.NewSecrets(backend.Objects(), engine, cfg.Secrets, cfg.Server.BaseURL, m, zl)
	posts := service.NewPosts(backend.Posts(), cfg.Posts)
	apiLimiter, decodeLimiter := api.NewRateLimiters(cfg.RateLimit)

	sw := sweeper.New(cfg.Sweeper.Interval, zl.Named("sweeper"), m)
	sw.Register("objects", backend.Objects())
	sw.Register("posts", backend.Posts())
	if apiLimiter != nil {
		sw.Register("rate_limit", apiLimiter)
		sw.Register("rate_limit_decode", decodeLimiter)
	}
	sweepDone := sw.Start(ctx)

	deps := api.RouterDeps{
		Config:        cfg,
		Logger:        zl,
		Metrics:       m,
		APILimiter:    apiLimiter,
		DecodeLimiter: decodeLimiter,
	}
	if cfg.Metrics.Enabled {
		deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}
	h := api.NewHandler(secrets, posts, cfg.Secrets.MaxUploadBytes, zl)
	router := api.SetupRouter(h, deps)

	zl.Info("server starting",
		zap.String("addr", cfg.Addr()),
		zap.String("base_url", cfg.Server.BaseURL),
		zap.String("store", cfg.Store.Type),
	)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		<-sweepDone
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	err = server.Shutdown(shutdownCtx)
	<-sweepDone
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	zl.Info("server stopped")
	return nil
}

func initStore(cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Type {
	case "redis":
		st, err := store.NewRedisStore(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return st, nil
	case "bolt":
		st, err := store.OpenBoltStore(cfg.Store.Bolt.Path)
		if err != nil {
			return nil, fmt.Errorf("bolt open failed: %w", err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}
