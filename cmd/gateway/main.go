package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"cobranzas/gateway/internal/broadcast"
	"cobranzas/gateway/internal/config"
	"cobranzas/gateway/internal/httpapi"
	"cobranzas/gateway/internal/interceptor"
	"cobranzas/gateway/internal/localstore"
	"cobranzas/gateway/internal/localstore/memory"
	pgstore "cobranzas/gateway/internal/localstore/postgres"
	"cobranzas/gateway/internal/queue"
	"cobranzas/gateway/internal/syncer"
	"cobranzas/gateway/internal/upstream"
	"cobranzas/gateway/internal/webcache"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		stdErrExit("invalid configuration: " + err.Error())
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		stdErrExit("logger: " + err.Error())
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)

	var store localstore.Store
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal("postgres unavailable and STORE_BACKEND=postgres; refusing in-memory fallback", zap.Error(err))
		}
		store = pg
		logger.Info("local store: postgres")
	default:
		store = memory.New()
		logger.Info("local store: in-memory (data lost on restart)")
	}
	if err := store.Open(ctx); err != nil {
		logger.Fatal("open local store", zap.Error(err))
	}

	var cache webcache.Cache = webcache.NoopCache{}
	redisCache := webcache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheVersion, logger)
	if err := redisCache.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, offline page cache disabled", zap.Error(err))
	} else {
		cache = redisCache
		closers = append(closers, redisCache.Close)
		logger.Info("response cache: redis", zap.Int("version", cfg.CacheVersion))
	}

	client, err := upstream.New(cfg.UpstreamURL, cfg.UpstreamTimeout, logger)
	if err != nil {
		logger.Fatal("upstream client", zap.Error(err))
	}

	hub := broadcast.NewHub(logger)
	q := queue.New(store, client, logger)
	sync := syncer.New(store, client, q, hub, logger)

	manifest := interceptor.Manifest{
		Version:     cfg.CacheVersion,
		OfflinePath: cfg.OfflinePath,
		Routes:      cfg.PrecacheRoutes,
	}
	proxy, err := interceptor.New(cfg.UpstreamURL, cfg.UpstreamTimeout, cache, hub, manifest, logger)
	if err != nil {
		logger.Fatal("interceptor", zap.Error(err))
	}
	proxy.RegisterCreateCapture(q)

	if err := proxy.Precache(ctx); err != nil {
		logger.Warn("precache incomplete", zap.Error(err))
	}
	if _, err := sync.Refresh(ctx); err != nil {
		logger.Warn("startup refresh failed", zap.Error(err))
	}

	auth := httpapi.NewAuthManager(cfg.JWTSecret, cfg.TokenTTL, cfg.CollectorUser, cfg.CollectorPasswordHash)
	api := httpapi.New(store, q, sync, hub, proxy, auth, logger)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.ListenAddr), zap.String("upstream", cfg.UpstreamURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	closers = append(closers, store.Close)
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("gateway stopped")
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() || cfg.LogFormat == "json" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func stdErrExit(msg string) {
	os.Stderr.WriteString(msg + "\n")
	os.Exit(1)
}
