package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fictures/api/internal/aiclient"
	"fictures/api/internal/app"
	"fictures/api/internal/artifacts"
	"fictures/api/internal/auth"
	"fictures/api/internal/cache"
	"fictures/api/internal/config"
	"fictures/api/internal/export"
	"fictures/api/internal/gitrepo"
	"fictures/api/internal/novel"
	"fictures/api/internal/search"
	"fictures/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		logger.Fatal("failed to create repos dir", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	cacheClient, err := cache.NewClient(cfg.RedisURL, cfg.CacheNamespace, cfg.CacheOpTimeout)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer cacheClient.Close()
	cacheManager := cache.NewManager(cacheClient, cache.TTLPolicy{Lock: cfg.LockTTL}, logger.Named("cache"))

	source := app.NewHierarchySource(dataStore, cacheManager)
	assembler := novel.NewAssembler(source, 2)
	contexts := novel.NewManager(assembler, cacheManager, novel.Options{TTL: cfg.ContextTTL}, logger)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, cacheManager, logger)

	aiClient := aiclient.New(cfg.AIServerURL, cfg.AIServerKey, aiclient.Options{}, logger)

	artifactStore, err := artifacts.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL, logger)
	if err != nil {
		logger.Fatal("minio client failed", zap.Error(err))
	}
	bucketCtx, cancelBucket := context.WithTimeout(ctx, 10*time.Second)
	if err := artifactStore.EnsureBucket(bucketCtx); err != nil {
		logger.Warn("artifact bucket unavailable, scene illustration will fail until it is back", zap.Error(err))
	}
	cancelBucket()

	gitService := gitrepo.New(cfg.ReposDir)
	exporter := export.NewService(dataStore)
	authService := auth.NewService(dataStore, logger)

	service := app.New(cfg, app.Deps{
		Store:     dataStore,
		Cache:     cacheManager,
		Contexts:  contexts,
		Search:    searchService,
		AI:        aiClient,
		Artifacts: artifactStore,
		Drafts:    gitService,
		Exporter:  exporter,
		Keys:      authService,
		Logger:    logger,
	})
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap error, will retry on next restart", zap.Error(err))
	}
	searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, authService, cfg.CORSOrigin, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout must outlast the aiclient generation timeout.
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("fictures api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
