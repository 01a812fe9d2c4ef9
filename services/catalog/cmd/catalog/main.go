package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"librarycatalog/internal/ratelimit"
	"librarycatalog/internal/util"
	"librarycatalog/pkg/ledger"
	"librarycatalog/pkg/storage"
	"librarycatalog/pkg/store"
	"librarycatalog/services/catalog/internal/app"
	"librarycatalog/services/catalog/internal/config"
	"librarycatalog/services/catalog/internal/server"
)

func main() {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("catalog stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.FileConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, closeRecords, err := openRecordStore(cfg)
	if err != nil {
		return err
	}
	defer closeRecords()

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	bucketCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = objects.EnsureBucket(bucketCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	var orphans ledger.Ledger
	if cfg.RedisAddr != "" {
		redisLedger, err := ledger.NewRedisLedger(cfg.RedisAddr, cfg.RedisPassword, cfg.OrphanLedgerKey)
		if err != nil {
			return fmt.Errorf("init orphan ledger: %w", err)
		}
		defer redisLedger.Close()
		orphans = redisLedger
	} else {
		logger.Warn("redisAddr not set, orphaned objects are only logged")
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.UploadRateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "catalog:ratelimit:mutation", cfg.UploadRateLimitPerMinute, time.Minute)
		if err != nil {
			return fmt.Errorf("init rate limiter: %w", err)
		}
		defer limiter.Close()
	}

	presignExpiry, err := config.ParseDuration("presignExpiry", cfg.PresignExpiry)
	if err != nil {
		return err
	}
	mutationTimeout, err := config.ParseDuration("mutationTimeout", cfg.MutationTimeout)
	if err != nil {
		return err
	}
	cleanupTimeout, err := config.ParseDuration("cleanupTimeout", cfg.CleanupTimeout)
	if err != nil {
		return err
	}
	appCore, err := app.New(app.Config{
		Store:           records,
		Objects:         objects,
		Orphans:         orphans,
		MaxFileBytes:    cfg.MaxFileBytes,
		MaxCoverBytes:   cfg.MaxCoverBytes,
		PresignExpiry:   presignExpiry,
		MutationTimeout: mutationTimeout,
		CleanupTimeout:  cleanupTimeout,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	httpServer, err := server.New(server.Config{
		App:                appCore,
		Limiter:            limiter,
		Orphans:            orphans,
		TrustedProxies:     trusted,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// uploads of large books over slow links need a generous body window
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	fileLimit, coverLimit := appCore.Limits()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("catalog server listening", "addr", addr,
			"store", cfg.StoreBackend, "objects", cfg.ObjectBackend,
			"max_file", humanize.IBytes(uint64(fileLimit)), "max_cover", humanize.IBytes(uint64(coverLimit)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("shutting down catalog server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openRecordStore(cfg config.FileConfig) (store.Store, func(), error) {
	if cfg.StoreBackend == "memory" {
		slog.Warn("using in-memory record store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
	gormStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open record store: %w", err)
	}
	return gormStore, func() { _ = gormStore.Close() }, nil
}

func openObjectStore(ctx context.Context, cfg config.FileConfig) (storage.ObjectStore, error) {
	switch cfg.ObjectBackend {
	case "memory":
		slog.Warn("using in-memory object store; payloads are lost on restart")
		return storage.NewMemoryStore("catalog"), nil
	case "s3":
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 store: %w", err)
		}
		return s3Store, nil
	default:
		minioStore, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("open minio store: %w", err)
		}
		return minioStore, nil
	}
}
