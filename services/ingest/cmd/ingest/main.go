package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"digibook/internal/ratelimit"
	"digibook/internal/usertoken"
	"digibook/internal/util"
	"digibook/pkg/domain"
	"digibook/pkg/events"
	"digibook/pkg/lock"
	"digibook/pkg/ocr"
	"digibook/pkg/ocr/tesseract"
	"digibook/pkg/queue"
	"digibook/pkg/raster"
	"digibook/pkg/storage"
	"digibook/pkg/store"
	"digibook/services/ingest/internal/app"
	"digibook/services/ingest/internal/config"
	"digibook/services/ingest/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, closeLog := util.InitLogger(cfg.LogLevel, "ingest", cfg.LogsDir)
	defer closeLog()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var bookStore store.Store
	if cfg.DatabaseURL != "" {
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init postgres store: %v", err)
		}
		bookStore = gormStore
	} else {
		logger.Warn("databaseURL not set, books are kept in memory")
		bookStore = store.NewMemoryStore()
	}

	images, err := newImageStore(cfg)
	if err != nil {
		log.Fatalf("failed to init image store: %v", err)
	}

	var (
		redisClient *redis.Client
		locker      lock.Locker = lock.NewMemoryLocker()
		limiter     ratelimit.Limiter
		jobs        *queue.RedisJobQueue
	)
	window := time.Duration(cfg.UploadRateWindowSec) * time.Second
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient, "digibook:lock:")
		jobs, err = queue.NewRedisJobQueue(redisClient, queue.RedisQueueConfig{
			Stream:     cfg.QueueName,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		})
		if err != nil {
			log.Fatalf("failed to init job queue: %v", err)
		}
		if cfg.UploadRateLimit > 0 {
			if limiter, err = ratelimit.NewRedisFixedWindowLimiter(redisClient, "digibook:ratelimit:", cfg.UploadRateLimit, window); err != nil {
				log.Fatalf("failed to init upload limiter: %v", err)
			}
		}
	} else if cfg.UploadRateLimit > 0 {
		if limiter, err = ratelimit.NewMemoryLimiter(cfg.UploadRateLimit, window); err != nil {
			log.Fatalf("failed to init upload limiter: %v", err)
		}
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to connect to amqp: %v", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	pageTimeout := time.Duration(cfg.OCRPageTimeoutSeconds) * time.Second
	appCfg := app.Config{
		Store:          bookStore,
		Images:         images,
		Rasterizer:     raster.New(cfg.RasterBinary, cfg.RasterLongEdge),
		RasterRequired: cfg.RasterRequired,
		Native:         app.NewPDFTextExtractor(cfg.PdftotextBinary),
		Engines:        newEngines(cfg),
		Pool:           ocr.NewPool(cfg.OCRConcurrency, pageTimeout),
		Locker:         locker,
		LockTTL:        time.Duration(cfg.LockTTLSeconds) * time.Second,
		Events:         publisher,
		WorkspaceDir:   cfg.WorkspaceDir,
		EmbeddingDim:   cfg.EmbeddingDim,
	}
	if jobs != nil {
		appCfg.Queue = jobs
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	if jobs != nil {
		if err := jobs.Start(ctx, cfg.QueueConcurrency, appCore.HandleJob); err != nil {
			log.Fatalf("failed to start queue workers: %v", err)
		}
		slog.Info("queue workers started", "stream", cfg.QueueName, "concurrency", cfg.QueueConcurrency)
	}

	sweeper, err := app.NewSweeper(cfg.WorkspaceDir, cfg.SweepSchedule, time.Duration(cfg.WorkspaceMaxAgeMin)*time.Minute)
	if err != nil {
		log.Fatalf("failed to init workspace sweeper: %v", err)
	}
	if removed, err := sweeper.Sweep(); err != nil {
		logger.Warn("startup workspace sweep failed", "err", err)
	} else if removed > 0 {
		logger.Info("startup workspace sweep", "removed", removed)
	}
	sweeper.Start()

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.JWKSURL,
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Verifier:       verifier,
		Limiter:        limiter,
		MaxUploadBytes: cfg.MaxUploadBytes,
		CORSOrigins:    splitList(cfg.CORSOrigins),
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	// Synchronous uploads hold the request until every page is processed.
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 60 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down")
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sweeper.Stop(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("ingest server listening", "addr", addr, "methods", appCore.Methods(), "images", images.Location(""))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func newImageStore(cfg config.FileConfig) (storage.BlobStore, error) {
	if cfg.ImageStore == "minio" {
		return storage.NewMinioBlobStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	return storage.NewFilesystemBlobStore(cfg.ImageDir)
}

func newEngines(cfg config.FileConfig) map[domain.ExtractionMethod]ocr.Engine {
	engines := map[domain.ExtractionMethod]ocr.Engine{}
	if cfg.LatinOCREnabled {
		engines[domain.MethodLatinOCR] = tesseract.NewLatinEngine()
	}
	if cfg.AsianOCREnabled {
		engines[domain.MethodAsianOCR] = ocr.NewAsianEngine(cfg.AsianOCR, ocr.ExecRunner{})
	}
	if cfg.ArabicOCREnabled {
		engines[domain.MethodArabicOCR] = ocr.NewArabicCascade(cfg.ArabicOCR, ocr.ExecRunner{})
	}
	return engines
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
