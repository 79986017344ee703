package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/handlers"
	"github.com/lingosync-go/internal/i18n"
	"github.com/lingosync-go/internal/jobs"
	"github.com/lingosync-go/internal/middleware"
	"github.com/lingosync-go/internal/services/ai"
	"github.com/lingosync-go/internal/services/assist"
	"github.com/lingosync-go/internal/services/cache"
	"github.com/lingosync-go/internal/services/media"
	"github.com/lingosync-go/internal/services/remote"
	"github.com/lingosync-go/internal/services/storage"
	"github.com/lingosync-go/internal/services/syncengine"
	"github.com/lingosync-go/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// It's okay if .env doesn't exist
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting LingoSync...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := middleware.NewMetrics()
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer storageManager.Close()

	src, err := newRemote(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to remote store")
	}

	var engine *syncengine.Engine
	if cfg.Sync.Enabled {
		engine, err = startSync(ctx, cfg, storageManager, src, metrics, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to start sync session")
		}
	}

	resultCache := cache.NewResultCache(cfg.Cache, storageManager.CacheStore(), metrics, log)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit, storageManager.Counters(), metrics, log)
	languageService := ai.NewCustomAI(cfg.Language, metrics, log)

	// A nil interface, not a nil *MinIOFetcher, keeps object keys rejected
	var fetcher media.Fetcher
	if cfg.Media.Enabled {
		minioFetcher, err := media.NewMinIOFetcher(ctx, cfg.Media, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize media storage")
		}
		fetcher = minioFetcher
	}

	assistService := assist.NewService(
		cfg.Language,
		languageService,
		resultCache,
		rateLimiter,
		middleware.NewSecurityMiddleware(0, log),
		fetcher,
		metrics,
		log,
	)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	apiHandler := handlers.NewAPIHandler(
		cfg.Server,
		assistService,
		middleware.NewAuthenticator(cfg.Auth),
		localizer,
		log,
	)

	var scheduler *jobs.Manager
	if cfg.Jobs.Enabled {
		scheduler = jobs.NewManager(log)
		if err := scheduler.RegisterSweeps(cfg.Jobs, resultCache, rateLimiter); err != nil {
			log.WithError(err).Fatal("Failed to schedule maintenance jobs")
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiHandler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("port", cfg.Server.Port).Info("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to stop API server")
	}
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	if engine != nil {
		stopSync(shutdownCtx, engine, log)
	}

	cancel()

	if err := src.Close(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to close remote store")
	}

	log.Info("LingoSync stopped")
}

func newRemote(cfg *config.Config, log *logrus.Logger) (remote.Source, error) {
	switch cfg.Remote.Type {
	case "mongo":
		return remote.NewMongo(cfg.Remote.Mongo, log)
	case "memory", "":
		return remote.NewMemory(log), nil
	default:
		return nil, fmt.Errorf("unsupported remote type: %s", cfg.Remote.Type)
	}
}

// startSync opens a headless session for the configured user and acknowledges
// incoming messages on its behalf
func startSync(
	ctx context.Context,
	cfg *config.Config,
	store *storage.Manager,
	src remote.Source,
	metrics *middleware.Metrics,
	log *logrus.Logger,
) (*syncengine.Engine, error) {
	engine, err := syncengine.New(cfg.Sync, cfg.Sync.UserID, store, src, metrics, log)
	if err != nil {
		return nil, err
	}
	if _, err := engine.SetPresence(ctx, true); err != nil {
		log.WithError(err).Warn("Failed to publish presence")
	}

	go func() {
		if err := engine.RunDeliveryAgent(ctx); err != nil {
			log.WithError(err).Error("Delivery agent stopped")
		}
	}()

	return engine, nil
}

func stopSync(ctx context.Context, engine *syncengine.Engine, log *logrus.Logger) {
	commit, err := engine.SetPresence(ctx, false)
	if err == nil {
		err = commit.Wait(ctx)
	}
	if err != nil {
		log.WithError(err).Warn("Failed to clear presence")
	}
	if err := engine.Close(); err != nil {
		log.WithError(err).Error("Failed to close sync session")
	}
}
