package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"pricewatch/config"
	"pricewatch/currency"
	"pricewatch/database"
	"pricewatch/handlers"
	"pricewatch/logger"
	"pricewatch/metrics"
	"pricewatch/middleware"
	"pricewatch/notify"
	"pricewatch/repository"
	"pricewatch/scheduler"
	"pricewatch/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	appLog, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.LogDebug})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLog.Sync()

	ctx := context.Background()

	db, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		appLog.Fatal("Failed to connect to database", logger.Error(err))
	}
	defer db.Close()

	if err := database.CreateTables(ctx, db); err != nil {
		appLog.Fatal("Failed to create tables", logger.Error(err))
	}

	m := metrics.New(nil)

	// Repositories
	jobRepo := repository.NewJobRepository(db)
	resultRepo := repository.NewResultRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	sourceRepo := repository.NewSourceRepository(db)
	productRepo := repository.NewProductRepository(db)

	// Exchange rates, cached in Redis when configured
	fxOpts := []currency.Option{currency.WithLogger(appLog), currency.WithMetrics(m)}
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			appLog.Fatal("Invalid REDIS_URL", logger.Error(err))
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			appLog.Warn("Redis unreachable, exchange rates will not be cached", logger.Error(err))
		} else {
			fxOpts = append(fxOpts, currency.WithRedis(rdb, cfg.FX.CacheTTL))
		}
	}
	rates := currency.NewService(cfg.FX.APIURL, fxOpts...)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.Enabled() {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.Endpoint, nil)
		if err != nil {
			appLog.Warn("Telegram notifications disabled", logger.Error(err))
		} else {
			notifier = tg
		}
	}

	// Services
	ingestor := services.NewIngestor(resultRepo, alertRepo, notifier, m, appLog)
	scanService := services.NewScanService(
		jobRepo, productRepo, sourceRepo, resultRepo, ingestor,
		cfg.Scraping.MaxConcurrentJobs,
		services.WithDefaults(cfg.Scraping.JobDefaults()),
		services.WithQueue(cfg.Scraping.QueueSize),
		services.WithBrowserBin(cfg.Scraping.BrowserBin),
		services.WithScanRates(rates),
		services.WithScanMetrics(m),
		services.WithScanLogger(appLog),
	)
	sourceRegistry := services.NewSourceRegistry(sourceRepo, appLog)
	importService := services.NewImportService(productRepo, m, appLog)

	// Background workers
	reaper := scheduler.NewReaper(jobRepo, scanService.Runner(), cfg.Schedule.StaleJobAfter, cfg.Schedule.ReaperInterval, appLog)
	reaper.Start()
	defer reaper.Stop()

	if cfg.Schedule.ScanSchedule != "" && len(cfg.Schedule.ScheduledSuppliers) > 0 {
		scanScheduler := scheduler.NewScanScheduler(scanService, cfg.Schedule.ScheduledSuppliers, appLog)
		if err := scanScheduler.Start(cfg.Schedule.ScanSchedule); err != nil {
			appLog.Fatal("Invalid SCAN_SCHEDULE", logger.Error(err))
		}
		defer scanScheduler.Stop()
	}

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(appLog))
	r.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit))
	r.Use(middleware.APIKeyMiddleware(cfg.Server.APIKeys))

	h := handlers.NewHandlers(scanService, sourceRegistry, importService, alertRepo, db, cfg.Server.MaxUploadSize, appLog)
	h.Routes(r)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      middleware.CORS(cfg.Server.AllowedOrigins, r),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		appLog.Info("Server starting", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal("Server failed", logger.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down", logger.Duration("grace", cfg.Server.ShutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", logger.Error(err))
	}
	if err := scanService.Shutdown(shutdownCtx); err != nil {
		appLog.Error("Job runner shutdown timed out", logger.Error(err))
	}
	appLog.Info("Server stopped")
}
