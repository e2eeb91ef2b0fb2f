package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"occupancy-service/internal/auth"
	"occupancy-service/internal/config"
	"occupancy-service/internal/db"
	"occupancy-service/internal/detection"
	"occupancy-service/internal/frame"
	httphandler "occupancy-service/internal/http"
	"occupancy-service/internal/http/middleware"
	"occupancy-service/internal/logger"
	"occupancy-service/internal/metrics"
	"occupancy-service/internal/overlay"
	"occupancy-service/internal/registry"
	"occupancy-service/internal/report"
	"occupancy-service/internal/repository"
	"occupancy-service/internal/scheduler"
	"occupancy-service/internal/service"
	"occupancy-service/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment)

	slotRegistry, err := registry.Load(cfg.Occupancy.SlotConfigPath)
	if err != nil {
		appLogger.Fatal().Err(err).Str("path", cfg.Occupancy.SlotConfigPath).Msg("failed to load slot configuration")
	}
	slots, err := slotRegistry.Slots(cfg.Occupancy.ViewID)
	if err != nil {
		appLogger.Fatal().Err(err).Strs("views", slotRegistry.Views()).Msg("view is not configured")
	}

	// Audit database is optional; without it cycles are written as JSON files
	var (
		database     *gorm.DB
		cycleService *service.CycleService
		auditor      service.Auditor
	)
	resultsDir := filepath.Join(cfg.Frame.WorkDir, "analysis_results")
	if cfg.DB.DSN != "" {
		database, err = db.New(cfg, appLogger)
		if err != nil {
			appLogger.Fatal().Err(err).Msg("failed to connect database")
		}
		cycleService = service.NewCycleService(repository.NewCycleRepository(database), appLogger)
		auditor = cycleService
	} else {
		appLogger.Warn().Str("dir", resultsDir).Msg("DB_DSN not set, cycles will be written to files")
		auditor = &service.FileAuditor{Dir: resultsDir}
	}

	evaluator, err := service.NewOccupancyService(service.Policy{
		OccupancyThreshold: cfg.Occupancy.OccupancyThreshold,
		PresenceThreshold:  cfg.Occupancy.PresenceThreshold,
		Workers:            cfg.Occupancy.Workers,
	}, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("invalid occupancy policy")
	}

	normalizer, err := detection.NewNormalizer(cfg.Occupancy.VehicleClasses, cfg.Occupancy.MinConfidence, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("invalid vehicle classes")
	}

	var tokens report.TokenSource = report.StaticToken(cfg.Backend.Token)
	if cfg.Backend.JWTSecret != "" {
		tokens = auth.NewSigner(cfg.Backend.JWTSecret, "occupancy-service:"+cfg.Occupancy.ViewID, 5*time.Minute)
	}
	reporter := report.NewClient(report.Config{
		BaseURL:     cfg.Backend.URL,
		LotID:       cfg.Occupancy.LotID,
		Mode:        report.Mode(cfg.Backend.Mode),
		Timeout:     cfg.Backend.Timeout,
		Concurrency: cfg.Backend.Concurrency,
	}, tokens, nil, appLogger)

	// Initialize R2 client (optional, won't fail if not configured)
	publisher := &overlay.Publisher{
		Prefix:   cfg.Storage.Prefix,
		LocalDir: resultsDir,
		Options: overlay.Options{
			MaxWidth:    cfg.Storage.MaxWidth,
			JPEGQuality: cfg.Storage.JPEGQuality,
		},
	}
	r2Client, err := storage.NewR2Client(cfg.Storage)
	if err != nil && !errors.Is(err, storage.ErrNotConfigured) {
		appLogger.Fatal().Err(err).Msg("failed to initialize R2 client")
	}
	if err != nil {
		appLogger.Warn().Msg("R2 storage not configured, annotated frames will be kept locally")
	} else {
		publisher.Uploader = r2Client
	}

	appMetrics := metrics.New()

	sched, err := scheduler.New(scheduler.Config{
		ViewID:         cfg.Occupancy.ViewID,
		LotID:          cfg.Occupancy.LotID,
		Interval:       cfg.Occupancy.PollInterval,
		CycleTimeout:   cfg.Occupancy.CycleTimeout,
		AcquireTimeout: cfg.Frame.Timeout,
		DetectTimeout:  cfg.Detector.Timeout,
		ReportTimeout:  cfg.Occupancy.CycleTimeout - cfg.Frame.Timeout - cfg.Detector.Timeout,
	}, scheduler.Components{
		Slots:      slots,
		Source:     newFrameSource(cfg.Frame),
		Detector:   newDetector(cfg.Detector),
		Normalizer: normalizer,
		Evaluator:  evaluator,
		Reporter:   reporter,
		Auditor:    auditor,
		Publisher:  publisher,
		Metrics:    appMetrics,
	}, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to create scheduler")
	}

	tokenParser := auth.NewParser(cfg.Auth.AccessSecret)

	handler := httphandler.NewHandler(sched, cycleService, cfg, appLogger)
	authMiddleware := middleware.Auth(tokenParser)
	router := httphandler.NewRouter(handler, authMiddleware, cfg.Environment, database, appMetrics.Handler(), appLogger)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	appLogger.Info().
		Str("addr", addr).
		Str("view_id", cfg.Occupancy.ViewID).
		Int("slots", len(slots)).
		Msg("starting occupancy service")

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error().Err(err).Msg("failed to start server")
			os.Exit(1)
		}
	}()

	runCtx, stopRun := context.WithCancel(context.Background())
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := sched.Run(runCtx); err != nil {
			appLogger.Error().Err(err).Msg("scheduler stopped with error")
		}
	}()

	if cycleService != nil && cfg.DB.RetentionDays > 0 {
		go runRetention(runCtx, cycleService, cfg.DB.RetentionDays, appLogger)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info().Msg("shutting down")

	stopRun()
	select {
	case <-schedulerDone:
	case <-time.After(cfg.Occupancy.CycleTimeout):
		appLogger.Warn().Msg("analysis cycle did not finish before shutdown deadline")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error().Err(err).Msg("server forced to shutdown")
	}

	appLogger.Info().Msg("server exited")
}

func newFrameSource(cfg config.FrameConfig) frame.Source {
	switch cfg.Source {
	case "snapshot":
		return &frame.SnapshotSource{
			URL:      cfg.URL,
			Username: cfg.Username,
			Password: cfg.Password,
			WorkDir:  cfg.WorkDir,
			Client:   &http.Client{Timeout: cfg.Timeout},
		}
	case "ffmpeg":
		input := cfg.URL
		if input == "" {
			input = cfg.Path
		}
		return &frame.FFmpegSource{
			Input:   input,
			WorkDir: cfg.WorkDir,
		}
	default:
		return &frame.FileSource{
			Path:   cfg.Path,
			MaxAge: cfg.MaxAge,
		}
	}
}

func newDetector(cfg config.DetectorConfig) detection.Detector {
	thresholds := detection.Thresholds{Confidence: cfg.Confidence, IoU: cfg.IoU}
	switch cfg.Kind {
	case "http":
		return &detection.HTTPDetector{
			URL:        cfg.URL,
			Thresholds: thresholds,
			Client:     &http.Client{Timeout: cfg.Timeout},
		}
	case "static":
		return &detection.StaticDetector{LabelsPath: cfg.LabelsFile}
	default:
		return &detection.CommandDetector{
			Command:    cfg.Command,
			Args:       cfg.Args,
			LabelsDir:  cfg.LabelsDir,
			Thresholds: thresholds,
			Timeout:    cfg.Timeout,
		}
	}
}

func runRetention(ctx context.Context, cycles *service.CycleService, days int, log zerolog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		deleted, err := cycles.CleanupOldCycles(ctx, days)
		if err != nil {
			log.Error().Err(err).Msg("failed to clean up old cycles")
		} else if deleted > 0 {
			log.Info().Int64("deleted", deleted).Int("retention_days", days).Msg("old cycles removed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
