package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/internal/core/services"
	httphandlers "callengine/internal/handlers/http"
	backupinfra "callengine/internal/infrastructure/backup"
	"callengine/internal/infrastructure/distributed"
	"callengine/internal/infrastructure/middleware"
	"callengine/internal/infrastructure/monitoring"
	repositories "callengine/internal/infrastructure/repositories"
	"callengine/internal/infrastructure/signal"
	webrtcinfra "callengine/internal/infrastructure/webrtc"
	"callengine/pkg/auth"
	"callengine/pkg/backup"
	"callengine/pkg/config"
	"callengine/pkg/logger"
	"callengine/pkg/tracing"
	"callengine/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const archiveVersion = "1"

func main() {
	cfg, path, err := config.LoadFirst(
		"configs/config.yaml",
		"/etc/callengine/config.yaml",
		"config.yaml",
	)
	if err != nil {
		logger.New("info").Sugar().Fatalw("invalid configuration", "path", path, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.Agent.UserID == "" {
		log.Fatal("agent.user_id must be set (or CALLENGINE_USER_ID)")
	}
	localUser := domain.UserID(cfg.Agent.UserID)
	log = log.With("local_user", localUser)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-agent",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	token := cfg.Agent.Token
	if token == "" {
		if token, err = tokens.GenerateToken(cfg.Agent.UserID); err != nil {
			log.Fatalw("failed to mint relay token", "error", err)
		}
	}

	clientCfg := signal.DefaultClientConfig(cfg.Agent.SignalURL, token)
	clientCfg.InboundSize = cfg.Agent.InboundSize
	clientCfg.PingInterval = cfg.Signal.PingInterval
	clientCfg.PongTimeout = cfg.Signal.PongTimeout
	clientCfg.WriteTimeout = cfg.Signal.WriteTimeout
	client, err := signal.DialClient(ctx, clientCfg, log)
	if err != nil {
		log.Fatalw("failed to connect to signaling relay", "url", cfg.Agent.SignalURL, "error", err)
	}

	transports, err := webrtcinfra.NewFactory(webrtcConfig(cfg), log)
	if err != nil {
		log.Fatalw("failed to create peer transport factory", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	records := repoFactory.CreateCallRecordStore()
	archiver := startArchiver(ctx, cfg, records, log)

	collector := monitoring.NewPrometheusCollector(nil)
	hub := services.NewEventHub(log, cfg.Call.OperationTimeout, collector)

	health := monitoring.NewHealthChecker()
	health.AddRecordStoreCheck(records, 2*time.Second)
	health.AddSignalingCheck(client.Connected)

	// With redis, call events are mirrored to the shared channel so other
	// services can follow this agent's calls.
	if redisClient := repoFactory.RedisClient(); redisClient != nil {
		bus := distributed.NewEventBus(redisClient, nil, utils.GenerateID("agent"), cfg.Redis.EventsChannel, log)
		hub.AddSink(bus)
		health.AddRedisCheck(redisClient, 2*time.Second)
	}

	manager := services.NewCallManager(services.ManagerDeps{
		Config:     engineConfig(cfg),
		LocalUser:  localUser,
		Signaling:  client,
		Transports: transports,
		Media:      webrtcinfra.NewSyntheticMedia(webrtcinfra.AllDevices),
		Records:    records,
		Hub:        hub,
		Logger:     log,
	})
	manager.Start(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	requestLog := logger.NewContextLogger(zapLogger)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.AccessLogMiddleware(requestLog),
		middleware.ErrorHandlerMiddleware(requestLog),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	httphandlers.NewHealthHandler(health).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(tokens), middleware.RequireUserMiddleware(localUser))
	httphandlers.NewCallHandler(manager).SetupRoutes(api)
	httphandlers.NewEventsHandler(manager, cfg.Auth.AllowedOrigins, log).SetupRoutes(api)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting call agent", "address", cfg.Server.Address, "signal_url", cfg.Agent.SignalURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	// Ends every call with a hangup so peers are not left ringing.
	if err := manager.Close(shutdownCtx); err != nil {
		log.Errorw("error closing call manager", "error", err)
	}
	if archiver != nil {
		archiver.Stop()
		if _, err := archiver.RunOnce(shutdownCtx); err != nil {
			log.Warnw("final call record backup failed", "error", err)
		}
	}
	cancel()
	if err := client.Close(); err != nil {
		log.Warnw("error closing signaling client", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracer", "error", err)
	}
	log.Info("call agent stopped")
}

// startArchiver restores the newest call record archive and schedules
// periodic exports. It returns nil when backups are disabled.
func startArchiver(ctx context.Context, cfg *config.Config, records ports.CallRecordStore, log *zap.SugaredLogger) *backupinfra.Scheduler {
	if !cfg.Backup.Enabled {
		return nil
	}
	storage, err := backup.NewFileStorage(cfg.Backup.Directory)
	if err != nil {
		log.Fatalw("failed to open backup directory", "directory", cfg.Backup.Directory, "error", err)
	}
	archive := backup.NewBackupService(storage, archiveVersion, "call-records")

	if cfg.Backup.RestoreOnBoot {
		restored, err := backupinfra.NewRestoreService(archive, log).RestoreLatest(ctx, records)
		if err != nil {
			log.Warnw("failed to restore call records", "error", err)
		} else if restored > 0 {
			log.Infow("restored call history", "records", restored)
		}
	}

	scheduler := backupinfra.NewScheduler(archive, records, backupinfra.Config{
		Interval:      cfg.Backup.Interval,
		RetentionDays: cfg.Backup.RetentionDays,
		MaxRecords:    cfg.Backup.MaxRecords,
	}, log)
	go scheduler.Start(ctx)
	return scheduler
}
