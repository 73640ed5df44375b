package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"moments-media/config"
	"moments-media/internal/errhandler"
	"moments-media/internal/handler"
	"moments-media/internal/metrics"
	"moments-media/internal/permission"
	"moments-media/internal/processor"
	mediaredis "moments-media/internal/redis"
	"moments-media/internal/repository"
	"moments-media/internal/server"
	"moments-media/internal/services"
	"moments-media/internal/session"
	"moments-media/internal/storage"
	"moments-media/internal/tempfile"
	"moments-media/internal/validator"
	"moments-media/internal/websocket"
	"moments-media/pkg/database"
	"moments-media/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Printf("moments-media: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	boot := config.LoadConfig()
	l := logger.NewWithOptions(logger.Options{
		Mode:    modeFor(boot.AppMode),
		Level:   boot.LogLevel,
		Service: boot.ServiceName,
	})
	defer l.Sync()

	db, err := database.Connect(ctx, boot)
	if err != nil {
		return err
	}
	defer db.Close()

	settings := repository.NewSettingsRepository(db)
	cfg, err := config.Load(ctx, settings)
	if err != nil {
		return err
	}
	if err := validator.ValidateUploadConfig(cfg.Upload); err != nil {
		return err
	}

	rdb := mediaredis.NewClient(mediaredis.ConfigFrom(cfg))
	defer rdb.Close()
	if err := mediaredis.Ping(ctx, rdb); err != nil {
		// quota counts fall back to the database and rate limiting fails open
		l.Warn(ctx, "redis unavailable at startup", zap.Error(err))
	}

	store, err := storage.New(ctx, cfg, l)
	if err != nil {
		return err
	}

	temp, err := tempfile.NewManager(tempfile.ConfigFromUpload(cfg.Upload), l)
	if err != nil {
		return err
	}
	temp.Start()
	defer temp.Destroy()

	sessions := session.NewManager(session.ConfigFromUpload(cfg.Upload), l)
	sessions.Start()
	defer sessions.Stop()

	errs := errhandler.New(sessions, temp, l, errhandler.WithRetryAttempts(cfg.Upload.RetryAttempts))
	media := repository.NewMediaRepository(db)
	manager := buildProcessors(cfg, store, media, sessions, temp, errs, l)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(registry)

	gate := permission.NewProvider(permission.LimitsFromUpload(cfg.Upload), mediaredis.NewDailyUploadCounter(rdb), media, l)
	svc := services.NewMediaService(services.MediaDeps{
		Manager:   manager,
		Gate:      gate,
		Analyzer:  validator.NewFileValidator(cfg.Upload),
		Errors:    errs,
		Metrics:   m,
		Publisher: mediaredis.NewPublisher(rdb),
		Logger:    l,
	})

	hub := websocket.NewHub()
	bridge := websocket.NewRedisBridge(mediaredis.NewSubscriber(rdb), hub, l)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			l.Error(ctx, "progress bridge stopped", zap.Error(err))
		}
	}()

	registerGauges(m, sessions, temp, hub)

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Media:    handler.NewMediaHandler(svc, media, sessions, temp, manager, cfg.Upload.MaxFileSize),
		Progress: websocket.NewHandler(websocket.NewSessionAuthorizer(sessions, true), sessions, hub, l),
	}, server.Deps{
		Verifier: services.NewTokenVerifier(cfg.JWTSecret),
		Limiter: mediaredis.NewRateLimiter(rdb, mediaredis.RateLimitConfig{
			UploadLimit:  cfg.Upload.RateLimit,
			UploadWindow: cfg.Upload.RateLimitWindow,
		}),
		Metrics:  m,
		Gatherer: registry,
		Health: map[string]server.HealthCheck{
			"database": func(ctx context.Context) error { return pingDB(ctx, db) },
			"redis":    func(ctx context.Context) error { return mediaredis.Ping(ctx, rdb) },
		},
	})

	return srv.Run(ctx)
}

func buildProcessors(cfg *config.Config, store storage.Backend, records processor.RecordStore, sessions *session.Manager, temp *tempfile.Manager, errs *errhandler.Handler, l *logger.Logger) *processor.Manager {
	u := cfg.Upload
	tool := processor.NewFFmpegTool(u.FFprobePath, u.FFmpegPath)
	codecs := processor.NewCodecValidator(tool, temp, u.ProbeRetries, u.RetryDelay, l)

	return processor.NewManager(
		processor.ManagerConfigFromUpload(u),
		processor.NewPipeline(store, records, l),
		sessions, temp, errs, l,
		processor.NewImageProcessor(processor.ImageConfigFromUpload(u), processor.NewFFmpegWebPEncoder(u.FFmpegPath, temp), store, l),
		processor.NewVideoProcessor(processor.VideoConfigFromUpload(u), tool, temp, store, codecs, l),
		processor.NewDocumentProcessor(u, l),
	)
}

func registerGauges(m *metrics.Metrics, sessions *session.Manager, temp *tempfile.Manager, hub *websocket.Hub) {
	m.RegisterGauge("sessions", "active", "Upload sessions in pending or processing state.", func() float64 {
		return float64(sessions.Stats().Active)
	})
	m.RegisterGauge("tempfiles", "files", "Tracked temporary files.", func() float64 {
		return float64(temp.Stats().Files)
	})
	m.RegisterGauge("tempfiles", "bytes", "Bytes held by tracked temporary files.", func() float64 {
		return float64(temp.Stats().TotalSize)
	})
	m.RegisterGauge("websocket", "remote_clients", "Progress clients fed from other replicas.", func() float64 {
		return float64(hub.ClientCount())
	})
}

func pingDB(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}

func modeFor(appMode string) string {
	if appMode == server.ReleaseMode {
		return logger.ProductionMode
	}
	return logger.DevelopmentMode
}
