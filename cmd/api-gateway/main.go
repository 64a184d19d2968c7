package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/geoattend-api/api/swagger"
	"github.com/noah-isme/geoattend-api/internal/handler"
	internalmiddleware "github.com/noah-isme/geoattend-api/internal/middleware"
	"github.com/noah-isme/geoattend-api/internal/models"
	"github.com/noah-isme/geoattend-api/internal/repository"
	"github.com/noah-isme/geoattend-api/internal/service"
	"github.com/noah-isme/geoattend-api/pkg/cache"
	"github.com/noah-isme/geoattend-api/pkg/config"
	"github.com/noah-isme/geoattend-api/pkg/database"
	"github.com/noah-isme/geoattend-api/pkg/eventbus"
	"github.com/noah-isme/geoattend-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/geoattend-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/geoattend-api/pkg/middleware/requestid"
	"github.com/noah-isme/geoattend-api/pkg/storage"
)

// @title GeoAttend API
// @version 1.0.0
// @description Geofenced class attendance: sessions, location check-in, selfie upload and live roster.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

type eventPublisher interface {
	Publish(topic string, evt models.RosterEvent)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	metricsSvc := service.NewMetricsService()
	validate := validator.New()

	var readiness []handler.ReadinessCheck
	store, db, err := openStore(ctx, cfg, logr)
	if err != nil {
		logr.Sugar().Fatalw("failed to open session store", "backend", cfg.Attendance.StoreBackend, "error", err)
	}
	if db != nil {
		defer db.Close() //nolint:errcheck
		readiness = append(readiness, handler.ReadinessCheck{Name: "postgres", Check: db.PingContext})
	}

	hub := eventbus.NewHub(eventbus.HubConfig{
		Buffer: cfg.Attendance.SubscriberBuffer,
		OnDrop: metricsSvc.RecordSubscriberDropped,
		Logger: logr,
	})
	var publisher eventPublisher = hub
	if cfg.Attendance.EventsBackend == config.BackendRedis {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect redis", "error", err)
		}
		defer client.Close() //nolint:errcheck
		readiness = append(readiness, handler.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		relay := eventbus.NewRedisRelay(client, hub, eventbus.RelayConfig{MaxRetries: 3, Logger: logr})
		relay.Start(ctx)
		defer relay.Stop()
		publisher = relay
	}

	files, err := storage.NewLocalStorage(cfg.Photos.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init photo storage", "dir", cfg.Photos.StorageDir, "error", err)
	}
	uploadSigner := storage.NewSignedURLSigner(cfg.Photos.SignedURLSecret, cfg.Photos.UploadTokenTTL)
	linkSigner := storage.NewSignedURLSigner(cfg.Photos.SignedURLSecret, cfg.Photos.SignedURLTTL)
	linker := service.NewPhotoLinker(files, linkSigner, cfg.APIPrefix)

	sessionSvc := service.NewSessionService(store, publisher, linker, metricsSvc, validate, logr, service.SessionConfig{
		DefaultExpiryMinutes: cfg.Attendance.DefaultExpiryMinutes,
		MaxExpiryMinutes:     cfg.Attendance.MaxExpiryMinutes,
		SweepInterval:        cfg.Attendance.SweepInterval,
	})
	sessionSvc.StartSweeper(ctx)

	checkInSvc := service.NewCheckInService(sessionSvc, store, publisher, uploadSigner, metricsSvc, validate, logr)
	photoSvc := service.NewPhotoService(checkInSvc, files, uploadSigner, linkSigner, metricsSvc, logr, service.PhotoConfig{
		MaxFileSizeBytes: cfg.Photos.MaxFileSizeBytes,
		AllowedMIMEs:     cfg.Photos.AllowedMIMEs,
	})
	overrideSvc := service.NewOverrideService(sessionSvc, store, publisher, metricsSvc, validate, logr)
	exportSvc := service.NewExportService(sessionSvc, logr, nil, nil)
	authSvc := service.NewAuthService(validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	handler.RegisterRoutes(r, cfg.APIPrefix, internalmiddleware.JWT(authSvc), handler.Handlers{
		Sessions:  handler.NewSessionHandler(sessionSvc, exportSvc),
		CheckIns:  handler.NewCheckInHandler(checkInSvc, photoSvc, cfg.Photos.MaxFileSizeBytes),
		Overrides: handler.NewOverrideHandler(overrideSvc),
		Photos:    handler.NewPhotoHandler(photoSvc),
		Stream:    handler.NewStreamHandler(sessionSvc, hub, metricsSvc, logr),
		Metrics:   handler.NewMetricsHandler(metricsSvc, readiness...),
	})

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting",
			"addr", srv.Addr,
			"env", cfg.Env,
			"store", cfg.Attendance.StoreBackend,
			"events", cfg.Attendance.EventsBackend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
}

// openStore returns the configured session store. db is nil for the memory backend.
func openStore(ctx context.Context, cfg *config.Config, logr *zap.Logger) (repository.SessionStore, *sqlx.DB, error) {
	if cfg.Attendance.StoreBackend != config.BackendPostgres {
		return repository.NewMemorySessionStore(), nil, nil
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logr.Info("attendance schema ready", zap.String("database", cfg.Database.Name))
	return repository.NewSessionRepository(db), db, nil
}
