package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"bucketgate/internal/auth"
	"bucketgate/internal/config"
	apphttp "bucketgate/internal/http"
	"bucketgate/internal/health"
	"bucketgate/internal/objectstore"
	"bucketgate/internal/repository/sqlite"
	"bucketgate/internal/service"
	"bucketgate/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	configureLogger(logger, cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(ctx, cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	userRepo := sqlite.NewUserRepository(db)
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
	userService, err := service.NewUserService(userRepo, auth.NewPasswordHasher(bcrypt.DefaultCost), tokens)
	if err != nil {
		logger.Fatalf("setup user service: %v", err)
	}

	backend, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}
	gateway, err := objectstore.NewGateway(backend, objectstore.Options{
		Bucket:            cfg.Storage.Bucket,
		ConditionalWrites: cfg.Storage.ConditionalWrites,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatalf("setup object store: %v", err)
	}

	aggregator := health.NewAggregator(
		health.DatabaseCheck("database", userRepo),
		health.ObjectStoreCheck("s3", gateway),
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	handler := apphttp.NewHandler(
		userService,
		auth.NewGuard(tokens, userService, logger),
		gateway,
		aggregator,
		apphttp.Options{
			MaxObjectBytes: cfg.Server.MaxObjectBytes,
			Logger:         logger,
		},
	)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
}

func configureLogger(logger *logrus.Logger, cfg config.Config) {
	if strings.EqualFold(cfg.Log.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func buildBackend(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Backend, error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		logger.Warn("using in-memory object storage, data is lost on restart")
		return storage.NewMemoryBackend(), nil
	}

	client, err := storage.NewS3Client(ctx, storage.S3Options{
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Profile:         cfg.AWS.Profile,
		MaxAttempts:     cfg.Storage.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("using s3 bucket %s (region %s, endpoint %s)", cfg.Storage.Bucket, cfg.Storage.Region, cfg.Storage.Endpoint)
	return storage.NewS3Backend(client), nil
}
