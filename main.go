package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/nsfw-check/internal/auth"
	"github.com/example/nsfw-check/internal/cache"
	"github.com/example/nsfw-check/internal/classifier"
	"github.com/example/nsfw-check/internal/config"
	"github.com/example/nsfw-check/internal/downloader"
	"github.com/example/nsfw-check/internal/grpcclient"
	"github.com/example/nsfw-check/internal/handlers"
	"github.com/example/nsfw-check/internal/logging"
	"github.com/example/nsfw-check/internal/repository"
	"github.com/example/nsfw-check/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	model, closeModel := initModel(ctx, cfg, logger)
	defer closeModel()

	var classifierOpts []classifier.Option
	if cfg.RedisAddr != "" {
		redisClient := initRedis(ctx, cfg.RedisAddr, logger)
		defer redisClient.Close()
		classifierOpts = append(classifierOpts, classifier.WithScoreCache(cache.NewRedisCache(redisClient), time.Duration(cfg.ScoreCacheTTL)))
	}

	var repo usecase.CheckRepository
	if cfg.DatabaseDSN != "" {
		checkRepo := repository.NewCheckRepository(initDatabase(ctx, cfg.DatabaseDSN, logger), logger)
		if err := checkRepo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = checkRepo
	}

	fetcher := downloader.NewFetcher(newDownloadClient(), logger, downloader.Options{
		Timeout:  time.Duration(cfg.DownloadTimeout),
		MaxBytes: cfg.MaxImageBytes,
		Retries:  cfg.DownloadRetries,
	})
	uc := usecase.NewCheckUseCase(
		downloader.NewBatch(fetcher, cfg.DownloadConcurrency, logger),
		classifier.NewAdapter(model, logger, classifierOpts...),
		repo,
		logger,
		usecase.Options{
			ScratchRoot:    cfg.ScratchRoot,
			MaxURLs:        cfg.MaxURLs,
			RequestTimeout: time.Duration(cfg.RequestTimeout),
		},
	)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, uc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("nsfw check API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, time.Duration(cfg.ShutdownTimeout), logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, uc handlers.Checker, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestID(), handlers.AccessLog(logger.Named("http")))

	var middleware []gin.HandlerFunc
	if cfg.JWTSecret != "" {
		middleware = append(middleware, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))
	}
	handlers.RegisterRoutes(r, uc, logger, middleware...)
	return r
}

func initModel(ctx context.Context, cfg *config.Config, logger *zap.Logger) (classifier.Model, func()) {
	switch cfg.Classifier.Backend {
	case config.BackendHTTP:
		client := &http.Client{Timeout: time.Duration(cfg.Classifier.Timeout)}
		return classifier.NewHTTPModel(cfg.Classifier.URL, client), func() {}
	default:
		model, conn, err := grpcclient.DialClassifier(ctx, cfg.Classifier.Addr, logger)
		if err != nil {
			logger.Fatal("failed to connect to classifier", zap.Error(err))
		}
		return classifier.WithTimeout(model, time.Duration(cfg.Classifier.Timeout)), func() { _ = conn.Close() }
	}
}

func newDownloadClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{Transport: transport}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
