package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/docpipe/docpipe/api/handlers"
	"github.com/docpipe/docpipe/api/routes"
	cfg "github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/internal/service/document"
	"github.com/docpipe/docpipe/internal/workflow"
	"github.com/docpipe/docpipe/pkg/logger"
	"github.com/docpipe/docpipe/pkg/queue"
	"github.com/docpipe/docpipe/pkg/ratelimit"
	"github.com/docpipe/docpipe/pkg/storage"
)

func main() {
	log, err := logger.NewLogger(
		logger.WithLevel("info"),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/server.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	redisCfg := cfg.GetRedisConfig()
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	objectStore, err := storage.NewStorage(storage.Backend(cfg.GetStorageConfig().Backend), log)
	if err != nil {
		log.Fatal("Failed to initialize storage", logger.Error(err))
	}

	workerCfg := cfg.GetWorkerConfig()
	redisOpt := asynq.RedisClientOpt{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	}
	broker := queue.NewClient(redisOpt, &queue.Config{
		MaxRetry:    workerCfg.MaxRetry,
		TaskTimeout: workerCfg.TaskTimeout,
		Retention:   24 * time.Hour,
	}, log)
	defer broker.Close()

	store := workflow.NewStore(rdb, log)
	limiter := ratelimit.NewLimiter(rdb, log)

	svc := document.NewService(store, objectStore, broker, limiter, cfg.GetRateLimitConfig(), nil, log)

	h := handlers.NewHandlers(svc, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h)

	serverCfg := cfg.GetServerConfig()
	srv := &http.Server{
		Addr:    ":" + serverCfg.Port,
		Handler: r,
	}

	go func() {
		log.Info("Server starting", logger.String("port", serverCfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}
