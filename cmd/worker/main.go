package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	cfg "github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/internal/extract"
	"github.com/docpipe/docpipe/internal/splitter"
	"github.com/docpipe/docpipe/internal/workflow"
	"github.com/docpipe/docpipe/pkg/logger"
	"github.com/docpipe/docpipe/pkg/queue"
	"github.com/docpipe/docpipe/pkg/ratelimit"
	"github.com/docpipe/docpipe/pkg/storage"
	"github.com/docpipe/docpipe/pkg/worker"
)

func main() {
	log, err := logger.NewLogger(
		logger.WithLevel("info"),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/worker.log"}),
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
	redisOpt := asynq.RedisClientOpt{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	}

	objectStore, err := storage.NewStorage(storage.Backend(cfg.GetStorageConfig().Backend), log)
	if err != nil {
		log.Fatal("Failed to initialize storage", logger.Error(err))
	}

	extractor, err := extract.NewExtractor(log)
	if err != nil {
		log.Fatal("Failed to initialize extractor", logger.Error(err))
	}

	workerCfg := cfg.GetWorkerConfig()
	broker := queue.NewClient(redisOpt, &queue.Config{
		MaxRetry:    workerCfg.MaxRetry,
		TaskTimeout: workerCfg.TaskTimeout,
		Retention:   24 * time.Hour,
	}, log)
	defer broker.Close()

	store := workflow.NewStore(rdb, log)
	detector := workflow.NewDetector(store, log.Named("completion"))
	limiter := ratelimit.NewLimiter(rdb, log.Named("ratelimit"))
	limits := cfg.GetRateLimitConfig()

	splitHandler := worker.NewSplitHandler(
		store, objectStore, splitter.NewSplitter(log.Named("splitter")), broker, log.Named("split"),
	)
	pageHandler := worker.NewPageHandler(
		store, objectStore, extractor, limiter, detector,
		cfg.ExtractResourceKey, limits[cfg.ExtractResourceKey], log.Named("page"),
	)

	splitWorker := worker.NewBaseWorker(&worker.Config{
		RedisOpt:       redisOpt,
		Queue:          queue.QueueSplit,
		Concurrency:    workerCfg.SplitConcurrency,
		RetryBaseDelay: workerCfg.RetryBaseDelay,
	}, log)
	splitWorker.Handle(queue.TaskTypeSplit, splitHandler)

	pageWorker := worker.NewBaseWorker(&worker.Config{
		RedisOpt:       redisOpt,
		Queue:          queue.QueueProcessPage,
		Concurrency:    workerCfg.PageConcurrency,
		RetryBaseDelay: workerCfg.RetryBaseDelay,
	}, log)
	pageWorker.Handle(queue.TaskTypeProcessPage, pageHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := splitWorker.Start(ctx); err != nil {
		log.Fatal("Failed to start split worker", logger.Error(err))
	}
	if err := pageWorker.Start(ctx); err != nil {
		log.Fatal("Failed to start page worker", logger.Error(err))
	}

	log.Info("Workers started",
		logger.Int("splitConcurrency", workerCfg.SplitConcurrency),
		logger.Int("pageConcurrency", workerCfg.PageConcurrency),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down workers...")
	splitWorker.Shutdown()
	pageWorker.Shutdown()
	log.Info("Workers stopped")
}
