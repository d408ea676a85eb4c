package config

import (
	"sync"
	"time"
)

var (
	workerOnce   sync.Once
	workerConfig *WorkerConfig
)

// WorkerConfig bounds the two consumer pools. Splitting is memory heavy so
// its pool stays small; page processing is bounded by the extraction
// service's own limits independent of the rate limiter.
type WorkerConfig struct {
	SplitConcurrency int
	PageConcurrency  int
	MaxRetry         int
	RetryBaseDelay   time.Duration
	TaskTimeout      time.Duration
}

func GetWorkerConfig() *WorkerConfig {
	workerOnce.Do(func() {
		loadEnv()

		workerConfig = &WorkerConfig{
			SplitConcurrency: getEnvInt("SPLIT_CONCURRENCY", 2),
			PageConcurrency:  getEnvInt("PAGE_CONCURRENCY", 3),
			MaxRetry:         getEnvInt("JOB_MAX_RETRY", 5),
			RetryBaseDelay:   time.Duration(getEnvInt("JOB_RETRY_BASE_SECONDS", 5)) * time.Second,
			TaskTimeout:      time.Duration(getEnvInt("JOB_TIMEOUT_MINUTES", 10)) * time.Minute,
		}
	})
	return workerConfig
}
