package config

import (
	"os"
	"sync"
	"time"
)

var (
	extractOnce   sync.Once
	extractConfig *ExtractConfig
)

// ExtractConfig configures the external extraction service client.
type ExtractConfig struct {
	Backend string // "llm" or "textract"

	// llm backend
	Endpoint string
	Model    string
	Timeout  time.Duration

	// textract backend
	AWSRegion    string
	AWSAccessKey string
	AWSSecretKey string
}

func GetExtractConfig() *ExtractConfig {
	extractOnce.Do(func() {
		loadEnv()

		timeout := time.Duration(getEnvInt("EXTRACT_TIMEOUT_SECONDS", 120)) * time.Second

		extractConfig = &ExtractConfig{
			Backend:      getEnv("EXTRACT_BACKEND", "llm"),
			Endpoint:     getEnv("EXTRACT_ENDPOINT", "http://localhost:11434/api/generate"),
			Model:        getEnv("EXTRACT_MODEL", "llama3.2-vision"),
			Timeout:      timeout,
			AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
			AWSAccessKey: os.Getenv("AWS_ACCESS_KEY"),
			AWSSecretKey: os.Getenv("AWS_SECRET_KEY"),
		}
	})
	return extractConfig
}
