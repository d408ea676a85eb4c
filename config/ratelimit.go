package config

import (
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/docpipe/docpipe/internal/models"
)

var (
	rateLimitOnce   sync.Once
	rateLimitConfig map[string]models.RateLimitConfig
)

// ExtractResourceKey is the limiter key shared by all page workers calling
// the extraction service.
const ExtractResourceKey = "extract"

// GetRateLimitConfig returns the per-resource-key admission policies.
// Policies load from the YAML file named by RATE_LIMIT_CONFIG when present;
// otherwise a default policy for the extraction service applies.
func GetRateLimitConfig() map[string]models.RateLimitConfig {
	rateLimitOnce.Do(func() {
		loadEnv()

		rateLimitConfig = map[string]models.RateLimitConfig{
			ExtractResourceKey: {
				MaxRequests:        getEnvInt("EXTRACT_MAX_REQUESTS_PER_MINUTE", 60),
				Window:             models.WindowMinute,
				MaxTokensPerMinute: getEnvInt("EXTRACT_MAX_TOKENS_PER_MINUTE", 0),
			},
		}

		path := os.Getenv("RATE_LIMIT_CONFIG")
		if path == "" {
			return
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: rate limit config %s not readable: %v", path, err)
			return
		}

		var fromFile map[string]models.RateLimitConfig
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			log.Printf("Warning: rate limit config %s not parseable: %v", path, err)
			return
		}
		for key, cfg := range fromFile {
			rateLimitConfig[key] = cfg
		}
	})
	return rateLimitConfig
}
