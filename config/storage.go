package config

import (
	"os"
	"sync"
)

var (
	storageOnce   sync.Once
	storageConfig *StorageConfig
)

// StorageConfig selects and configures the object storage backend used as
// the file resolver for source documents and split pages.
type StorageConfig struct {
	Backend string // "minio" or "s3"

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioRegion    string

	S3Region    string
	S3AccessKey string
	S3SecretKey string

	BucketName string
}

func GetStorageConfig() *StorageConfig {
	storageOnce.Do(func() {
		loadEnv()

		storageConfig = &StorageConfig{
			Backend:        getEnv("STORAGE_BACKEND", "minio"),
			MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
			MinioUseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",
			MinioRegion:    os.Getenv("MINIO_REGION"),
			S3Region:       getEnv("AWS_REGION", "us-east-1"),
			S3AccessKey:    os.Getenv("AWS_ACCESS_KEY"),
			S3SecretKey:    os.Getenv("AWS_SECRET_KEY"),
			BucketName:     getEnv("STORAGE_BUCKET", "docpipe"),
		}
	})
	return storageConfig
}
