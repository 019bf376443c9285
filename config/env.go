package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

// Blob backends.
const (
	BlobFirebase = "firebase"
	BlobS3       = "s3"
	BlobNone     = "none"
)

type Config struct {
	ServerURL         string
	StoreBackend      string
	DatabaseURL       string
	BlobBackend       string
	StorageBucket     string
	S3Bucket          string
	S3Region          string
	S3PublicURL       string
	HookSecret        string
	LogLevel          string
	DeleteConcurrency int
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		ServerURL:     getEnv("SERVER_URL", ":8080"),
		StoreBackend:  getEnv("STORE_BACKEND", StoreFirestore),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		BlobBackend:   getEnv("BLOB_BACKEND", BlobFirebase),
		StorageBucket: os.Getenv("STORAGE_BUCKET"),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		S3Region:      getEnv("S3_REGION", "us-east-1"),
		S3PublicURL:   os.Getenv("S3_PUBLIC_URL"),
		HookSecret:    os.Getenv("HOOK_SECRET"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	concurrency, err := strconv.Atoi(getEnv("DELETE_CONCURRENCY", "8"))
	if err != nil || concurrency <= 0 {
		return nil, fmt.Errorf("DELETE_CONCURRENCY must be a positive integer")
	}
	cfg.DeleteConcurrency = concurrency

	switch cfg.StoreBackend {
	case StoreFirestore, StoreMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	switch cfg.BlobBackend {
	case BlobFirebase, BlobNone:
	case BlobS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required for the s3 blob backend")
		}
	default:
		return nil, fmt.Errorf("unknown BLOB_BACKEND %q", cfg.BlobBackend)
	}
	return cfg, nil
}

// SetupLogging applies the configured log level to the default logger.
func (c *Config) SetupLogging() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Warn("Unknown log level, using info", "level", c.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
}

func getEnv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
