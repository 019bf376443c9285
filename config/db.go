package config

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v4/pgxpool"
)

// SetupDatabase connects to the search index database. It returns nil when no
// DATABASE_URL is configured, which disables search.
func SetupDatabase(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, user search is disabled")
		return nil, nil
	}
	pool, err := pgxpool.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info("Successfully connected to database")
	return pool, nil
}
