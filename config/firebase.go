package config

import (
	"context"

	firebase "firebase.google.com/go/v4"
)

// SetupFirebase initializes the Firebase app from the ambient Google
// credentials, with the configured storage bucket as the default bucket.
func SetupFirebase(ctx context.Context, cfg *Config) (*firebase.App, error) {
	var conf *firebase.Config
	if cfg.StorageBucket != "" {
		conf = &firebase.Config{StorageBucket: cfg.StorageBucket}
	}
	return firebase.NewApp(ctx, conf)
}
