package main

import (
	"context"
	"os"

	firebase "firebase.google.com/go/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/charmbracelet/log"
	"github.com/convergent/chatservice/config"
	"github.com/convergent/chatservice/pkg/api"
	"github.com/convergent/chatservice/pkg/app"
	"github.com/convergent/chatservice/pkg/cleanup"
	"github.com/convergent/chatservice/pkg/repository"
	"github.com/go-chi/chi/v5"
)

func main() {
	if err := run(); err != nil {
		log.Error("Server stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.SetupLogging()

	firebaseApp, err := config.SetupFirebase(ctx, cfg)
	if err != nil {
		return err
	}
	authClient, err := firebaseApp.Auth(ctx)
	if err != nil {
		return err
	}

	var store api.Store
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn("Using the in-memory store, data is lost on exit")
		store = repository.NewMemoryStore()
	default:
		firestore, err := firebaseApp.Firestore(ctx)
		if err != nil {
			return err
		}
		defer firestore.Close()
		store = repository.NewStorage(firestore)
	}

	blobs, err := setupBlobs(ctx, cfg, firebaseApp)
	if err != nil {
		return err
	}

	db, err := config.SetupDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	var index api.SearchIndex
	if db != nil {
		defer db.Close()
		if err := repository.EnsureSchema(ctx, db); err != nil {
			return err
		}
		index = repository.NewSearchIndex(db)
	}
	search := api.NewSearchSync(index)

	repo := api.NewRepository(store)
	chatService := api.NewChatService(repo, blobs)
	userService := api.NewUserService(repo, blobs, search)
	engine := cleanup.NewEngine(store, cleanup.NewBulkDeleter(store, cfg.DeleteConcurrency), search, repository.NewIdentityRemover(authClient), blobs)

	router := chi.NewRouter()

	server := app.NewServer(router, cfg.ServerURL, cfg.HookSecret, app.Services{
		Repo:     repo,
		Users:    userService,
		Chat:     chatService,
		Engine:   engine,
		Verifier: authClient,
	})
	engine.AfterDelete = server.AccountDeleted

	err = server.Run()
	search.Wait()
	return err
}

func setupBlobs(ctx context.Context, cfg *config.Config, firebaseApp *firebase.App) (api.BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BlobS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, err
		}
		return repository.NewS3BlobStore(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Region, cfg.S3PublicURL), nil
	case config.BlobFirebase:
		if cfg.StorageBucket == "" {
			log.Warn("STORAGE_BUCKET not set, uploads are disabled")
			return nil, nil
		}
		storageClient, err := firebaseApp.Storage(ctx)
		if err != nil {
			return nil, err
		}
		bucket, err := storageClient.DefaultBucket()
		if err != nil {
			return nil, err
		}
		return repository.NewFirebaseBlobStore(bucket, cfg.StorageBucket), nil
	default:
		return nil, nil
	}
}
