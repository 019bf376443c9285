package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/convergent/chatservice/config"
	"github.com/convergent/chatservice/pkg/cleanup"
	"github.com/convergent/chatservice/pkg/repository"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "dropstore",
		Usage: "Delete every document in the Firestore database",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "yes",
				Usage: "Confirm that everything should be deleted",
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Sources: cli.EnvVars("DELETE_CONCURRENCY"),
				Usage:   "Parallel deletes",
				Value:   8,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if !cmd.Bool("yes") {
				return errors.New("refusing to drop the store without --yes")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.SetupLogging()

			firebaseApp, err := config.SetupFirebase(ctx, cfg)
			if err != nil {
				return err
			}
			firestore, err := firebaseApp.Firestore(ctx)
			if err != nil {
				return err
			}
			defer firestore.Close()

			store := repository.NewStorage(firestore)
			report, err := cleanup.DropEverything(ctx, store, cleanup.NewBulkDeleter(store, int(cmd.Int("concurrency"))))
			if err != nil {
				return err
			}
			if len(report.Abandoned) > 0 {
				log.Warn("Some documents could not be deleted", "abandoned", report.Abandoned)
			}
			log.Info("Firestore database dropped.", "deleted", report.Deleted)
			return nil
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
