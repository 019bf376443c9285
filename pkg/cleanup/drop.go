package cleanup

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/convergent/chatservice/pkg/api"
)

// DropEverything deletes every document in the store. Collections are walked
// breadth first: each collection's documents are queued for deletion and the
// collections nested under them are queued for the walk.
func DropEverything(ctx context.Context, store api.Store, bulk *BulkDeleter) (Report, error) {
	queue, err := store.RootCollections(ctx)
	if err != nil {
		return Report{}, err
	}

	var documents []string
	for len(queue) > 0 {
		collection := queue[0]
		queue = queue[1:]

		paths, err := store.ListDocuments(ctx, collection)
		if err != nil {
			return Report{}, err
		}
		for _, path := range paths {
			documents = append(documents, path)
			nested, err := store.SubCollections(ctx, path)
			if err != nil {
				return Report{}, err
			}
			queue = append(queue, nested...)
		}
	}

	log.Info("Dropping documents", "count", len(documents))
	report := bulk.Run(ctx, documents)
	log.Info("Store dropped", "deleted", report.Deleted, "abandoned", len(report.Abandoned))
	return report, nil
}
