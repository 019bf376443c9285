package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/convergent/chatservice/pkg/api"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxAttempts is the number of times a single delete is tried.
	MaxAttempts        = 3
	defaultConcurrency = 8
)

// Report is the outcome of a bulk run.
type Report struct {
	Deleted   int
	Abandoned []string
}

// BulkDeleter deletes documents in parallel. Each document is retried on
// transient failures up to MaxAttempts times; a document that still fails is
// abandoned and the run carries on.
type BulkDeleter struct {
	store       api.Store
	concurrency int

	// NewBackOff returns the wait schedule between attempts of one document.
	NewBackOff func() backoff.BackOff
}

func NewBulkDeleter(store api.Store, concurrency int) *BulkDeleter {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &BulkDeleter{
		store:       store,
		concurrency: concurrency,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// Run deletes every path and waits for all of them to settle.
func (b *BulkDeleter) Run(ctx context.Context, paths []string) Report {
	var (
		mu     sync.Mutex
		report Report
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			err := b.deleteOne(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("Stopping retry for", "path", path, "err", err)
				documentsAbandoned.Inc()
				report.Abandoned = append(report.Abandoned, path)
				return nil
			}
			log.Debug("Successfully deleted", "path", path)
			documentsDeleted.Inc()
			report.Deleted++
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (b *BulkDeleter) deleteOne(ctx context.Context, path string) error {
	return retry(ctx, b.NewBackOff(), "delete "+path, func() error {
		return b.store.Delete(ctx, path)
	})
}

// retry runs op until it succeeds, fails with a non-transient error or has
// been tried MaxAttempts times.
func retry(ctx context.Context, policy backoff.BackOff, what string, op func() error) error {
	attempt := func() error {
		err := op()
		if err != nil && !api.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, MaxAttempts-1), ctx)
	return backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		deleteRetries.Inc()
		log.Info("Retrying", "op", what, "in", wait, "err", err)
	})
}
