package api

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const searchTimeout = 10 * time.Second

// SearchSync mirrors profile projections into the search index. Calls return
// immediately; the index write runs on its own goroutine and a failure is only
// logged, never propagated to the profile write that caused it.
type SearchSync struct {
	index SearchIndex
	wg    sync.WaitGroup
}

// NewSearchSync returns a synchronizer for index. A nil index disables it.
func NewSearchSync(index SearchIndex) *SearchSync {
	return &SearchSync{index: index}
}

func (s *SearchSync) Created(user *User) {
	s.dispatch("upsert", user.Id, func(ctx context.Context) error {
		return s.index.Upsert(ctx, user.Id, ProjectionOf(user))
	})
}

func (s *SearchSync) Updated(user *User) {
	s.dispatch("partial update", user.Id, func(ctx context.Context) error {
		return s.index.PartialUpdate(ctx, user.Id, ProjectionOf(user))
	})
}

func (s *SearchSync) Deleted(id string) {
	s.dispatch("delete", id, func(ctx context.Context) error {
		return s.index.Delete(ctx, id)
	})
}

// Query searches the index directly. It returns no results when the index is
// disabled.
func (s *SearchSync) Query(ctx context.Context, text string, limit int) ([]Projection, error) {
	if s.index == nil {
		return nil, nil
	}
	return s.index.Query(ctx, text, limit)
}

// Wait blocks until every dispatched index write has finished.
func (s *SearchSync) Wait() {
	s.wg.Wait()
}

func (s *SearchSync) dispatch(op string, id string, fn func(ctx context.Context) error) {
	if s.index == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn("Search index "+op+" failed", "user", id, "err", err)
		}
	}()
}
