package api_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/convergent/chatservice/pkg/api"
	"github.com/convergent/chatservice/pkg/repository"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *repository.MemoryStore
	repo   *api.Repository
	blobs  *fakeBlobs
	index  *fakeIndex
	search *api.SearchSync
	chat   api.ChatService
	users  api.UserService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	repo := api.NewRepository(store)
	blobs := newFakeBlobs()
	index := newFakeIndex()
	search := api.NewSearchSync(index)
	return &fixture{
		store:  store,
		repo:   repo,
		blobs:  blobs,
		index:  index,
		search: search,
		chat:   api.NewChatService(repo, blobs),
		users:  api.NewUserService(repo, blobs, search),
	}
}

// addUser stores a profile directly, bypassing the repository cache.
func (f *fixture) addUser(t *testing.T, id string, name string) *api.User {
	t.Helper()
	email := id + "@example.com"
	user := &api.User{Id: id, Email: &email, Username: id}
	if name != "" {
		user.Name = &name
	}
	require.NoError(t, f.store.SetUser(context.Background(), user))
	return user
}

func (f *fixture) pointers(t *testing.T, ownerId string) []*api.PointerRecord {
	t.Helper()
	pointers, err := f.store.ListConversationPointers(context.Background(), ownerId)
	require.NoError(t, err)
	return pointers
}

// failPointerUpdates makes every pointer activity update fail transiently.
func (f *fixture) failPointerUpdates() {
	f.store.SetHook(func(op string, path string) error {
		if op == repository.OpUpdate && strings.HasPrefix(path, api.UserCol+"/") && strings.Contains(path, "/"+api.ConversationCol+"/") {
			return api.Transient("injected failure", nil)
		}
		return nil
	})
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	next    int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (b *fakeBlobs) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	url := fmt.Sprintf("https://blobs.test/image/%d.%s", b.next, api.ImageExtensions[contentType])
	b.objects[url] = data
	return url, nil
}

func (b *fakeBlobs) Delete(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, url)
	b.deleted = append(b.deleted, url)
	return nil
}

func (b *fakeBlobs) has(url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[url]
	return ok
}

type fakeIndex struct {
	mu        sync.Mutex
	entries   map[string]api.Projection
	lastLimit int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[string]api.Projection)}
}

func (i *fakeIndex) Upsert(ctx context.Context, id string, projection api.Projection) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[id] = projection
	return nil
}

func (i *fakeIndex) PartialUpdate(ctx context.Context, id string, projection api.Projection) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.entries[id]; !ok {
		return nil
	}
	i.entries[id] = projection
	return nil
}

func (i *fakeIndex) Delete(ctx context.Context, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, id)
	return nil
}

func (i *fakeIndex) Query(ctx context.Context, text string, limit int) ([]api.Projection, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastLimit = limit
	var results []api.Projection
	for _, p := range i.entries {
		if strings.Contains(p.Username, text) {
			results = append(results, p)
		}
	}
	return results, nil
}

func (i *fakeIndex) entry(id string) (api.Projection, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.entries[id]
	return p, ok
}
