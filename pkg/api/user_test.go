package api_test

import (
	"context"
	"strings"
	"testing"

	"github.com/convergent/chatservice/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserService_OnAuthCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("profile and index entry", func(t *testing.T) {
		f := newFixture(t)
		name := "Alice"

		user, err := f.users.OnAuthCreate(ctx, "u1", "alice.smith@example.com", &name, nil)
		require.NoError(t, err)
		assert.Equal(t, "alice.smith", user.Username)

		stored, err := f.store.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "alice.smith", stored.Username)
		assert.Equal(t, "alice.smith@example.com", *stored.Email)

		f.search.Wait()
		entry, ok := f.index.entry("u1")
		require.True(t, ok)
		assert.Equal(t, "alice.smith", entry.Username)
		assert.Equal(t, "Alice", *entry.Name)
	})

	t.Run("email is required", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.users.OnAuthCreate(ctx, "u1", "", nil, nil)
		assert.True(t, api.IsValidation(err))
		_, err = f.users.OnAuthCreate(ctx, "", "a@example.com", nil, nil)
		assert.True(t, api.IsValidation(err))
	})
}

func TestUserService_Rename(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice", "")
	require.NoError(t, f.index.Upsert(ctx, "alice", api.Projection{Id: "alice", Username: "alice"}))

	for _, name := range []string{"", "   ", strings.Repeat("x", 128)} {
		_, err := f.users.Rename(ctx, "alice", name)
		assert.True(t, api.IsValidation(err), "name %q", name)
	}

	user, err := f.users.Rename(ctx, "alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", *user.Name)

	f.search.Wait()
	entry, _ := f.index.entry("alice")
	assert.Equal(t, "Alice", *entry.Name)

	_, err = f.users.Rename(ctx, "nobody", "Nobody")
	assert.True(t, api.IsNotFound(err))
}

func TestUserService_PatchProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("replace name", func(t *testing.T) {
		f := newFixture(t)
		f.addUser(t, "alice", "Alice")

		user, err := f.users.PatchProfile(ctx, "alice", []byte(`[{"op":"replace","path":"/name","value":"Alicia"}]`))
		require.NoError(t, err)
		assert.Equal(t, "Alicia", *user.Name)
		stored, err := f.store.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alicia", *stored.Name)
	})

	t.Run("name cannot be removed", func(t *testing.T) {
		f := newFixture(t)
		f.addUser(t, "alice", "Alice")

		_, err := f.users.PatchProfile(ctx, "alice", []byte(`[{"op":"remove","path":"/name"}]`))
		assert.True(t, api.IsValidation(err))
	})

	t.Run("other fields are off limits", func(t *testing.T) {
		f := newFixture(t)
		f.addUser(t, "alice", "Alice")

		_, err := f.users.PatchProfile(ctx, "alice", []byte(`[{"op":"add","path":"/username","value":"root"}]`))
		assert.True(t, api.IsValidation(err))
		stored, err := f.store.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", stored.Username)
	})

	t.Run("malformed patch", func(t *testing.T) {
		f := newFixture(t)
		f.addUser(t, "alice", "Alice")

		_, err := f.users.PatchProfile(ctx, "alice", []byte(`{"op":"replace"}`))
		assert.True(t, api.IsValidation(err))
	})

	t.Run("no change writes nothing", func(t *testing.T) {
		f := newFixture(t)
		f.addUser(t, "alice", "Alice")
		f.store.SetHook(func(op string, path string) error {
			if op != "get" {
				return api.Transient("unexpected write", nil)
			}
			return nil
		})

		user, err := f.users.PatchProfile(ctx, "alice", []byte(`[{"op":"replace","path":"/name","value":"Alice"}]`))
		require.NoError(t, err)
		assert.Equal(t, "Alice", *user.Name)
	})
}

func TestUserService_UploadProfileImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice", "")

	first, err := f.users.UploadProfileImage(ctx, "alice", []byte("one"), "image/png")
	require.NoError(t, err)
	require.NotNil(t, first.ImageUrl)
	firstUrl := *first.ImageUrl
	assert.True(t, f.blobs.has(firstUrl))

	second, err := f.users.UploadProfileImage(ctx, "alice", []byte("two"), "image/jpeg")
	require.NoError(t, err)
	assert.NotEqual(t, firstUrl, *second.ImageUrl)
	assert.False(t, f.blobs.has(firstUrl))
	assert.True(t, f.blobs.has(*second.ImageUrl))

	_, err = f.users.UploadProfileImage(ctx, "alice", []byte("three"), "text/plain")
	assert.True(t, api.IsValidation(err))
	_, err = f.users.UploadProfileImage(ctx, "alice", nil, "image/png")
	assert.True(t, api.IsValidation(err))
}

func TestUserService_Search(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.index.Upsert(ctx, "alice", api.Projection{Id: "alice", Username: "alice"}))
	require.NoError(t, f.index.Upsert(ctx, "bob", api.Projection{Id: "bob", Username: "bob"}))

	results, err := f.users.Search(ctx, "ali", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alice", results[0].Id)
	assert.Equal(t, 10, f.index.lastLimit)

	_, err = f.users.Search(ctx, "b", 500)
	require.NoError(t, err)
	assert.Equal(t, 50, f.index.lastLimit)

	_, err = f.users.Search(ctx, "  ", 5)
	assert.True(t, api.IsValidation(err))
}

func TestSearchSync_Disabled(t *testing.T) {
	search := api.NewSearchSync(nil)
	search.Created(&api.User{Id: "alice"})
	search.Deleted("alice")
	search.Wait()

	results, err := search.Query(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}
