package api_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/convergent/chatservice/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_CacheHitSkipsStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "alice", "Alice")

	first, err := f.repo.GetUser(ctx, "alice")
	require.NoError(t, err)

	calls := 0
	f.store.SetHook(func(op string, path string) error {
		calls++
		return errors.New("store must not be called")
	})

	second, err := f.repo.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Zero(t, calls)
}

func TestRepository_GetConversationPointer(t *testing.T) {
	ctx := context.Background()

	t.Run("no conversation yet", func(t *testing.T) {
		f := newFixture(t)
		f.addUser(t, "alice", "")
		f.addUser(t, "bob", "")

		pointer, err := f.repo.GetConversationPointer(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Nil(t, pointer)
	})

	t.Run("duplicate pointers are a data integrity fault", func(t *testing.T) {
		f := newFixture(t)
		f.addUser(t, "alice", "")
		f.addUser(t, "bob", "")
		for i := 0; i < 2; i++ {
			require.NoError(t, f.store.SetConversationPointer(ctx, api.NewPointerFromFields("alice", "bob", "c1", time.Now())))
		}

		_, err := f.repo.GetConversationPointer(ctx, "alice", "bob")
		require.Error(t, err)
		assert.True(t, api.IsDataIntegrity(err))
	})

	t.Run("single pointer resolves recipient", func(t *testing.T) {
		f := newFixture(t)
		f.addUser(t, "alice", "")
		f.addUser(t, "bob", "Bob")
		require.NoError(t, f.store.SetConversationPointer(ctx, api.NewPointerFromFields("alice", "bob", "c1", time.Now())))

		pointer, err := f.repo.GetConversationPointer(ctx, "alice", "bob")
		require.NoError(t, err)
		require.NotNil(t, pointer)
		assert.Equal(t, "Bob", pointer.Recipient.DisplayName())
		assert.Equal(t, "c1", pointer.ConversationId)
	})
}

func TestRepository_ConversationNeedsTwoParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "alice", "")
	require.NoError(t, f.store.SetConversation(ctx, &api.ConversationRecord{Id: "c1", UserIds: []string{"alice"}}))

	_, err := f.repo.GetConversation(ctx, "c1")
	assert.True(t, api.IsDataIntegrity(err))
}

func TestRepository_MessageSenderMustParticipate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "alice", "")
	f.addUser(t, "bob", "")
	require.NoError(t, f.store.SetConversation(ctx, &api.ConversationRecord{Id: "c1", UserIds: []string{"alice", "bob"}}))
	require.NoError(t, f.store.SetMessage(ctx, &api.MessageRecord{Id: "m1", ConversationId: "c1", Text: "hi", SenderId: "mallory", SendDate: time.Now()}))

	_, err := f.repo.GetMessages(ctx, "c1")
	assert.True(t, api.IsDataIntegrity(err))
}

func TestRepository_MessagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "alice", "")
	f.addUser(t, "bob", "")
	require.NoError(t, f.store.SetConversation(ctx, &api.ConversationRecord{Id: "c1", UserIds: []string{"alice", "bob"}}))
	start := time.Now()
	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, f.store.SetMessage(ctx, &api.MessageRecord{
			Id:             text,
			ConversationId: "c1",
			Text:           text,
			SenderId:       "alice",
			SendDate:       start.Add(time.Duration(i) * time.Second),
		}))
	}

	messages, err := f.repo.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "three", messages[0].Text)
	assert.Equal(t, "one", messages[2].Text)
	assert.Equal(t, "alice", messages[0].Sender.Id)
}

func TestRepository_SaveAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, "alice", "")

	name := "Alice"
	alice.Name = &name
	require.NoError(t, f.repo.SaveUser(ctx, alice))
	stored, err := f.store.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", *stored.Name)

	require.NoError(t, f.repo.DeleteUser(ctx, "alice"))
	_, err = f.repo.GetUser(ctx, "alice")
	assert.True(t, api.IsNotFound(err))
}

func TestRepository_ForgetAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, "alice", "")
	f.addUser(t, "bob", "")
	pointer, err := f.chat.StartConversation(ctx, alice, "bob")
	require.NoError(t, err)

	require.NoError(t, f.store.Delete(ctx, api.UserPath("alice")))
	require.NoError(t, f.store.Delete(ctx, api.ConversationPath(pointer.ConversationId)))
	f.repo.ForgetAccount("alice")

	_, err = f.repo.GetUser(ctx, "alice")
	assert.True(t, api.IsNotFound(err))
	_, err = f.repo.GetConversation(ctx, pointer.ConversationId)
	assert.True(t, api.IsNotFound(err))
}

func TestRepository_RenameReachesCachedEntities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, "alice", "Alice")
	f.addUser(t, "bob", "Bob")
	pointer, err := f.chat.StartConversation(ctx, alice, "bob")
	require.NoError(t, err)
	message, err := f.chat.AddMessage(ctx, alice, pointer.ConversationId, "hello", nil)
	require.NoError(t, err)

	_, err = f.users.Rename(ctx, "bob", "Robert")
	require.NoError(t, err)
	_, err = f.users.Rename(ctx, "alice", "Alicia")
	require.NoError(t, err)

	conversation, err := f.repo.GetConversation(ctx, pointer.ConversationId)
	require.NoError(t, err)
	names := []string{}
	for _, user := range conversation.Users {
		names = append(names, user.DisplayName())
	}
	assert.ElementsMatch(t, []string{"Alicia", "Robert"}, names)

	cached, err := f.repo.GetConversationPointer(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "Robert", cached.Recipient.DisplayName())

	stored, err := f.repo.GetMessage(ctx, pointer.ConversationId, message.Id)
	require.NoError(t, err)
	assert.Equal(t, "Alicia", stored.Sender.DisplayName())
}
