package api

import (
	"context"
	"time"

	"firebase.google.com/go/v4/auth"
)

// PointerPlan decides, inside the message transaction, which pointers must be
// created for the conversation as it stands before the new message is counted.
type PointerPlan func(conversation *ConversationRecord) []*PointerRecord

// Store is the canonical document store. Read methods return a NotFound error
// for absent documents. Watch methods block until ctx is done and call fn
// serially; a nil value with a nil error means the watched document is absent.
type Store interface {
	GetUser(ctx context.Context, id string) (*User, error)
	SetUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, id string, fields map[string]interface{}) error

	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)
	SetConversation(ctx context.Context, conversation *ConversationRecord) error
	// CreateConversation stores conversation and the initiator's pointer unless
	// the initiator already points at the same recipient, in which case the
	// existing pointer is returned and nothing is written. conversation.Id and
	// the initiator's Id and ConversationId are assigned when empty.
	CreateConversation(ctx context.Context, conversation *ConversationRecord, initiator *PointerRecord) (*PointerRecord, error)
	SetUserTyping(ctx context.Context, conversationId string, userId string, isTyping bool) error

	GetMessage(ctx context.Context, conversationId string, messageId string) (*MessageRecord, error)
	// ListMessages returns messages ordered by sendDate descending.
	ListMessages(ctx context.Context, conversationId string) ([]*MessageRecord, error)
	SetMessage(ctx context.Context, message *MessageRecord) error
	// AddMessage writes message, increments the parent's messageCount and creates
	// the pointers returned by plan that do not already exist, atomically.
	// message.Id is assigned when empty, and a store with its own clock may
	// overwrite message.SendDate.
	AddMessage(ctx context.Context, message *MessageRecord, plan PointerPlan) (*ConversationRecord, error)
	UpdateReaction(ctx context.Context, conversationId string, messageId string, fn func(current Reaction) Reaction) (*MessageRecord, error)

	FindConversationPointers(ctx context.Context, ownerId string, recipientId string) ([]*PointerRecord, error)
	// ListConversationPointers returns pointers ordered by latestActivity descending.
	ListConversationPointers(ctx context.Context, ownerId string) ([]*PointerRecord, error)
	SetConversationPointer(ctx context.Context, pointer *PointerRecord) error
	UpdatePointerActivity(ctx context.Context, ownerId string, pointerId string, activity string, at time.Time) error

	Delete(ctx context.Context, path string) error
	RootCollections(ctx context.Context) ([]string, error)
	ListDocuments(ctx context.Context, collectionPath string) ([]string, error)
	SubCollections(ctx context.Context, documentPath string) ([]string, error)

	WatchUser(ctx context.Context, id string, fn func(*User, error))
	WatchConversation(ctx context.Context, id string, fn func(*ConversationRecord, error))
	WatchMessages(ctx context.Context, conversationId string, fn func([]*MessageRecord, error))
	WatchConversationPointers(ctx context.Context, ownerId string, fn func([]*PointerRecord, error))
}

// BlobStore holds uploaded files. The returned url can be handed back to
// Delete to remove the object.
type BlobStore interface {
	Store(ctx context.Context, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, url string) error
}

type SearchIndex interface {
	Upsert(ctx context.Context, id string, projection Projection) error
	PartialUpdate(ctx context.Context, id string, projection Projection) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, text string, limit int) ([]Projection, error)
}

// IdentityRemover deletes the authentication identity behind a user id.
type IdentityRemover interface {
	DeleteIdentity(ctx context.Context, uid string) error
}

// TokenVerifier is satisfied by *auth.Client.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}
