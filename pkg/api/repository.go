package api

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// Repository provides typed access to the canonical store through a
// process-local identity cache. A cache hit never touches the store; cached
// users are only as fresh as the last read, save or feed delivery. Cached
// conversations, messages and pointers pick up the cached user on every read.
type Repository struct {
	store         Store
	users         *identityCache[*User]
	conversations *identityCache[*Conversation]
	messages      *identityCache[*Message]
	pointers      *identityCache[*ConversationPointer]
}

func NewRepository(store Store) *Repository {
	return &Repository{
		store:         store,
		users:         newIdentityCache[*User](),
		conversations: newIdentityCache[*Conversation](),
		messages:      newIdentityCache[*Message](),
		pointers:      newIdentityCache[*ConversationPointer](),
	}
}

// Store exposes the underlying canonical store.
func (r *Repository) Store() Store {
	return r.store
}

func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	if user, ok := r.users.get(id); ok {
		return user, nil
	}
	user, err := r.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	r.rememberUser(user)
	return user, nil
}

func (r *Repository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if conversation, ok := r.conversations.get(id); ok {
		return r.refreshConversation(conversation), nil
	}
	record, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	conversation, err := r.resolveConversation(ctx, record)
	if err != nil {
		return nil, err
	}
	r.rememberConversation(conversation)
	return conversation, nil
}

func (r *Repository) GetMessage(ctx context.Context, conversationId string, messageId string) (*Message, error) {
	if message, ok := r.messages.get(compoundKey(conversationId, messageId)); ok {
		return r.refreshMessage(message), nil
	}
	conversation, err := r.GetConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	record, err := r.store.GetMessage(ctx, conversationId, messageId)
	if err != nil {
		return nil, err
	}
	message, err := resolveMessage(conversation, record)
	if err != nil {
		return nil, err
	}
	r.rememberMessage(message)
	return message, nil
}

// GetMessages returns every message of a conversation, newest first.
func (r *Repository) GetMessages(ctx context.Context, conversationId string) ([]*Message, error) {
	conversation, err := r.GetConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	records, err := r.store.ListMessages(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	return r.resolveMessages(conversation, records)
}

// GetConversationPointer returns owner's pointer to recipient, or nil when the
// two have no conversation yet.
func (r *Repository) GetConversationPointer(ctx context.Context, ownerId string, recipientId string) (*ConversationPointer, error) {
	if pointer, ok := r.pointers.get(compoundKey(ownerId, recipientId)); ok {
		return r.refreshPointer(pointer), nil
	}
	records, err := r.store.FindConversationPointers(ctx, ownerId, recipientId)
	if err != nil {
		return nil, err
	}
	switch len(records) {
	case 0:
		return nil, nil
	case 1:
	default:
		log.Error("Duplicate conversation pointers", "owner", ownerId, "recipient", recipientId, "count", len(records))
		return nil, DataIntegrity(fmt.Sprintf("user %s holds %d conversations with %s", ownerId, len(records), recipientId))
	}
	pointer, err := r.resolvePointer(ctx, records[0])
	if err != nil {
		return nil, err
	}
	r.rememberPointer(pointer)
	return pointer, nil
}

// GetConversationPointers returns owner's pointers, most recent activity first.
func (r *Repository) GetConversationPointers(ctx context.Context, ownerId string) ([]*ConversationPointer, error) {
	records, err := r.store.ListConversationPointers(ctx, ownerId)
	if err != nil {
		return nil, err
	}
	return r.resolvePointers(ctx, ownerId, records)
}

func (r *Repository) SaveUser(ctx context.Context, user *User) error {
	if err := r.store.SetUser(ctx, user); err != nil {
		return err
	}
	r.rememberUser(user)
	return nil
}

func (r *Repository) SaveConversation(ctx context.Context, conversation *Conversation) error {
	if err := r.store.SetConversation(ctx, conversation.Record()); err != nil {
		return err
	}
	r.rememberConversation(conversation)
	return nil
}

func (r *Repository) SaveMessage(ctx context.Context, message *Message) error {
	if err := r.store.SetMessage(ctx, message.Record()); err != nil {
		return err
	}
	r.rememberMessage(message)
	return nil
}

func (r *Repository) SaveConversationPointer(ctx context.Context, pointer *ConversationPointer) error {
	if err := r.store.SetConversationPointer(ctx, pointer.Record()); err != nil {
		return err
	}
	r.rememberPointer(pointer)
	return nil
}

func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, UserPath(id)); err != nil {
		return err
	}
	r.users.delete(id)
	return nil
}

// DeleteConversation removes the conversation document only; its messages
// are separate documents.
func (r *Repository) DeleteConversation(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, ConversationPath(id)); err != nil {
		return err
	}
	r.conversations.delete(id)
	return nil
}

func (r *Repository) DeleteMessage(ctx context.Context, conversationId string, messageId string) error {
	if err := r.store.Delete(ctx, MessagePath(conversationId, messageId)); err != nil {
		return err
	}
	r.messages.delete(compoundKey(conversationId, messageId))
	return nil
}

func (r *Repository) DeleteConversationPointer(ctx context.Context, pointer *ConversationPointer) error {
	if err := r.store.Delete(ctx, PointerPath(pointer.OwnerId, pointer.Id)); err != nil {
		return err
	}
	r.pointers.delete(compoundKey(pointer.OwnerId, pointer.Recipient.Id))
	return nil
}

// UpdateUser merges fields into the user document and returns the result.
func (r *Repository) UpdateUser(ctx context.Context, id string, fields map[string]interface{}) (*User, error) {
	if err := r.store.UpdateUser(ctx, id, fields); err != nil {
		return nil, err
	}
	r.users.delete(id)
	return r.GetUser(ctx, id)
}

// CreateConversation stores a new conversation with the initiator's pointer and
// returns the pointer that now links initiator to recipient.
func (r *Repository) CreateConversation(ctx context.Context, conversation *Conversation, initiator *PointerRecord) (*ConversationPointer, error) {
	stored := conversation.Record()
	record, err := r.store.CreateConversation(ctx, stored, initiator)
	if err != nil {
		return nil, err
	}
	if record.ConversationId == stored.Id {
		conversation.Id = stored.Id
		r.rememberConversation(conversation)
	}
	pointer, err := r.resolvePointer(ctx, record)
	if err != nil {
		return nil, err
	}
	r.rememberPointer(pointer)
	return pointer, nil
}

func (r *Repository) SetUserTyping(ctx context.Context, conversation *Conversation, userId string, isTyping bool) error {
	if err := r.store.SetUserTyping(ctx, conversation.Id, userId, isTyping); err != nil {
		return err
	}
	updated := *conversation
	updated.UsersTyping = make(map[string]bool, len(conversation.UsersTyping)+1)
	for k, v := range conversation.UsersTyping {
		updated.UsersTyping[k] = v
	}
	updated.UsersTyping[userId] = isTyping
	r.rememberConversation(&updated)
	return nil
}

// AddMessage writes record into conversation and returns the stored message
// along with the conversation as of the write.
func (r *Repository) AddMessage(ctx context.Context, conversation *Conversation, record *MessageRecord, plan PointerPlan) (*Message, *Conversation, error) {
	stored, err := r.store.AddMessage(ctx, record, plan)
	if err != nil {
		return nil, nil, err
	}
	updated := *conversation
	updated.MessageCount = stored.MessageCount
	if stored.UsersTyping != nil {
		updated.UsersTyping = stored.UsersTyping
	}
	r.rememberConversation(&updated)
	message, err := resolveMessage(&updated, record)
	if err != nil {
		return nil, nil, err
	}
	r.rememberMessage(message)
	return message, &updated, nil
}

func (r *Repository) UpdateReaction(ctx context.Context, conversation *Conversation, messageId string, fn func(current Reaction) Reaction) (*Message, error) {
	record, err := r.store.UpdateReaction(ctx, conversation.Id, messageId, fn)
	if err != nil {
		return nil, err
	}
	message, err := resolveMessage(conversation, record)
	if err != nil {
		return nil, err
	}
	r.rememberMessage(message)
	return message, nil
}

func (r *Repository) UpdatePointerActivity(ctx context.Context, pointer *ConversationPointer, activity string, at time.Time) error {
	if err := r.store.UpdatePointerActivity(ctx, pointer.OwnerId, pointer.Id, activity, at); err != nil {
		return err
	}
	updated := *pointer
	updated.ActivityMessage = activity
	updated.LatestActivity = at
	r.rememberPointer(&updated)
	return nil
}

// ForgetAccount drops every cached entity that refers to uid.
func (r *Repository) ForgetAccount(uid string) {
	r.users.delete(uid)
	r.pointers.deleteWhere(func(_ string, p *ConversationPointer) bool {
		return p.OwnerId == uid || p.Recipient.Id == uid
	})
	dropped := make(map[string]bool)
	r.conversations.deleteWhere(func(id string, c *Conversation) bool {
		if c.HasParticipant(uid) {
			dropped[id] = true
			return true
		}
		return false
	})
	r.messages.deleteWhere(func(_ string, m *Message) bool {
		return dropped[m.ConversationId]
	})
}

func (r *Repository) rememberUser(user *User) {
	r.users.set(user.Id, user)
}

func (r *Repository) rememberConversation(conversation *Conversation) {
	r.conversations.set(conversation.Id, conversation)
}

func (r *Repository) rememberMessage(message *Message) {
	r.messages.set(compoundKey(message.ConversationId, message.Id), message)
}

func (r *Repository) rememberPointer(pointer *ConversationPointer) {
	r.pointers.set(compoundKey(pointer.OwnerId, pointer.Recipient.Id), pointer)
}

// refreshConversation swaps in participants whose cached profile has been
// replaced since the conversation was cached.
func (r *Repository) refreshConversation(conversation *Conversation) *Conversation {
	var updated *Conversation
	for i, user := range conversation.Users {
		current, ok := r.users.get(user.Id)
		if !ok || current == user {
			continue
		}
		if updated == nil {
			c := *conversation
			c.Users = append([]*User(nil), conversation.Users...)
			updated = &c
		}
		updated.Users[i] = current
	}
	if updated == nil {
		return conversation
	}
	r.rememberConversation(updated)
	return updated
}

func (r *Repository) refreshMessage(message *Message) *Message {
	current, ok := r.users.get(message.Sender.Id)
	if !ok || current == message.Sender {
		return message
	}
	updated := *message
	updated.Sender = current
	r.rememberMessage(&updated)
	return &updated
}

func (r *Repository) refreshPointer(pointer *ConversationPointer) *ConversationPointer {
	current, ok := r.users.get(pointer.Recipient.Id)
	if !ok || current == pointer.Recipient {
		return pointer
	}
	updated := *pointer
	updated.Recipient = current
	r.rememberPointer(&updated)
	return &updated
}

func (r *Repository) resolveConversation(ctx context.Context, record *ConversationRecord) (*Conversation, error) {
	if len(record.UserIds) != 2 {
		return nil, DataIntegrity(fmt.Sprintf("conversation %s has %d participants", record.Id, len(record.UserIds)))
	}
	users := make([]*User, 0, len(record.UserIds))
	for _, id := range record.UserIds {
		user, err := r.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	typing := record.UsersTyping
	if typing == nil {
		typing = map[string]bool{}
	}
	return &Conversation{
		Id:           record.Id,
		Users:        users,
		UsersTyping:  typing,
		MessageCount: record.MessageCount,
	}, nil
}

func (r *Repository) resolvePointer(ctx context.Context, record *PointerRecord) (*ConversationPointer, error) {
	recipient, err := r.GetUser(ctx, record.RecipientUid)
	if err != nil {
		return nil, err
	}
	return &ConversationPointer{
		Id:              record.Id,
		OwnerId:         record.OwnerId,
		Recipient:       recipient,
		ActivityMessage: record.ActivityMessage,
		LatestActivity:  record.LatestActivity,
		ConversationId:  record.ConversationId,
	}, nil
}

// resolvePointers skips pointers whose recipient profile is already gone; they
// belong to a deleted account whose recipient never wrote back.
func (r *Repository) resolvePointers(ctx context.Context, ownerId string, records []*PointerRecord) ([]*ConversationPointer, error) {
	pointers := make([]*ConversationPointer, 0, len(records))
	for _, record := range records {
		pointer, err := r.resolvePointer(ctx, record)
		if IsNotFound(err) {
			log.Debug("Skipping pointer to missing user", "owner", ownerId, "recipient", record.RecipientUid)
			continue
		}
		if err != nil {
			return nil, err
		}
		r.rememberPointer(pointer)
		pointers = append(pointers, pointer)
	}
	return pointers, nil
}

func (r *Repository) resolveMessages(conversation *Conversation, records []*MessageRecord) ([]*Message, error) {
	messages := make([]*Message, 0, len(records))
	for _, record := range records {
		message, err := resolveMessage(conversation, record)
		if err != nil {
			return nil, err
		}
		r.rememberMessage(message)
		messages = append(messages, message)
	}
	return messages, nil
}

func resolveMessage(conversation *Conversation, record *MessageRecord) (*Message, error) {
	sender := conversation.Participant(record.SenderId)
	if sender == nil {
		return nil, DataIntegrity(fmt.Sprintf("message %s sender %s is not in conversation %s", record.Id, record.SenderId, conversation.Id))
	}
	return &Message{
		Id:             record.Id,
		ConversationId: conversation.Id,
		Text:           record.Text,
		Media:          record.Media,
		Sender:         sender,
		SendDate:       record.SendDate,
		Sentiment:      record.Sentiment,
		Reaction:       record.Reaction,
	}, nil
}
