package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

type ChatService interface {
	StartConversation(ctx context.Context, initiator *User, recipientId string) (*ConversationPointer, error)
	AddMessage(ctx context.Context, sender *User, conversationId string, text string, attachment *Attachment) (*Message, error)
	LoveReact(ctx context.Context, reactor *User, conversationId string, messageId string) (*Message, error)
	AngryReact(ctx context.Context, reactor *User, conversationId string, messageId string) (*Message, error)
	React(ctx context.Context, reactor *User, conversationId string, messageId string, reaction Reaction) (*Message, error)
	SetUserTyping(ctx context.Context, user *User, conversationId string, isTyping bool) error
	GetConversation(ctx context.Context, userId string, conversationId string) (*Conversation, error)
	GetConversationPointers(ctx context.Context, userId string) ([]*ConversationPointer, error)
	GetMessages(ctx context.Context, userId string, conversationId string) ([]*Message, error)
}

type chatService struct {
	repo  *Repository
	blobs BlobStore
	now   func() time.Time
}

// NewChatService returns the conversation pointer synchronizer. blobs may be
// nil, in which case attachments are rejected.
func NewChatService(repo *Repository, blobs BlobStore) ChatService {
	return &chatService{repo: repo, blobs: blobs, now: time.Now}
}

// StartConversation returns the initiator's pointer to recipientId, creating
// the conversation and that single pointer when none exists. The recipient's
// pointer is created with the first message.
func (c *chatService) StartConversation(ctx context.Context, initiator *User, recipientId string) (*ConversationPointer, error) {
	if recipientId == "" || recipientId == initiator.Id {
		return nil, Validation("a conversation needs another participant")
	}
	pointer, err := c.repo.GetConversationPointer(ctx, initiator.Id, recipientId)
	if err != nil {
		return nil, err
	}
	if pointer != nil {
		return pointer, nil
	}

	recipient, err := c.repo.GetUser(ctx, recipientId)
	if err != nil {
		return nil, err
	}
	conversation := &Conversation{
		Users: []*User{initiator, recipient},
		UsersTyping: map[string]bool{
			initiator.Id: false,
			recipient.Id: false,
		},
		MessageCount: 0,
	}
	record := NewPointerFromFields(initiator.Id, recipient.Id, "", c.now())
	pointer, err = c.repo.CreateConversation(ctx, conversation, record)
	if err != nil {
		log.Error("Failed to add conversation", "user", initiator.Id, "recipient", recipientId, "err", err)
		return nil, err
	}
	log.Info("Started conversation", "conversation", pointer.ConversationId, "user", initiator.Id, "recipient", recipientId)
	return pointer, nil
}

// AddMessage stores a message from sender. When it is the conversation's
// first message, the pointers the other participants are missing are created
// in the same write. Both participants' pointers are then updated with the new
// activity; if that fails the message is still returned together with a
// TRANSIENT_IO error describing the pointers left behind.
func (c *chatService) AddMessage(ctx context.Context, sender *User, conversationId string, text string, attachment *Attachment) (*Message, error) {
	if strings.TrimSpace(text) == "" && attachment == nil {
		return nil, Validation("message is empty")
	}
	if attachment != nil {
		if err := c.validateAttachment(attachment); err != nil {
			return nil, err
		}
	}
	conversation, err := c.participantConversation(ctx, sender.Id, conversationId)
	if err != nil {
		return nil, err
	}

	record := &MessageRecord{
		ConversationId: conversation.Id,
		Text:           text,
		SenderId:       sender.Id,
		SendDate:       c.now(),
	}
	if attachment != nil {
		url, err := c.blobs.Store(ctx, attachment.Data, attachment.ContentType)
		if err != nil {
			return nil, err
		}
		record.Media = &Media{ImageSource: url}
	}

	activity := text
	if strings.TrimSpace(activity) == "" {
		activity = fmt.Sprintf("%s sent an image.", sender.DisplayName())
	}
	at := record.SendDate
	plan := func(current *ConversationRecord) []*PointerRecord {
		if current.MessageCount != 0 {
			return nil
		}
		var missing []*PointerRecord
		for _, userId := range current.UserIds {
			if userId == sender.Id {
				continue
			}
			pointer := NewPointerFromFields(userId, sender.Id, current.Id, at)
			pointer.ActivityMessage = activity
			missing = append(missing, pointer)
		}
		return missing
	}

	message, updated, err := c.repo.AddMessage(ctx, conversation, record, plan)
	if err != nil {
		log.Error("Unable to add message", "conversation", conversationId, "sender", sender.Id, "err", err)
		return nil, err
	}
	log.Debug("Created message", "conversation", conversationId, "message", message.Id, "count", updated.MessageCount)

	if err := c.updateActivity(ctx, updated, activity, message.SendDate); err != nil {
		return message, err
	}
	return message, nil
}

func (c *chatService) LoveReact(ctx context.Context, reactor *User, conversationId string, messageId string) (*Message, error) {
	return c.React(ctx, reactor, conversationId, messageId, Love)
}

func (c *chatService) AngryReact(ctx context.Context, reactor *User, conversationId string, messageId string) (*Message, error) {
	return c.React(ctx, reactor, conversationId, messageId, Angry)
}

// React toggles reaction on a message: applying the reaction the message
// already carries clears it. Setting a reaction refreshes both pointers with a
// notice; clearing one leaves them alone.
func (c *chatService) React(ctx context.Context, reactor *User, conversationId string, messageId string, reaction Reaction) (*Message, error) {
	if reaction == NoReaction || !reaction.Valid() {
		return nil, Validation(fmt.Sprintf("unknown reaction %q", reaction))
	}
	conversation, err := c.participantConversation(ctx, reactor.Id, conversationId)
	if err != nil {
		return nil, err
	}
	message, err := c.repo.UpdateReaction(ctx, conversation, messageId, reaction.Toggle)
	if err != nil {
		return nil, err
	}
	if message.Reaction == NoReaction {
		return message, nil
	}
	notice := fmt.Sprintf("%s %s a message.", reactor.DisplayName(), message.Reaction.verb())
	if err := c.updateActivity(ctx, conversation, notice, c.now()); err != nil {
		return message, err
	}
	return message, nil
}

// SetUserTyping merges the user's typing flag into the conversation. Pointers
// are not touched.
func (c *chatService) SetUserTyping(ctx context.Context, user *User, conversationId string, isTyping bool) error {
	conversation, err := c.participantConversation(ctx, user.Id, conversationId)
	if err != nil {
		return err
	}
	return c.repo.SetUserTyping(ctx, conversation, user.Id, isTyping)
}

func (c *chatService) GetConversation(ctx context.Context, userId string, conversationId string) (*Conversation, error) {
	return c.participantConversation(ctx, userId, conversationId)
}

func (c *chatService) GetConversationPointers(ctx context.Context, userId string) ([]*ConversationPointer, error) {
	return c.repo.GetConversationPointers(ctx, userId)
}

func (c *chatService) GetMessages(ctx context.Context, userId string, conversationId string) ([]*Message, error) {
	if _, err := c.participantConversation(ctx, userId, conversationId); err != nil {
		return nil, err
	}
	return c.repo.GetMessages(ctx, conversationId)
}

// updateActivity refreshes the pointer each participant holds to the other.
// The writes are independent; every side is attempted and the failures are
// reported together.
func (c *chatService) updateActivity(ctx context.Context, conversation *Conversation, activity string, at time.Time) error {
	var errs []error
	for _, owner := range conversation.Users {
		for _, other := range conversation.Users {
			if other.Id == owner.Id {
				continue
			}
			if err := c.touchPointer(ctx, owner, other, activity, at); err != nil {
				log.Warn("Conversation pointer not updated", "owner", owner.Id, "recipient", other.Id, "err", err)
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return Transient(fmt.Sprintf("conversation %s activity partially updated", conversation.Id), errors.Join(errs...))
	}
	return nil
}

func (c *chatService) touchPointer(ctx context.Context, owner *User, other *User, activity string, at time.Time) error {
	pointer, err := c.repo.GetConversationPointer(ctx, owner.Id, other.Id)
	if err != nil {
		return err
	}
	if pointer == nil {
		return NotFound(fmt.Sprintf("user %s has no conversation pointer to %s", owner.Username, other.Username))
	}
	return c.repo.UpdatePointerActivity(ctx, pointer, activity, at)
}

func (c *chatService) participantConversation(ctx context.Context, userId string, conversationId string) (*Conversation, error) {
	conversation, err := c.repo.GetConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(userId) {
		return nil, NotFound(fmt.Sprintf("conversation %s not found", conversationId))
	}
	return conversation, nil
}

func (c *chatService) validateAttachment(attachment *Attachment) error {
	if c.blobs == nil {
		return Validation("attachments are not supported")
	}
	if len(attachment.Data) == 0 {
		return Validation("attachment is empty")
	}
	if _, ok := ImageExtensions[attachment.ContentType]; !ok {
		return Validation(fmt.Sprintf("attachment type %q is not allowed", attachment.ContentType))
	}
	return nil
}
