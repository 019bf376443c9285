package api

import (
	"strings"
	"time"
)

// Collection names in the canonical store.
const (
	UserCol         = "users"
	ConversationCol = "conversations"
	MessageCol      = "messages"
)

// UserPath returns the document path of a user profile.
func UserPath(userId string) string {
	return UserCol + "/" + userId
}

// PointerCollectionPath is the collection holding a user's conversation pointers.
func PointerCollectionPath(ownerId string) string {
	return UserPath(ownerId) + "/" + ConversationCol
}

func PointerPath(ownerId string, pointerId string) string {
	return PointerCollectionPath(ownerId) + "/" + pointerId
}

func ConversationPath(conversationId string) string {
	return ConversationCol + "/" + conversationId
}

func MessageCollectionPath(conversationId string) string {
	return ConversationPath(conversationId) + "/" + MessageCol
}

func MessagePath(conversationId string, messageId string) string {
	return MessageCollectionPath(conversationId) + "/" + messageId
}

type Reaction string

const (
	NoReaction Reaction = ""
	Love       Reaction = "love"
	Angry      Reaction = "angry"
)

func (r Reaction) Valid() bool {
	return r == NoReaction || r == Love || r == Angry
}

// Toggle returns the reaction a message ends up with when r is applied to a
// message currently carrying current. Applying the same reaction twice clears it.
func (r Reaction) Toggle(current Reaction) Reaction {
	if r == current {
		return NoReaction
	}
	return r
}

func (r Reaction) verb() string {
	if r == Angry {
		return "hated"
	}
	return "loved"
}

// Media describes a message attachment. Only images are supported.
type Media struct {
	ImageSource string `firestore:"imageSource" json:"imageSource"`
}

type User struct {
	Id       string  `json:"id"`
	Email    *string `json:"email,omitempty"`
	Username string  `json:"username"`
	Name     *string `json:"name,omitempty"`
	ImageUrl *string `json:"imageUrl,omitempty"`
}

// DisplayName is the name shown to other users, falling back to the username.
func (u *User) DisplayName() string {
	if u.Name != nil && *u.Name != "" {
		return *u.Name
	}
	return u.Username
}

// UsernameFromEmail derives a username from the local part of an email address.
func UsernameFromEmail(email string) string {
	if i := strings.Index(email, "@"); i >= 0 {
		return email[:i]
	}
	return email
}

// ConversationRecord is the stored shape of a conversation: participants are
// held as user ids and resolved into Users by the Repository.
type ConversationRecord struct {
	Id           string
	UserIds      []string
	UsersTyping  map[string]bool
	MessageCount int
}

type MessageRecord struct {
	Id             string
	ConversationId string
	Text           string
	Media          *Media
	SenderId       string
	SendDate       time.Time
	Sentiment      *float64
	Reaction       Reaction
}

// PointerRecord is the stored shape of a conversation pointer. OwnerId is
// implied by the pointer's location in the store.
type PointerRecord struct {
	Id              string
	OwnerId         string
	RecipientUid    string
	ActivityMessage string
	LatestActivity  time.Time
	ConversationId  string
}

type Conversation struct {
	Id           string          `json:"id"`
	Users        []*User         `json:"users"`
	UsersTyping  map[string]bool `json:"usersTyping"`
	MessageCount int             `json:"messageCount"`
}

// HasParticipant reports whether userId is one of the conversation's users.
func (c *Conversation) HasParticipant(userId string) bool {
	return c.Participant(userId) != nil
}

func (c *Conversation) Participant(userId string) *User {
	for _, user := range c.Users {
		if user.Id == userId {
			return user
		}
	}
	return nil
}

// Record converts the conversation back to its stored shape.
func (c *Conversation) Record() *ConversationRecord {
	ids := make([]string, len(c.Users))
	for i, user := range c.Users {
		ids[i] = user.Id
	}
	typing := make(map[string]bool, len(c.UsersTyping))
	for k, v := range c.UsersTyping {
		typing[k] = v
	}
	return &ConversationRecord{
		Id:           c.Id,
		UserIds:      ids,
		UsersTyping:  typing,
		MessageCount: c.MessageCount,
	}
}

type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversationId"`
	Text           string    `json:"message"`
	Media          *Media    `json:"media,omitempty"`
	Sender         *User     `json:"sender"`
	SendDate       time.Time `json:"sendDate"`
	Sentiment      *float64  `json:"sentiment,omitempty"`
	Reaction       Reaction  `json:"reaction,omitempty"`
}

func (m *Message) Record() *MessageRecord {
	return &MessageRecord{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		Text:           m.Text,
		Media:          m.Media,
		SenderId:       m.Sender.Id,
		SendDate:       m.SendDate,
		Sentiment:      m.Sentiment,
		Reaction:       m.Reaction,
	}
}

// ConversationPointer is a user's sidebar entry for one conversation.
type ConversationPointer struct {
	Id              string    `json:"id"`
	OwnerId         string    `json:"ownerId"`
	Recipient       *User     `json:"recipient"`
	ActivityMessage string    `json:"activityMessage"`
	LatestActivity  time.Time `json:"latestActivity"`
	ConversationId  string    `json:"conversationId"`
}

func (p *ConversationPointer) Record() *PointerRecord {
	return &PointerRecord{
		Id:              p.Id,
		OwnerId:         p.OwnerId,
		RecipientUid:    p.Recipient.Id,
		ActivityMessage: p.ActivityMessage,
		LatestActivity:  p.LatestActivity,
		ConversationId:  p.ConversationId,
	}
}

// NewPointerFromEntities builds a fresh pointer owned by owner that points at
// recipient within conversation.
func NewPointerFromEntities(owner *User, recipient *User, conversation *Conversation, at time.Time) *PointerRecord {
	return NewPointerFromFields(owner.Id, recipient.Id, conversation.Id, at)
}

// NewPointerFromFields builds a fresh pointer from bare ids.
func NewPointerFromFields(ownerId string, recipientId string, conversationId string, at time.Time) *PointerRecord {
	return &PointerRecord{
		OwnerId:         ownerId,
		RecipientUid:    recipientId,
		ActivityMessage: "",
		LatestActivity:  at,
		ConversationId:  conversationId,
	}
}

// Attachment is an upload accompanying a new message.
type Attachment struct {
	Data        []byte
	ContentType string
}

// ImageExtensions maps the accepted upload content types to file extensions.
var ImageExtensions = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
}

// Projection is the slice of a profile mirrored into the search index.
type Projection struct {
	Id       string  `db:"id" json:"id"`
	Username string  `db:"username" json:"username"`
	Name     *string `db:"name" json:"name,omitempty"`
	ImageUrl *string `db:"image_url" json:"imageUrl,omitempty"`
}

func ProjectionOf(u *User) Projection {
	return Projection{
		Id:       u.Id,
		Username: u.Username,
		Name:     u.Name,
		ImageUrl: u.ImageUrl,
	}
}

// Websocket request types.
const (
	Authenticate                  = 1
	SubscribeUser                 = 2
	SubscribeConversation         = 3
	SubscribeMessages             = 4
	SubscribeConversationPointers = 5
	Unsubscribe                   = 6
	StartConversation             = 7
	AddMessage                    = 8
	React                         = 9
	SetTyping                     = 10
)

type IncomingEvent struct {
	RequestType    int      `json:"requestType"`
	SubscriptionId string   `json:"subscriptionId,omitempty"`
	ConversationId string   `json:"conversationId,omitempty"`
	MessageId      string   `json:"messageId,omitempty"`
	RecipientId    string   `json:"recipientId,omitempty"`
	Text           string   `json:"text,omitempty"`
	Media          []byte   `json:"media,omitempty"`
	ContentType    string   `json:"contentType,omitempty"`
	Reaction       Reaction `json:"reaction,omitempty"`
	Typing         bool     `json:"typing,omitempty"`
	Token          string   `json:"token,omitempty"`
}

type OutgoingEvent struct {
	RequestType    int         `json:"requestType,omitempty"`
	SubscriptionId string      `json:"subscriptionId,omitempty"`
	Kind           string      `json:"kind"`
	Payload        interface{} `json:"payload,omitempty"`
	Error          *Error      `json:"error,omitempty"`
}
