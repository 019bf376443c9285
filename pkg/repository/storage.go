package repository

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/charmbracelet/log"
	"github.com/convergent/chatservice/pkg/api"
	"google.golang.org/api/iterator"
)

type userDoc struct {
	Id       string  `firestore:"id"`
	Email    *string `firestore:"email"`
	Username string  `firestore:"username"`
	Name     *string `firestore:"name"`
	ImageUrl *string `firestore:"imageUrl"`
}

type conversationDoc struct {
	Id           string                   `firestore:"id"`
	Users        []*firestore.DocumentRef `firestore:"users"`
	UsersTyping  map[string]bool          `firestore:"usersTyping"`
	MessageCount int                      `firestore:"messageCount"`
}

type messageDoc struct {
	Id        string                 `firestore:"id"`
	Message   string                 `firestore:"message"`
	Media     *api.Media             `firestore:"media"`
	Sender    *firestore.DocumentRef `firestore:"sender"`
	SendDate  time.Time              `firestore:"sendDate,serverTimestamp"`
	Sentiment *float64               `firestore:"sentiment"`
	Reaction  *string                `firestore:"reaction"`
}

type pointerDoc struct {
	RecipientUid    string                 `firestore:"recipientUid"`
	ActivityMessage string                 `firestore:"activityMessage"`
	LatestActivity  time.Time              `firestore:"latestActivity"`
	ConversationRef *firestore.DocumentRef `firestore:"conversationRef"`
}

type storage struct {
	client *firestore.Client
}

// NewStorage returns the Firestore implementation of api.Store.
func NewStorage(client *firestore.Client) api.Store {
	return &storage{client: client}
}

func (s *storage) GetUser(ctx context.Context, id string) (*api.User, error) {
	snap, err := s.client.Doc(api.UserPath(id)).Get(ctx)
	if err != nil {
		return nil, api.FromStatus(err, fmt.Sprintf("user %s", id))
	}
	return userFrom(snap)
}

func (s *storage) SetUser(ctx context.Context, user *api.User) error {
	_, err := s.client.Doc(api.UserPath(user.Id)).Set(ctx, userDoc{
		Id:       user.Id,
		Email:    user.Email,
		Username: user.Username,
		Name:     user.Name,
		ImageUrl: user.ImageUrl,
	})
	return api.FromStatus(err, fmt.Sprintf("setting user %s", user.Id))
}

func (s *storage) UpdateUser(ctx context.Context, id string, fields map[string]interface{}) error {
	var updates []firestore.Update
	for path, value := range fields {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}
	_, err := s.client.Doc(api.UserPath(id)).Update(ctx, updates)
	return api.FromStatus(err, fmt.Sprintf("updating user %s", id))
}

func (s *storage) GetConversation(ctx context.Context, id string) (*api.ConversationRecord, error) {
	snap, err := s.client.Doc(api.ConversationPath(id)).Get(ctx)
	if err != nil {
		return nil, api.FromStatus(err, fmt.Sprintf("conversation %s", id))
	}
	return conversationFrom(snap)
}

func (s *storage) SetConversation(ctx context.Context, conversation *api.ConversationRecord) error {
	_, err := s.client.Doc(api.ConversationPath(conversation.Id)).Set(ctx, s.conversationDocOf(conversation))
	return api.FromStatus(err, fmt.Sprintf("setting conversation %s", conversation.Id))
}

func (s *storage) CreateConversation(ctx context.Context, conversation *api.ConversationRecord, initiator *api.PointerRecord) (*api.PointerRecord, error) {
	var result *api.PointerRecord
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := tx.Documents(s.pointersTo(initiator.OwnerId, initiator.RecipientUid)).GetAll()
		if err != nil {
			return err
		}
		switch len(existing) {
		case 0:
		case 1:
			result, err = pointerFrom(existing[0])
			return err
		default:
			return api.DataIntegrity(fmt.Sprintf("user %s holds %d conversations with %s", initiator.OwnerId, len(existing), initiator.RecipientUid))
		}

		// Create new conversation document in conversations collection
		conversationRef := s.client.Collection(api.ConversationCol).NewDoc()
		if conversation.Id != "" {
			conversationRef = s.client.Doc(api.ConversationPath(conversation.Id))
		}
		conversation.Id = conversationRef.ID
		if err := tx.Create(conversationRef, s.conversationDocOf(conversation)); err != nil {
			return err
		}

		// Create the initiator's pointer to it
		pointerRef := s.client.Collection(api.PointerCollectionPath(initiator.OwnerId)).NewDoc()
		if initiator.Id != "" {
			pointerRef = s.client.Doc(api.PointerPath(initiator.OwnerId, initiator.Id))
		}
		initiator.Id = pointerRef.ID
		initiator.ConversationId = conversation.Id
		if err := tx.Create(pointerRef, s.pointerDocOf(initiator)); err != nil {
			return err
		}
		result = initiator
		return nil
	})
	if err != nil {
		return nil, api.FromStatus(err, "creating conversation")
	}
	log.Debug("Created conversation document", "conversation", result.ConversationId, "pointer", result.Id)
	return result, nil
}

func (s *storage) SetUserTyping(ctx context.Context, conversationId string, userId string, isTyping bool) error {
	_, err := s.client.Doc(api.ConversationPath(conversationId)).Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{"usersTyping", userId}, Value: isTyping},
	})
	return api.FromStatus(err, fmt.Sprintf("updating typing state of conversation %s", conversationId))
}

func (s *storage) GetMessage(ctx context.Context, conversationId string, messageId string) (*api.MessageRecord, error) {
	snap, err := s.client.Doc(api.MessagePath(conversationId, messageId)).Get(ctx)
	if err != nil {
		return nil, api.FromStatus(err, fmt.Sprintf("message %s", messageId))
	}
	return messageFrom(snap)
}

func (s *storage) ListMessages(ctx context.Context, conversationId string) ([]*api.MessageRecord, error) {
	snaps, err := s.messagesOf(conversationId).Documents(ctx).GetAll()
	if err != nil {
		return nil, api.FromStatus(err, fmt.Sprintf("listing messages of %s", conversationId))
	}
	return messagesFrom(snaps)
}

func (s *storage) SetMessage(ctx context.Context, message *api.MessageRecord) error {
	_, err := s.client.Doc(api.MessagePath(message.ConversationId, message.Id)).Set(ctx, s.messageDocOf(message))
	return api.FromStatus(err, fmt.Sprintf("setting message %s", message.Id))
}

// AddMessage stamps the message with the commit time: the send date the
// caller proposed is replaced by the server timestamp once the write lands.
func (s *storage) AddMessage(ctx context.Context, message *api.MessageRecord, plan api.PointerPlan) (*api.ConversationRecord, error) {
	conversationRef := s.client.Doc(api.ConversationPath(message.ConversationId))
	proposed := message.SendDate
	message.SendDate = time.Time{}
	var messageRef *firestore.DocumentRef
	var result *api.ConversationRecord
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(conversationRef)
		if err != nil {
			return err
		}
		conversation, err := conversationFrom(snap)
		if err != nil {
			return err
		}

		var missing []*api.PointerRecord
		if plan != nil {
			for _, pointer := range plan(conversation) {
				existing, err := tx.Documents(s.pointersTo(pointer.OwnerId, pointer.RecipientUid)).GetAll()
				if err != nil {
					return err
				}
				if len(existing) > 1 {
					return api.DataIntegrity(fmt.Sprintf("user %s holds %d conversations with %s", pointer.OwnerId, len(existing), pointer.RecipientUid))
				}
				if len(existing) == 0 {
					missing = append(missing, pointer)
				}
			}
		}

		messageRef = conversationRef.Collection(api.MessageCol).NewDoc()
		if message.Id != "" {
			messageRef = conversationRef.Collection(api.MessageCol).Doc(message.Id)
		}
		message.Id = messageRef.ID
		if err := tx.Create(messageRef, s.messageDocOf(message)); err != nil {
			return err
		}
		for _, pointer := range missing {
			pointerRef := s.client.Collection(api.PointerCollectionPath(pointer.OwnerId)).NewDoc()
			pointer.Id = pointerRef.ID
			if err := tx.Create(pointerRef, s.pointerDocOf(pointer)); err != nil {
				return err
			}
		}
		if err := tx.Update(conversationRef, []firestore.Update{
			{Path: "messageCount", Value: firestore.Increment(1)},
		}); err != nil {
			return err
		}
		conversation.MessageCount++
		result = conversation
		return nil
	})
	if err != nil {
		message.SendDate = proposed
		return nil, api.FromStatus(err, fmt.Sprintf("adding message to %s", message.ConversationId))
	}

	message.SendDate = proposed
	snap, err := messageRef.Get(ctx)
	if err != nil {
		log.Warn("Unable to read back message send date", "message", message.Id, "err", err)
		return result, nil
	}
	if stored, err := messageFrom(snap); err == nil && !stored.SendDate.IsZero() {
		message.SendDate = stored.SendDate
	}
	return result, nil
}

func (s *storage) UpdateReaction(ctx context.Context, conversationId string, messageId string, fn func(current api.Reaction) api.Reaction) (*api.MessageRecord, error) {
	messageRef := s.client.Doc(api.MessagePath(conversationId, messageId))
	var result *api.MessageRecord
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(messageRef)
		if err != nil {
			return err
		}
		message, err := messageFrom(snap)
		if err != nil {
			return err
		}
		message.Reaction = fn(message.Reaction)
		var value interface{}
		if message.Reaction != api.NoReaction {
			value = string(message.Reaction)
		}
		if err := tx.Update(messageRef, []firestore.Update{{Path: "reaction", Value: value}}); err != nil {
			return err
		}
		result = message
		return nil
	})
	if err != nil {
		return nil, api.FromStatus(err, fmt.Sprintf("reacting to message %s", messageId))
	}
	return result, nil
}

func (s *storage) FindConversationPointers(ctx context.Context, ownerId string, recipientId string) ([]*api.PointerRecord, error) {
	snaps, err := s.pointersTo(ownerId, recipientId).Documents(ctx).GetAll()
	if err != nil {
		return nil, api.FromStatus(err, fmt.Sprintf("finding pointers of %s", ownerId))
	}
	return pointersFrom(snaps)
}

func (s *storage) ListConversationPointers(ctx context.Context, ownerId string) ([]*api.PointerRecord, error) {
	snaps, err := s.pointersOf(ownerId).Documents(ctx).GetAll()
	if err != nil {
		return nil, api.FromStatus(err, fmt.Sprintf("listing pointers of %s", ownerId))
	}
	return pointersFrom(snaps)
}

func (s *storage) SetConversationPointer(ctx context.Context, pointer *api.PointerRecord) error {
	ref := s.client.Collection(api.PointerCollectionPath(pointer.OwnerId)).NewDoc()
	if pointer.Id != "" {
		ref = s.client.Doc(api.PointerPath(pointer.OwnerId, pointer.Id))
	}
	pointer.Id = ref.ID
	_, err := ref.Set(ctx, s.pointerDocOf(pointer))
	return api.FromStatus(err, fmt.Sprintf("setting pointer %s", pointer.Id))
}

func (s *storage) UpdatePointerActivity(ctx context.Context, ownerId string, pointerId string, activity string, at time.Time) error {
	_, err := s.client.Doc(api.PointerPath(ownerId, pointerId)).Update(ctx, []firestore.Update{
		{Path: "activityMessage", Value: activity},
		{Path: "latestActivity", Value: at},
	})
	return api.FromStatus(err, fmt.Sprintf("updating pointer %s of %s", pointerId, ownerId))
}

func (s *storage) Delete(ctx context.Context, path string) error {
	_, err := s.client.Doc(path).Delete(ctx)
	return api.FromStatus(err, "deleting "+path)
}

func (s *storage) RootCollections(ctx context.Context) ([]string, error) {
	var names []string
	it := s.client.Collections(ctx)
	for {
		col, err := it.Next()
		if err == iterator.Done {
			return names, nil
		}
		if err != nil {
			return nil, api.FromStatus(err, "listing root collections")
		}
		names = append(names, col.ID)
	}
}

func (s *storage) ListDocuments(ctx context.Context, collectionPath string) ([]string, error) {
	var paths []string
	it := s.client.Collection(collectionPath).DocumentRefs(ctx)
	for {
		ref, err := it.Next()
		if err == iterator.Done {
			return paths, nil
		}
		if err != nil {
			return nil, api.FromStatus(err, "listing documents of "+collectionPath)
		}
		paths = append(paths, collectionPath+"/"+ref.ID)
	}
}

func (s *storage) SubCollections(ctx context.Context, documentPath string) ([]string, error) {
	var paths []string
	it := s.client.Doc(documentPath).Collections(ctx)
	for {
		col, err := it.Next()
		if err == iterator.Done {
			return paths, nil
		}
		if err != nil {
			return nil, api.FromStatus(err, "listing collections of "+documentPath)
		}
		paths = append(paths, documentPath+"/"+col.ID)
	}
}

func (s *storage) WatchUser(ctx context.Context, id string, fn func(*api.User, error)) {
	watchDocument(ctx, s.client.Doc(api.UserPath(id)), func(snap *firestore.DocumentSnapshot, err error) {
		if err != nil || !snap.Exists() {
			fn(nil, err)
			return
		}
		fn(userFrom(snap))
	})
}

func (s *storage) WatchConversation(ctx context.Context, id string, fn func(*api.ConversationRecord, error)) {
	watchDocument(ctx, s.client.Doc(api.ConversationPath(id)), func(snap *firestore.DocumentSnapshot, err error) {
		if err != nil || !snap.Exists() {
			fn(nil, err)
			return
		}
		fn(conversationFrom(snap))
	})
}

func (s *storage) WatchMessages(ctx context.Context, conversationId string, fn func([]*api.MessageRecord, error)) {
	watchQuery(ctx, s.messagesOf(conversationId), func(snaps []*firestore.DocumentSnapshot, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		fn(messagesFrom(snaps))
	})
}

func (s *storage) WatchConversationPointers(ctx context.Context, ownerId string, fn func([]*api.PointerRecord, error)) {
	watchQuery(ctx, s.pointersOf(ownerId), func(snaps []*firestore.DocumentSnapshot, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		fn(pointersFrom(snaps))
	})
}

// watchDocument calls fn for every snapshot of ref until ctx is done. A
// listener error is reported once and ends the watch.
func watchDocument(ctx context.Context, ref *firestore.DocumentRef, fn func(*firestore.DocumentSnapshot, error)) {
	it := ref.Snapshots(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			fn(nil, api.FromStatus(err, "watching "+ref.Path))
			return
		}
		fn(snap, nil)
	}
}

func watchQuery(ctx context.Context, query firestore.Query, fn func([]*firestore.DocumentSnapshot, error)) {
	it := query.Snapshots(ctx)
	defer it.Stop()
	for {
		qs, err := it.Next()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			fn(nil, api.FromStatus(err, "watching query"))
			return
		}
		snaps, err := qs.Documents.GetAll()
		if err != nil {
			fn(nil, api.FromStatus(err, "reading query snapshot"))
			return
		}
		fn(snaps, nil)
	}
}

func (s *storage) messagesOf(conversationId string) firestore.Query {
	return s.client.Collection(api.MessageCollectionPath(conversationId)).OrderBy("sendDate", firestore.Desc)
}

func (s *storage) pointersOf(ownerId string) firestore.Query {
	return s.client.Collection(api.PointerCollectionPath(ownerId)).OrderBy("latestActivity", firestore.Desc)
}

func (s *storage) pointersTo(ownerId string, recipientId string) firestore.Query {
	return s.client.Collection(api.PointerCollectionPath(ownerId)).Where("recipientUid", "==", recipientId)
}

func (s *storage) conversationDocOf(c *api.ConversationRecord) conversationDoc {
	users := make([]*firestore.DocumentRef, len(c.UserIds))
	for i, id := range c.UserIds {
		users[i] = s.client.Doc(api.UserPath(id))
	}
	return conversationDoc{
		Id:           c.Id,
		Users:        users,
		UsersTyping:  c.UsersTyping,
		MessageCount: c.MessageCount,
	}
}

func (s *storage) messageDocOf(m *api.MessageRecord) messageDoc {
	doc := messageDoc{
		Id:        m.Id,
		Message:   m.Text,
		Media:     m.Media,
		Sender:    s.client.Doc(api.UserPath(m.SenderId)),
		SendDate:  m.SendDate,
		Sentiment: m.Sentiment,
	}
	if m.Reaction != api.NoReaction {
		reaction := string(m.Reaction)
		doc.Reaction = &reaction
	}
	return doc
}

func (s *storage) pointerDocOf(p *api.PointerRecord) pointerDoc {
	return pointerDoc{
		RecipientUid:    p.RecipientUid,
		ActivityMessage: p.ActivityMessage,
		LatestActivity:  p.LatestActivity,
		ConversationRef: s.client.Doc(api.ConversationPath(p.ConversationId)),
	}
}

func userFrom(snap *firestore.DocumentSnapshot) (*api.User, error) {
	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, api.Wrap(api.CodeDataIntegrity, "decoding user "+snap.Ref.ID, err)
	}
	return &api.User{
		Id:       snap.Ref.ID,
		Email:    doc.Email,
		Username: doc.Username,
		Name:     doc.Name,
		ImageUrl: doc.ImageUrl,
	}, nil
}

func conversationFrom(snap *firestore.DocumentSnapshot) (*api.ConversationRecord, error) {
	var doc conversationDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, api.Wrap(api.CodeDataIntegrity, "decoding conversation "+snap.Ref.ID, err)
	}
	ids := make([]string, 0, len(doc.Users))
	for _, ref := range doc.Users {
		if ref == nil {
			return nil, api.DataIntegrity(fmt.Sprintf("conversation %s has an empty participant", snap.Ref.ID))
		}
		ids = append(ids, ref.ID)
	}
	return &api.ConversationRecord{
		Id:           snap.Ref.ID,
		UserIds:      ids,
		UsersTyping:  doc.UsersTyping,
		MessageCount: doc.MessageCount,
	}, nil
}

func messageFrom(snap *firestore.DocumentSnapshot) (*api.MessageRecord, error) {
	var doc messageDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, api.Wrap(api.CodeDataIntegrity, "decoding message "+snap.Ref.ID, err)
	}
	if doc.Sender == nil {
		return nil, api.DataIntegrity(fmt.Sprintf("message %s has no sender", snap.Ref.ID))
	}
	record := &api.MessageRecord{
		Id:             snap.Ref.ID,
		ConversationId: snap.Ref.Parent.Parent.ID,
		Text:           doc.Message,
		Media:          doc.Media,
		SenderId:       doc.Sender.ID,
		SendDate:       doc.SendDate,
		Sentiment:      doc.Sentiment,
	}
	if doc.Reaction != nil {
		record.Reaction = api.Reaction(*doc.Reaction)
	}
	return record, nil
}

func messagesFrom(snaps []*firestore.DocumentSnapshot) ([]*api.MessageRecord, error) {
	messages := make([]*api.MessageRecord, 0, len(snaps))
	for _, snap := range snaps {
		message, err := messageFrom(snap)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func pointerFrom(snap *firestore.DocumentSnapshot) (*api.PointerRecord, error) {
	var doc pointerDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, api.Wrap(api.CodeDataIntegrity, "decoding conversation pointer "+snap.Ref.ID, err)
	}
	if doc.ConversationRef == nil {
		return nil, api.DataIntegrity(fmt.Sprintf("conversation pointer %s has no conversation", snap.Ref.ID))
	}
	return &api.PointerRecord{
		Id:              snap.Ref.ID,
		OwnerId:         snap.Ref.Parent.Parent.ID,
		RecipientUid:    doc.RecipientUid,
		ActivityMessage: doc.ActivityMessage,
		LatestActivity:  doc.LatestActivity,
		ConversationId:  doc.ConversationRef.ID,
	}, nil
}

func pointersFrom(snaps []*firestore.DocumentSnapshot) ([]*api.PointerRecord, error) {
	pointers := make([]*api.PointerRecord, 0, len(snaps))
	for _, snap := range snaps {
		pointer, err := pointerFrom(snap)
		if err != nil {
			return nil, err
		}
		pointers = append(pointers, pointer)
	}
	return pointers, nil
}
