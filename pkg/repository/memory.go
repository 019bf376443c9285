package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/convergent/chatservice/pkg/api"
	"github.com/google/uuid"
)

// Operation names passed to a MemoryStore hook.
const (
	OpGet         = "get"
	OpQuery       = "query"
	OpSet         = "set"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpTransaction = "transaction"
	OpList        = "list"
)

// MemoryStore is an in-process api.Store with the same document layout and
// write semantics as the Firestore store. It backs local runs without
// Firebase credentials and the package tests.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]interface{}
	watchers map[string]map[int]chan struct{}
	next     int
	hook     func(op string, path string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]interface{}),
		watchers: make(map[string]map[int]chan struct{}),
	}
}

// SetHook installs fn to run before every operation. A non-nil error from fn
// fails the operation without touching any document.
func (s *MemoryStore) SetHook(fn func(op string, path string) error) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

func (s *MemoryStore) check(op string, path string) error {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(op, path)
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*api.User, error) {
	path := api.UserPath(id)
	if err := s.check(OpGet, path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.docs[path].(*api.User)
	if !ok {
		return nil, api.NotFound(fmt.Sprintf("user %s not found", id))
	}
	return cloneUser(user), nil
}

func (s *MemoryStore) SetUser(ctx context.Context, user *api.User) error {
	path := api.UserPath(user.Id)
	if err := s.check(OpSet, path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(path, cloneUser(user))
	return nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, id string, fields map[string]interface{}) error {
	path := api.UserPath(id)
	if err := s.check(OpUpdate, path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.docs[path].(*api.User)
	if !ok {
		return api.NotFound(fmt.Sprintf("user %s not found", id))
	}
	user := cloneUser(current)
	for field, value := range fields {
		var target **string
		switch field {
		case "name":
			target = &user.Name
		case "imageUrl":
			target = &user.ImageUrl
		case "email":
			target = &user.Email
		default:
			return api.Validation(fmt.Sprintf("field %s cannot be updated", field))
		}
		switch v := value.(type) {
		case nil:
			*target = nil
		case string:
			*target = &v
		default:
			return api.Validation(fmt.Sprintf("field %s must be a string", field))
		}
	}
	s.put(path, user)
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*api.ConversationRecord, error) {
	path := api.ConversationPath(id)
	if err := s.check(OpGet, path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation(id)
}

func (s *MemoryStore) SetConversation(ctx context.Context, conversation *api.ConversationRecord) error {
	path := api.ConversationPath(conversation.Id)
	if err := s.check(OpSet, path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(path, cloneConversation(conversation))
	return nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conversation *api.ConversationRecord, initiator *api.PointerRecord) (*api.PointerRecord, error) {
	if err := s.check(OpTransaction, api.PointerCollectionPath(initiator.OwnerId)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.pointersTo(initiator.OwnerId, initiator.RecipientUid)
	switch len(existing) {
	case 0:
	case 1:
		return existing[0], nil
	default:
		return nil, api.DataIntegrity(fmt.Sprintf("user %s holds %d conversations with %s", initiator.OwnerId, len(existing), initiator.RecipientUid))
	}
	if conversation.Id == "" {
		conversation.Id = uuid.NewString()
	}
	if initiator.Id == "" {
		initiator.Id = uuid.NewString()
	}
	initiator.ConversationId = conversation.Id
	s.put(api.ConversationPath(conversation.Id), cloneConversation(conversation))
	s.put(api.PointerPath(initiator.OwnerId, initiator.Id), clonePointer(initiator))
	return clonePointer(initiator), nil
}

func (s *MemoryStore) SetUserTyping(ctx context.Context, conversationId string, userId string, isTyping bool) error {
	path := api.ConversationPath(conversationId)
	if err := s.check(OpUpdate, path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, err := s.conversation(conversationId)
	if err != nil {
		return err
	}
	if conversation.UsersTyping == nil {
		conversation.UsersTyping = map[string]bool{}
	}
	conversation.UsersTyping[userId] = isTyping
	s.put(path, conversation)
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, conversationId string, messageId string) (*api.MessageRecord, error) {
	path := api.MessagePath(conversationId, messageId)
	if err := s.check(OpGet, path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.docs[path].(*api.MessageRecord)
	if !ok {
		return nil, api.NotFound(fmt.Sprintf("message %s not found", messageId))
	}
	return cloneMessage(message), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationId string) ([]*api.MessageRecord, error) {
	collection := api.MessageCollectionPath(conversationId)
	if err := s.check(OpQuery, collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages(conversationId), nil
}

func (s *MemoryStore) SetMessage(ctx context.Context, message *api.MessageRecord) error {
	path := api.MessagePath(message.ConversationId, message.Id)
	if err := s.check(OpSet, path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(path, cloneMessage(message))
	return nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, message *api.MessageRecord, plan api.PointerPlan) (*api.ConversationRecord, error) {
	if err := s.check(OpTransaction, api.ConversationPath(message.ConversationId)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, err := s.conversation(message.ConversationId)
	if err != nil {
		return nil, err
	}

	var created []*api.PointerRecord
	if plan != nil {
		for _, pointer := range plan(cloneConversation(conversation)) {
			existing := s.pointersTo(pointer.OwnerId, pointer.RecipientUid)
			if len(existing) > 1 {
				return nil, api.DataIntegrity(fmt.Sprintf("user %s holds %d conversations with %s", pointer.OwnerId, len(existing), pointer.RecipientUid))
			}
			if len(existing) == 0 {
				created = append(created, pointer)
			}
		}
	}

	if message.Id == "" {
		message.Id = uuid.NewString()
	}
	for _, pointer := range created {
		if pointer.Id == "" {
			pointer.Id = uuid.NewString()
		}
		s.put(api.PointerPath(pointer.OwnerId, pointer.Id), clonePointer(pointer))
	}
	s.put(api.MessagePath(message.ConversationId, message.Id), cloneMessage(message))
	conversation.MessageCount++
	s.put(api.ConversationPath(conversation.Id), conversation)
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) UpdateReaction(ctx context.Context, conversationId string, messageId string, fn func(current api.Reaction) api.Reaction) (*api.MessageRecord, error) {
	path := api.MessagePath(conversationId, messageId)
	if err := s.check(OpTransaction, path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.docs[path].(*api.MessageRecord)
	if !ok {
		return nil, api.NotFound(fmt.Sprintf("message %s not found", messageId))
	}
	message := cloneMessage(current)
	message.Reaction = fn(message.Reaction)
	s.put(path, message)
	return cloneMessage(message), nil
}

func (s *MemoryStore) FindConversationPointers(ctx context.Context, ownerId string, recipientId string) ([]*api.PointerRecord, error) {
	if err := s.check(OpQuery, api.PointerCollectionPath(ownerId)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pointersTo(ownerId, recipientId), nil
}

func (s *MemoryStore) ListConversationPointers(ctx context.Context, ownerId string) ([]*api.PointerRecord, error) {
	if err := s.check(OpQuery, api.PointerCollectionPath(ownerId)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pointers(ownerId), nil
}

func (s *MemoryStore) SetConversationPointer(ctx context.Context, pointer *api.PointerRecord) error {
	if pointer.Id == "" {
		pointer.Id = uuid.NewString()
	}
	path := api.PointerPath(pointer.OwnerId, pointer.Id)
	if err := s.check(OpSet, path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(path, clonePointer(pointer))
	return nil
}

func (s *MemoryStore) UpdatePointerActivity(ctx context.Context, ownerId string, pointerId string, activity string, at time.Time) error {
	path := api.PointerPath(ownerId, pointerId)
	if err := s.check(OpUpdate, path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.docs[path].(*api.PointerRecord)
	if !ok {
		return api.NotFound(fmt.Sprintf("conversation pointer %s not found", path))
	}
	pointer := clonePointer(current)
	pointer.ActivityMessage = activity
	pointer.LatestActivity = at
	s.put(path, pointer)
	return nil
}

// Delete removes a single document. Nested collections are left in place and
// deleting a missing document succeeds.
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := s.check(OpDelete, path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[path]; ok {
		delete(s.docs, path)
		s.notify(path)
	}
	return nil
}

func (s *MemoryStore) RootCollections(ctx context.Context) ([]string, error) {
	if err := s.check(OpList, ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childNames(""), nil
}

// ListDocuments lists the documents of a collection, including documents that
// only exist as parents of nested collections.
func (s *MemoryStore) ListDocuments(ctx context.Context, collectionPath string) ([]string, error) {
	if err := s.check(OpList, collectionPath); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childNames(collectionPath), nil
}

func (s *MemoryStore) SubCollections(ctx context.Context, documentPath string) ([]string, error) {
	if err := s.check(OpList, documentPath); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childNames(documentPath), nil
}

func (s *MemoryStore) WatchUser(ctx context.Context, id string, fn func(*api.User, error)) {
	path := api.UserPath(id)
	s.watch(ctx, path, func() {
		s.mu.Lock()
		user, ok := s.docs[path].(*api.User)
		if ok {
			user = cloneUser(user)
		}
		s.mu.Unlock()
		fn(user, nil)
	})
}

func (s *MemoryStore) WatchConversation(ctx context.Context, id string, fn func(*api.ConversationRecord, error)) {
	path := api.ConversationPath(id)
	s.watch(ctx, path, func() {
		s.mu.Lock()
		conversation, err := s.conversation(id)
		s.mu.Unlock()
		if err != nil {
			fn(nil, nil)
			return
		}
		fn(conversation, nil)
	})
}

func (s *MemoryStore) WatchMessages(ctx context.Context, conversationId string, fn func([]*api.MessageRecord, error)) {
	s.watch(ctx, api.MessageCollectionPath(conversationId), func() {
		s.mu.Lock()
		messages := s.messages(conversationId)
		s.mu.Unlock()
		fn(messages, nil)
	})
}

func (s *MemoryStore) WatchConversationPointers(ctx context.Context, ownerId string, fn func([]*api.PointerRecord, error)) {
	s.watch(ctx, api.PointerCollectionPath(ownerId), func() {
		s.mu.Lock()
		pointers := s.pointers(ownerId)
		s.mu.Unlock()
		fn(pointers, nil)
	})
}

// Paths lists every stored document path in order.
func (s *MemoryStore) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.docs))
	for path := range s.docs {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (s *MemoryStore) watch(ctx context.Context, key string, emit func()) {
	changed := make(chan struct{}, 1)
	s.mu.Lock()
	id := s.next
	s.next++
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]chan struct{})
	}
	s.watchers[key][id] = changed
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers[key], id)
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
		s.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		emit()
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

// put stores doc at path and wakes watchers of the document and of its
// collection. Callers hold s.mu.
func (s *MemoryStore) put(path string, doc interface{}) {
	s.docs[path] = doc
	s.notify(path)
}

func (s *MemoryStore) notify(path string) {
	keys := []string{path}
	if i := strings.LastIndex(path, "/"); i > 0 {
		keys = append(keys, path[:i])
	}
	for _, key := range keys {
		for _, changed := range s.watchers[key] {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	}
}

func (s *MemoryStore) conversation(id string) (*api.ConversationRecord, error) {
	conversation, ok := s.docs[api.ConversationPath(id)].(*api.ConversationRecord)
	if !ok {
		return nil, api.NotFound(fmt.Sprintf("conversation %s not found", id))
	}
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) messages(conversationId string) []*api.MessageRecord {
	var messages []*api.MessageRecord
	for _, path := range s.childNames(api.MessageCollectionPath(conversationId)) {
		if message, ok := s.docs[path].(*api.MessageRecord); ok {
			messages = append(messages, cloneMessage(message))
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].SendDate.After(messages[j].SendDate)
	})
	return messages
}

func (s *MemoryStore) pointers(ownerId string) []*api.PointerRecord {
	var pointers []*api.PointerRecord
	for _, path := range s.childNames(api.PointerCollectionPath(ownerId)) {
		if pointer, ok := s.docs[path].(*api.PointerRecord); ok {
			pointers = append(pointers, clonePointer(pointer))
		}
	}
	sort.SliceStable(pointers, func(i, j int) bool {
		return pointers[i].LatestActivity.After(pointers[j].LatestActivity)
	})
	return pointers
}

func (s *MemoryStore) pointersTo(ownerId string, recipientId string) []*api.PointerRecord {
	var matches []*api.PointerRecord
	for _, pointer := range s.pointers(ownerId) {
		if pointer.RecipientUid == recipientId {
			matches = append(matches, pointer)
		}
	}
	return matches
}

// childNames returns the distinct paths one level below parent, sorted. The
// empty parent lists root collections.
func (s *MemoryStore) childNames(parent string) []string {
	prefix := ""
	if parent != "" {
		prefix = parent + "/"
	}
	seen := make(map[string]bool)
	for path := range s.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := path[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		seen[prefix+rest] = true
	}
	children := make([]string, 0, len(seen))
	for child := range seen {
		children = append(children, child)
	}
	sort.Strings(children)
	return children
}

func cloneUser(u *api.User) *api.User {
	c := *u
	c.Email = cloneString(u.Email)
	c.Name = cloneString(u.Name)
	c.ImageUrl = cloneString(u.ImageUrl)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneConversation(c *api.ConversationRecord) *api.ConversationRecord {
	clone := *c
	clone.UserIds = append([]string(nil), c.UserIds...)
	clone.UsersTyping = make(map[string]bool, len(c.UsersTyping))
	for k, v := range c.UsersTyping {
		clone.UsersTyping[k] = v
	}
	return &clone
}

func cloneMessage(m *api.MessageRecord) *api.MessageRecord {
	clone := *m
	if m.Media != nil {
		media := *m.Media
		clone.Media = &media
	}
	if m.Sentiment != nil {
		sentiment := *m.Sentiment
		clone.Sentiment = &sentiment
	}
	return &clone
}

func clonePointer(p *api.PointerRecord) *api.PointerRecord {
	clone := *p
	return &clone
}
