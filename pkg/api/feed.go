package api

import (
	"context"
	"sync"
	"sync/atomic"
)

type EventKind int

const (
	// Snapshot carries the current value of the watched target.
	Snapshot EventKind = iota
	// Absent reports that the watched document does not exist.
	Absent
	// Failed carries an error from the store or from resolving references.
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Snapshot:
		return "snapshot"
	case Absent:
		return "absent"
	default:
		return "error"
	}
}

type Event[T any] struct {
	Kind  EventKind
	Value T
	Err   error
}

// Subscription is a live change feed. Callbacks run on the owning Loop.
type Subscription struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
	once    sync.Once
}

// Unsubscribe stops the feed. It is idempotent. When called on the owning
// Loop, including from inside the subscription's own callback, no callback
// runs after it returns.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.cancel()
	})
}

func (s *Subscription) Active() bool {
	return !s.stopped.Load()
}

// Feeds turns store watches into typed, reconstructed change events.
type Feeds struct {
	ctx  context.Context
	repo *Repository
	loop *Loop
}

// NewFeeds returns a feed manager whose subscriptions live at most as long as
// ctx and deliver on loop.
func NewFeeds(ctx context.Context, repo *Repository, loop *Loop) *Feeds {
	return &Feeds{ctx: ctx, repo: repo, loop: loop}
}

func (f *Feeds) start(watch func(ctx context.Context, sub *Subscription)) *Subscription {
	ctx, cancel := context.WithCancel(f.ctx)
	sub := &Subscription{cancel: cancel}
	go watch(ctx, sub)
	return sub
}

func deliver[T any](loop *Loop, sub *Subscription, onChange func(Event[T]), ev Event[T]) {
	loop.Post(func() {
		if sub.stopped.Load() {
			return
		}
		onChange(ev)
	})
}

func (f *Feeds) SubscribeUser(id string, onChange func(Event[*User])) *Subscription {
	return f.start(func(ctx context.Context, sub *Subscription) {
		f.repo.store.WatchUser(ctx, id, func(user *User, err error) {
			switch {
			case err != nil:
				deliver(f.loop, sub, onChange, Event[*User]{Kind: Failed, Err: err})
			case user == nil:
				f.repo.users.delete(id)
				deliver(f.loop, sub, onChange, Event[*User]{Kind: Absent})
			default:
				f.repo.rememberUser(user)
				deliver(f.loop, sub, onChange, Event[*User]{Kind: Snapshot, Value: user})
			}
		})
	})
}

// SubscribeConversation watches a conversation document. A conversation
// deleted while watched is delivered as Absent.
func (f *Feeds) SubscribeConversation(id string, onChange func(Event[*Conversation])) *Subscription {
	return f.start(func(ctx context.Context, sub *Subscription) {
		f.repo.store.WatchConversation(ctx, id, func(record *ConversationRecord, err error) {
			if err != nil {
				deliver(f.loop, sub, onChange, Event[*Conversation]{Kind: Failed, Err: err})
				return
			}
			if record == nil {
				f.repo.conversations.delete(id)
				deliver(f.loop, sub, onChange, Event[*Conversation]{Kind: Absent})
				return
			}
			conversation, err := f.repo.resolveConversation(ctx, record)
			if err != nil {
				deliver(f.loop, sub, onChange, Event[*Conversation]{Kind: Failed, Err: err})
				return
			}
			f.repo.rememberConversation(conversation)
			deliver(f.loop, sub, onChange, Event[*Conversation]{Kind: Snapshot, Value: conversation})
		})
	})
}

// SubscribeMessages watches a conversation's messages, newest first. When the
// parent conversation no longer exists the feed delivers Absent.
func (f *Feeds) SubscribeMessages(conversationId string, onChange func(Event[[]*Message])) *Subscription {
	return f.start(func(ctx context.Context, sub *Subscription) {
		f.repo.store.WatchMessages(ctx, conversationId, func(records []*MessageRecord, err error) {
			if err != nil {
				deliver(f.loop, sub, onChange, Event[[]*Message]{Kind: Failed, Err: err})
				return
			}
			if len(records) == 0 {
				// An empty collection is also what a deleted conversation leaves
				// behind, so check the parent against the store itself.
				if _, err := f.repo.store.GetConversation(ctx, conversationId); IsNotFound(err) {
					f.repo.conversations.delete(conversationId)
				}
			}
			conversation, err := f.repo.GetConversation(ctx, conversationId)
			if IsNotFound(err) {
				deliver(f.loop, sub, onChange, Event[[]*Message]{Kind: Absent})
				return
			}
			if err != nil {
				deliver(f.loop, sub, onChange, Event[[]*Message]{Kind: Failed, Err: err})
				return
			}
			messages, err := f.repo.resolveMessages(conversation, records)
			if err != nil {
				deliver(f.loop, sub, onChange, Event[[]*Message]{Kind: Failed, Err: err})
				return
			}
			deliver(f.loop, sub, onChange, Event[[]*Message]{Kind: Snapshot, Value: messages})
		})
	})
}

// SubscribeConversationPointers watches a user's sidebar, most recent activity
// first. Pointers whose recipient profile is already gone are skipped; they
// belong to an account deletion in progress.
func (f *Feeds) SubscribeConversationPointers(ownerId string, onChange func(Event[[]*ConversationPointer])) *Subscription {
	return f.start(func(ctx context.Context, sub *Subscription) {
		f.repo.store.WatchConversationPointers(ctx, ownerId, func(records []*PointerRecord, err error) {
			if err != nil {
				deliver(f.loop, sub, onChange, Event[[]*ConversationPointer]{Kind: Failed, Err: err})
				return
			}
			pointers, err := f.repo.resolvePointers(ctx, ownerId, records)
			if err != nil {
				deliver(f.loop, sub, onChange, Event[[]*ConversationPointer]{Kind: Failed, Err: err})
				return
			}
			deliver(f.loop, sub, onChange, Event[[]*ConversationPointer]{Kind: Snapshot, Value: pointers})
		})
	})
}
