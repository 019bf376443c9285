package cleanup

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/convergent/chatservice/pkg/api"
)

// Plan lists everything an account deletion will remove.
type Plan struct {
	Documents []string
	Blobs     []string
}

func (p *Plan) add(path string, seen map[string]bool) {
	if seen[path] {
		return
	}
	seen[path] = true
	p.Documents = append(p.Documents, path)
}

// Engine removes an account and every record reachable from it.
type Engine struct {
	store      api.Store
	bulk       *BulkDeleter
	search     *api.SearchSync
	identities api.IdentityRemover
	blobs      api.BlobStore

	// AfterDelete, if set, runs once the account is gone.
	AfterDelete func(uid string)
}

// NewEngine returns a deletion engine. identities and blobs may be nil.
func NewEngine(store api.Store, bulk *BulkDeleter, search *api.SearchSync, identities api.IdentityRemover, blobs api.BlobStore) *Engine {
	return &Engine{
		store:      store,
		bulk:       bulk,
		search:     search,
		identities: identities,
		blobs:      blobs,
	}
}

// Discover collects the documents owned by or pointing at uid: its pointers,
// the conversations they reference with all their messages, the recipients'
// pointers back to uid, and the profile itself. A recipient that never got a
// pointer back contributes nothing.
//
// When the pointers cannot be listed the returned plan still covers the
// profile, alongside the error.
func (e *Engine) Discover(ctx context.Context, uid string) (*Plan, error) {
	plan := &Plan{}
	seen := make(map[string]bool)

	var pointers []*api.PointerRecord
	err := retry(ctx, e.bulk.NewBackOff(), "list pointers of "+uid, func() (err error) {
		pointers, err = e.store.ListConversationPointers(ctx, uid)
		return err
	})
	if err != nil {
		e.addProfile(ctx, uid, plan, seen)
		return plan, err
	}

	for _, pointer := range pointers {
		plan.add(api.PointerPath(uid, pointer.Id), seen)
		if pointer.ConversationId == "" {
			continue
		}
		plan.add(api.ConversationPath(pointer.ConversationId), seen)

		var reverse []*api.PointerRecord
		err := retry(ctx, e.bulk.NewBackOff(), "find pointers back to "+uid, func() (err error) {
			reverse, err = e.store.FindConversationPointers(ctx, pointer.RecipientUid, uid)
			return err
		})
		if err != nil {
			log.Error("Unable to find reverse pointers", "uid", uid, "recipient", pointer.RecipientUid, "err", err)
		}
		for _, back := range reverse {
			plan.add(api.PointerPath(pointer.RecipientUid, back.Id), seen)
		}

		var messages []*api.MessageRecord
		err = retry(ctx, e.bulk.NewBackOff(), "list messages of "+pointer.ConversationId, func() (err error) {
			messages, err = e.store.ListMessages(ctx, pointer.ConversationId)
			return err
		})
		if err != nil {
			log.Error("Unable to list conversation messages", "uid", uid, "conversation", pointer.ConversationId, "err", err)
		}
		for _, message := range messages {
			plan.add(api.MessagePath(pointer.ConversationId, message.Id), seen)
			if message.Media != nil && message.Media.ImageSource != "" {
				plan.Blobs = append(plan.Blobs, message.Media.ImageSource)
			}
		}
	}

	e.addProfile(ctx, uid, plan, seen)
	return plan, nil
}

func (e *Engine) addProfile(ctx context.Context, uid string, plan *Plan, seen map[string]bool) {
	user, err := e.store.GetUser(ctx, uid)
	switch {
	case err == nil:
		if user.ImageUrl != nil && *user.ImageUrl != "" {
			plan.Blobs = append(plan.Blobs, *user.ImageUrl)
		}
	case api.IsNotFound(err):
	default:
		log.Warn("Unable to read profile before deletion", "uid", uid, "err", err)
	}
	plan.add(api.UserPath(uid), seen)
}

// DeleteAccount runs the whole deletion for uid. Individual documents that
// cannot be deleted are abandoned and reported. If the account's pointers
// cannot be discovered, the profile, index entry and identity are removed
// anyway and the discovery error is returned along with the report.
func (e *Engine) DeleteAccount(ctx context.Context, uid string) (Report, error) {
	log.Info("Now deleting for user", "uid", uid)
	plan, discoverErr := e.Discover(ctx, uid)
	if discoverErr != nil {
		log.Error("Unable to discover account records, deleting the profile only", "uid", uid, "err", discoverErr)
		discoverErr = fmt.Errorf("discovering records of %s: %w", uid, discoverErr)
	}

	report := e.bulk.Run(ctx, plan.Documents)
	log.Info("Bulk delete finished", "uid", uid, "deleted", report.Deleted, "abandoned", len(report.Abandoned))

	e.deleteBlobs(ctx, uid, plan.Blobs)
	e.search.Deleted(uid)

	if e.identities != nil {
		err := retry(ctx, e.bulk.NewBackOff(), "delete identity "+uid, func() error {
			return e.identities.DeleteIdentity(ctx, uid)
		})
		if err != nil {
			log.Error("Unable to delete auth user", "uid", uid, "err", err)
		}
	}

	if e.AfterDelete != nil {
		e.AfterDelete(uid)
	}
	result := "complete"
	if len(report.Abandoned) > 0 || discoverErr != nil {
		result = "partial"
	}
	accountsDeleted.WithLabelValues(result).Inc()
	return report, discoverErr
}

// deleteBlobs removes uploaded images. Failures are logged only.
func (e *Engine) deleteBlobs(ctx context.Context, uid string, urls []string) {
	if e.blobs == nil {
		return
	}
	for _, url := range urls {
		if err := e.blobs.Delete(ctx, url); err != nil {
			log.Warn("Unable to delete blob", "uid", uid, "url", url, "err", err)
		}
	}
}
