package repository

import (
	"context"

	"firebase.google.com/go/v4/auth"
	"github.com/convergent/chatservice/pkg/api"
)

type identityRemover struct {
	auth *auth.Client
}

// NewIdentityRemover deletes Firebase Authentication users.
func NewIdentityRemover(client *auth.Client) api.IdentityRemover {
	return &identityRemover{auth: client}
}

// DeleteIdentity removes the auth user behind uid. An identity that is already
// gone counts as removed.
func (r *identityRemover) DeleteIdentity(ctx context.Context, uid string) error {
	err := r.auth.DeleteUser(ctx, uid)
	if err != nil && !auth.IsUserNotFound(err) {
		return api.Transient("deleting auth user "+uid, err)
	}
	return nil
}
