package middleware

import (
	"context"
	"net/http"

	"github.com/convergent/chatservice/pkg/api"
)

type contextKey string

const (
	verifierKey contextKey = "auth"
	uidKey      contextKey = "UID"
)

// FirebaseConfig /* HTTP middleware making the token verifier available to
// the handlers below it
func FirebaseConfig(verifier api.TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), verifierKey, verifier)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(fn)
	}
}

// Verifier returns the token verifier installed by FirebaseConfig.
func Verifier(ctx context.Context) (api.TokenVerifier, bool) {
	verifier, ok := ctx.Value(verifierKey).(api.TokenVerifier)
	return verifier, ok && verifier != nil
}

// UID returns the authenticated user id set by Authenticator.
func UID(ctx context.Context) string {
	uid, _ := ctx.Value(uidKey).(string)
	return uid
}

// WithUID returns a copy of ctx carrying uid as the authenticated user.
func WithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, uidKey, uid)
}
