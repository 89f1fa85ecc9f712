// Package identity represents the identity service contract: "returns an
// opaque user ID from a bearer credential." No JWT parsing library appears
// anywhere in the retrieved corpus (checked across every go.mod in the
// pack), so Resolver is left as a pluggable interface and the bundled
// implementation only extracts the bearer token — verifying it against an
// external identity service is out of scope for the financial core, which
// treats identity as an already-authenticated input.
package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
)

type contextKey struct{}

var userIDKey = contextKey{}

// Resolver turns a bearer credential into an opaque user ID. Implementations
// call out to the identity service; StaticResolver below is a
// development/test stand-in that treats the token itself as the user ID.
type Resolver interface {
	Resolve(ctx context.Context, bearerToken string) (uuid.UUID, error)
}

// StaticResolver treats the bearer token as a literal user ID. It exists
// for local development and tests where standing up a full identity
// service isn't warranted.
type StaticResolver struct{}

func (StaticResolver) Resolve(_ context.Context, bearerToken string) (uuid.UUID, error) {
	id, err := uuid.Parse(bearerToken)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.Internal, "malformed bearer token")
	}
	return id, nil
}

// Middleware extracts the Authorization: Bearer <token> header, resolves it
// via r, and stores the resulting user ID in the request context. Requests
// without a well-formed header or that fail resolution get 401 without
// reaching the wrapped handler.
func Middleware(r Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			auth := req.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				http.Error(w, `{"detail":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(auth, prefix)

			userID, err := r.Resolve(req.Context(), token)
			if err != nil {
				http.Error(w, `{"detail":"invalid credentials"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(req.Context(), userIDKey, userID)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// UserID retrieves the user ID Middleware placed in ctx. Callers within
// internal/httpapi should only ever be reached after Middleware runs.
func UserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}
