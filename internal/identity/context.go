package identity

import (
	"context"
	"net/http"

	"github.com/appbase-cms/appbase/internal/authz"
)

type sessionKey struct{}

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the validated session of a request.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(Session)
	return sess, ok
}

// ActorFromRequest resolves the policy subject for authz middleware.
func ActorFromRequest(r *http.Request) (authz.Actor, bool) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		return authz.Actor{}, false
	}
	return sess.Actor(), true
}
