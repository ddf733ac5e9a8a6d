package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/and161185/sqlchat-gateway/internal/model"
)

type ctxKey string

const identityKey ctxKey = "gw.identity"

// WithIdentity stores the authenticated identity in context.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromCtx fetches the authenticated identity from context.
func IdentityFromCtx(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

func bearerToken(r *http.Request) (string, error) {
	for _, v := range r.Header.Values("Authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
