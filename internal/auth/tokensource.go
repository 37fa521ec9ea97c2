package auth

import (
	"context"
	"errors"

	"github.com/speakloop/apiclient/internal/store"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned by the token source when no usable session exists.
var ErrNoToken = errors.New("auth: no session token available")

type storeTokenSource struct {
	ctx       context.Context
	store     store.Store
	refresher *Refresher
}

// NewTokenSource returns an oauth2.TokenSource that reads the session from s
// on every call and refreshes it through r once it has expired. The result is
// deliberately not cached so a cleared store takes effect immediately.
func NewTokenSource(ctx context.Context, s store.Store, r *Refresher) oauth2.TokenSource {
	if ctx == nil {
		ctx = context.Background()
	}
	return &storeTokenSource{ctx: ctx, store: s, refresher: r}
}

func (s *storeTokenSource) Token() (*oauth2.Token, error) {
	tok, err := LoadToken(s.ctx, s.store)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, ErrNoToken
	}
	if tok.Valid() {
		return tok.OAuth2(), nil
	}
	if s.refresher == nil {
		return nil, ErrNoToken
	}
	refreshed := s.refresher.Refresh(s.ctx)
	if refreshed == nil {
		return nil, ErrNoToken
	}
	return refreshed.OAuth2(), nil
}
