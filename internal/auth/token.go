// Package auth owns the session credentials of the API client: the Token
// value, its persistence in a secret store and the single-flight refresh of an
// expired access token.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/speakloop/apiclient/internal/store"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// TokenKey is the secret store key holding the serialized Token.
const TokenKey = "auth_tokens"

// Token is an access/refresh credential pair. It is replaced wholesale on
// every login or refresh and never mutated in place.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Valid reports whether the token carries an access token that has not expired.
func (t *Token) Valid() bool {
	if t == nil || strings.TrimSpace(t.AccessToken) == "" {
		return false
	}
	return t.Expiry.IsZero() || time.Now().Before(t.Expiry)
}

// OAuth2 converts t to an oauth2.Token.
func (t *Token) OAuth2() *oauth2.Token {
	if t == nil {
		return nil
	}
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    tokenType,
		Expiry:       t.Expiry,
	}
}

// ParseToken reads a token response body. expires_in is converted into an
// absolute Expiry relative to now. A missing refresh_token keeps fallback.
func ParseToken(body []byte, fallbackRefresh string, now time.Time) (*Token, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("token response is not valid JSON")
	}
	parsed := gjson.ParseBytes(body)
	access := strings.TrimSpace(parsed.Get("access_token").String())
	if access == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	tok := &Token{
		AccessToken:  access,
		RefreshToken: strings.TrimSpace(parsed.Get("refresh_token").String()),
		TokenType:    parsed.Get("token_type").String(),
		ExpiresIn:    parsed.Get("expires_in").Int(),
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = fallbackRefresh
	}
	if tok.ExpiresIn > 0 {
		tok.Expiry = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// LoadToken returns the persisted token, or nil when none is stored. A blob
// that cannot be decoded is reported as an error.
func LoadToken(ctx context.Context, s store.Store) (*Token, error) {
	raw, ok, err := s.Get(ctx, TokenKey)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var tok Token
	if err = json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

// SaveToken persists tok as a single blob.
func SaveToken(ctx context.Context, s store.Store, tok *Token) error {
	if tok == nil {
		return ClearToken(ctx, s)
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err = s.Set(ctx, TokenKey, string(raw)); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// ClearToken removes any persisted token.
func ClearToken(ctx context.Context, s store.Store) error {
	if err := s.Delete(ctx, TokenKey); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}
