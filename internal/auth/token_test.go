package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/speakloop/apiclient/internal/store"
)

func TestParseToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tok, err := ParseToken([]byte(`{"access_token":"a","refresh_token":"r","token_type":"Bearer","expires_in":60}`), "old", now)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if tok.AccessToken != "a" || tok.RefreshToken != "r" || tok.TokenType != "Bearer" || tok.ExpiresIn != 60 {
		t.Fatalf("ParseToken = %+v", tok)
	}
	if !tok.Expiry.Equal(now.Add(time.Minute)) {
		t.Fatalf("Expiry = %v", tok.Expiry)
	}

	tok, err = ParseToken([]byte(`{"access_token":"a"}`), "old", now)
	if err != nil || tok.RefreshToken != "old" || !tok.Expiry.IsZero() {
		t.Fatalf("ParseToken without refresh = %+v, %v", tok, err)
	}

	for _, bad := range []string{``, `[]`, `{"token_type":"Bearer"}`, `{"access_token":"  "}`} {
		if _, err = ParseToken([]byte(bad), "", now); err == nil {
			t.Fatalf("ParseToken(%q) succeeded", bad)
		}
	}
}

func TestTokenRoundTripThroughStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if tok, err := LoadToken(ctx, s); tok != nil || err != nil {
		t.Fatalf("LoadToken on empty store = %+v, %v", tok, err)
	}

	want := &Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", ExpiresIn: 10, Expiry: time.Now().Add(10 * time.Second).UTC().Truncate(time.Second)}
	if err := SaveToken(ctx, s, want); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	got, err := LoadToken(ctx, s)
	if err != nil || got == nil {
		t.Fatalf("LoadToken = %+v, %v", got, err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || !got.Expiry.Equal(want.Expiry) {
		t.Fatalf("LoadToken = %+v, want %+v", got, want)
	}
	if s.Len() != 1 {
		t.Fatalf("token must be stored as a single blob, store has %d keys", s.Len())
	}

	if err = SaveToken(ctx, s, nil); err != nil {
		t.Fatalf("SaveToken(nil): %v", err)
	}
	if tok, _ := LoadToken(ctx, s); tok != nil {
		t.Fatalf("token survived SaveToken(nil): %+v", tok)
	}

	_ = s.Set(ctx, TokenKey, "{broken")
	if _, err = LoadToken(ctx, s); err == nil {
		t.Fatal("LoadToken of corrupt blob succeeded")
	}
}

func TestTokenValid(t *testing.T) {
	cases := []struct {
		name string
		tok  *Token
		want bool
	}{
		{"nil", nil, false},
		{"empty", &Token{}, false},
		{"no expiry", &Token{AccessToken: "a"}, true},
		{"future", &Token{AccessToken: "a", Expiry: time.Now().Add(time.Hour)}, true},
		{"past", &Token{AccessToken: "a", Expiry: time.Now().Add(-time.Hour)}, false},
	}
	for _, tc := range cases {
		if got := tc.tok.Valid(); got != tc.want {
			t.Errorf("%s: Valid = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	src := NewTokenSource(ctx, s, nil)
	if _, err := src.Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Token on empty store err = %v, want ErrNoToken", err)
	}

	seedToken(t, s, &Token{AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour)})
	tok, err := src.Token()
	if err != nil || tok.AccessToken != "a1" || tok.TokenType != "Bearer" {
		t.Fatalf("Token = %+v, %v", tok, err)
	}

	// logout must take effect immediately
	_ = ClearToken(ctx, s)
	if _, err = src.Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Token after clear err = %v", err)
	}
}

func TestTokenSourceRefreshesExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","expires_in":3600}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	s := store.NewMemoryStore()
	seedToken(t, s, &Token{AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(-time.Minute)})

	src := NewTokenSource(ctx, s, NewRefresher(s, srv.Client(), srv.URL, time.Second))
	tok, err := src.Token()
	if err != nil || tok.AccessToken != "a2" {
		t.Fatalf("Token = %+v, %v", tok, err)
	}
}
