package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/logging"
	"github.com/speakloop/apiclient/internal/store"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"
)

const (
	// RefreshPath is appended to the base URL for token refresh.
	RefreshPath = "/auth/refresh"

	refreshKey            = "refresh"
	defaultRefreshTimeout = 15 * time.Second
)

// Refresher exchanges the stored refresh token for a new Token. Concurrent
// calls to Refresh share a single HTTP exchange and observe the same result.
type Refresher struct {
	store      store.Store
	httpClient *http.Client

	mu      sync.RWMutex
	baseURL string
	timeout time.Duration

	group singleflight.Group
}

// NewRefresher builds a Refresher posting to baseURL + RefreshPath.
func NewRefresher(s store.Store, httpClient *http.Client, baseURL string, timeout time.Duration) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	r := &Refresher{store: s, httpClient: httpClient}
	r.Update(baseURL, timeout)
	return r
}

// Update changes the endpoint and timeout used by subsequent refreshes.
func (r *Refresher) Update(baseURL string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	r.mu.Lock()
	r.baseURL = strings.TrimRight(baseURL, "/")
	r.timeout = timeout
	r.mu.Unlock()
}

// SetHTTPClient swaps the client used for the refresh call.
func (r *Refresher) SetHTTPClient(c *http.Client) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.httpClient = c
	r.mu.Unlock()
}

// Refresh returns a fresh Token, or nil when no refresh token is stored or the
// server rejected it. It never returns an error: every failure clears the
// stored credentials and yields nil.
//
// The shared exchange runs detached from ctx so one impatient caller cannot
// fail the refresh for the others; ctx only bounds how long this caller waits.
func (r *Refresher) Refresh(ctx context.Context) *Token {
	ch := r.group.DoChan(refreshKey, func() (any, error) {
		r.mu.RLock()
		timeout := r.timeout
		r.mu.RUnlock()

		detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return r.refresh(detached), nil
	})

	select {
	case res := <-ch:
		tok, _ := res.Val.(*Token)
		if tok == nil {
			return nil
		}
		cp := *tok
		return &cp
	case <-ctx.Done():
		log.WithError(ctx.Err()).Debug("auth: stopped waiting for token refresh")
		return nil
	}
}

func (r *Refresher) refresh(ctx context.Context) *Token {
	current, err := LoadToken(ctx, r.store)
	if err != nil {
		log.WithError(err).Warn("auth: unreadable stored token, clearing")
		r.clear(ctx)
		return nil
	}
	if current == nil || strings.TrimSpace(current.RefreshToken) == "" {
		log.Debug("auth: no refresh token stored, skipping refresh")
		return nil
	}

	tok, err := r.exchange(ctx, current.RefreshToken)
	if err != nil {
		log.WithError(err).Warn("auth: token refresh failed, clearing stored credentials")
		r.clear(ctx)
		return nil
	}

	if errSave := SaveToken(ctx, r.store, tok); errSave != nil {
		log.WithError(errSave).Error("auth: failed to persist refreshed token")
	}
	log.Debug("auth: access token refreshed")
	return tok
}

func (r *Refresher) exchange(ctx context.Context, refreshToken string) (*Token, error) {
	r.mu.RLock()
	endpoint := r.baseURL + RefreshPath
	client := r.httpClient
	r.mu.RUnlock()

	payload, err := sjson.SetBytes([]byte(`{}`), "refresh_token", refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if requestID := logging.GetRequestID(ctx); requestID != "" {
		req.Header.Set(logging.RequestIDHeader, requestID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token refresh failed with status %d", resp.StatusCode)
	}
	return ParseToken(body, refreshToken, time.Now())
}

func (r *Refresher) clear(ctx context.Context) {
	if err := ClearToken(ctx, r.store); err != nil {
		log.WithError(err).Error("auth: failed to clear stored credentials")
	}
}
