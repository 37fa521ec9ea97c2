package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/auth"
	"github.com/speakloop/apiclient/internal/logging"
	"github.com/tidwall/sjson"
)

const (
	// LoginPath exchanges credentials for a Token.
	LoginPath = "/auth/login"
	// LogoutPath revokes the current session on the server.
	LogoutPath = "/auth/logout"
)

// Login exchanges email and password for a session and persists it. The
// call goes through the regular executor without authentication, so
// transient failures are retried.
func (c *Client) Login(ctx context.Context, email, password string) (*auth.Token, error) {
	payload, err := loginPayload(email, password)
	if err != nil {
		return nil, unknownError("failed to build login payload", err)
	}

	resp, err := c.Do(ctx, LoginPath, RequestConfig{
		Method: http.MethodPost,
		Body:   json.RawMessage(payload),
	})
	if err != nil {
		return nil, err
	}
	tok, err := auth.ParseToken(resp.Body, "", time.Now())
	if err != nil {
		return nil, unknownError("login response carried no token", err)
	}
	if errSave := auth.SaveToken(ctx, c.store, tok); errSave != nil {
		log.WithError(errSave).Error("apiclient: failed to persist session")
	}
	cp := *tok
	return &cp, nil
}

func loginPayload(email, password string) ([]byte, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "email", email)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(payload, "password", password)
}

// Logout tells the server to end the session, best effort and without
// retries, then clears the stored credentials. Requests already in flight are
// not canceled; they observe the cleared store on their next attempt.
func (c *Client) Logout(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, _ = logging.EnsureRequestID(ctx)
	if token := c.accessToken(ctx, true); token != "" {
		s, hc := c.snapshot()
		cl := &call{
			method:       http.MethodPost,
			endpoint:     LogoutPath,
			timeout:      s.timeout,
			requiresAuth: true,
			fallbackCode: CodeRequestFailed,
		}
		if resp, err := c.send(ctx, hc, s.baseURL, cl, token, 0); err != nil {
			log.WithError(err).Debug("apiclient: logout request failed")
		} else if resp.StatusCode >= http.StatusMultipleChoices {
			log.Debugf("apiclient: logout request returned status %d", resp.StatusCode)
		}
	}
	return auth.ClearToken(ctx, c.store)
}

// Session returns a copy of the stored token, or nil when logged out.
func (c *Client) Session(ctx context.Context) (*auth.Token, error) {
	return auth.LoadToken(ctx, c.store)
}
