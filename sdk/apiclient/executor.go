package apiclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/auth"
	"github.com/speakloop/apiclient/internal/logging"
	"github.com/speakloop/apiclient/internal/retry"
	"github.com/speakloop/apiclient/internal/util"
)

// call is one logical request after its body has been encoded. It is built
// once and resent unchanged by every attempt.
type call struct {
	method       string
	endpoint     string
	header       http.Header
	body         []byte
	contentType  string
	timeout      time.Duration
	requiresAuth bool
	fallbackCode string
}

// execute runs c through the bounded attempt loop:
//
//   - 401 on an authenticated call refreshes the session and replays once;
//     the replay's outcome is final.
//   - retryable statuses and transport failures back off and resubmit while
//     attempt < maxRetries.
//   - anything else ends the loop with an *APIError.
func (c *Client) execute(ctx context.Context, cl *call) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, _ = logging.EnsureRequestID(ctx)
	s, hc := c.snapshot()
	if cl.timeout <= 0 {
		cl.timeout = s.timeout
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, contextError(err)
		}

		token := c.accessToken(ctx, cl.requiresAuth)
		resp, err := c.send(ctx, hc, s.baseURL, cl, token, attempt)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return nil, apiErr
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, contextError(ctxErr)
			}
			if retry.IsRetryable(0, err) && attempt < s.maxRetries {
				if errWait := c.backoff(ctx, s.policy, attempt, err); errWait != nil {
					return nil, contextError(errWait)
				}
				continue
			}
			return nil, transportError(err)
		}

		if resp.StatusCode == http.StatusUnauthorized && cl.requiresAuth {
			return c.replayAfterRefresh(ctx, hc, s.baseURL, cl, attempt)
		}
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}
		if retry.IsRetryable(resp.StatusCode, nil) && attempt < s.maxRetries {
			if errWait := c.backoff(ctx, s.policy, attempt, nil); errWait != nil {
				return nil, contextError(errWait)
			}
			continue
		}
		return nil, statusError(resp, cl.fallbackCode)
	}
}

// replayAfterRefresh renews the session and sends cl one more time. The
// replay never re-enters the backoff loop and never refreshes again.
func (c *Client) replayAfterRefresh(ctx context.Context, hc *http.Client, baseURL string, cl *call, attempt int) (*Response, error) {
	tok := c.refresher.Refresh(ctx)
	if tok == nil {
		if err := ctx.Err(); err != nil {
			return nil, contextError(err)
		}
		return nil, authRequiredError(nil)
	}

	resp, err := c.send(ctx, hc, baseURL, cl, tok.AccessToken, attempt)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctxErr)
		}
		return nil, transportError(err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, authRequiredError(nil)
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return resp, nil
	default:
		return nil, statusError(resp, cl.fallbackCode)
	}
}

func (c *Client) backoff(ctx context.Context, policy retry.Policy, attempt int, cause error) error {
	delay := policy.Delay(attempt)
	entry := log.WithFields(log.Fields{
		"request_id": logging.GetRequestID(ctx),
		"attempt":    attempt,
		"delay":      delay.Truncate(time.Millisecond),
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Debug("retrying after backoff")
	return c.sleep(ctx, delay)
}

// accessToken re-reads the session before every attempt so a logout is seen
// by requests already in their retry loop.
func (c *Client) accessToken(ctx context.Context, requiresAuth bool) string {
	if !requiresAuth {
		return ""
	}
	tok, err := auth.LoadToken(ctx, c.store)
	if err != nil {
		log.WithError(err).Warn("apiclient: failed to read session token")
		return ""
	}
	if tok == nil {
		return ""
	}
	return tok.AccessToken
}

// send performs one physical HTTP exchange bounded by cl.timeout. Errors that
// make the request impossible to build are returned as *APIError.
func (c *Client) send(ctx context.Context, hc *http.Client, baseURL string, cl *call, token string, attempt int) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, cl.method, baseURL+cl.endpoint, body)
	if err != nil {
		return nil, unknownError("failed to build request", err)
	}
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	req.Header.Set("Accept", "application/json")
	util.ApplyCustomHeaders(req, cl.header)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set(logging.RequestIDHeader, logging.GetRequestID(ctx))
	if cl.requiresAuth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	httpResp, err := hc.Do(req)
	if err != nil {
		logging.LogAttempt(ctx, logging.Attempt{Method: cl.method, Path: cl.endpoint, Attempt: attempt, Latency: time.Since(start), Err: err})
		return nil, err
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("apiclient: close response body error: %v", errClose)
		}
	}()

	data, err := readBody(httpResp)
	logging.LogAttempt(ctx, logging.Attempt{Method: cl.method, Path: cl.endpoint, Status: httpResp.StatusCode, Attempt: attempt, Latency: time.Since(start), Err: err})
	if err != nil {
		if httpResp.StatusCode >= http.StatusOK && httpResp.StatusCode < http.StatusMultipleChoices {
			return nil, err
		}
		// the status still drives retry, refresh and error mapping
		log.WithError(err).WithField("status", httpResp.StatusCode).Debug("apiclient: dropping undecodable error body")
		data = nil
	}

	header := httpResp.Header.Clone()
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return &Response{StatusCode: httpResp.StatusCode, Header: header, Body: data}, nil
}
