package apiclient

import (
	"context"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/logging"
)

// DefaultProbeAttempts is used by CheckConnection when maxAttempts <= 0.
const DefaultProbeAttempts = 3

// CheckConnection polls the health endpoint until it answers 2xx, sleeping
// the backoff delay between attempts. It never authenticates and treats every
// failure as worth another try. The sleep after the final attempt is skipped.
func (c *Client) CheckConnection(ctx context.Context, maxAttempts int) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultProbeAttempts
	}
	ctx, _ = logging.EnsureRequestID(ctx)
	s, hc := c.snapshot()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if c.probeOnce(ctx, hc, s, attempt) {
			return true
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := c.sleep(ctx, s.policy.Delay(attempt)); err != nil {
			return false
		}
	}
	log.Warnf("apiclient: backend %s unreachable after %d attempts", s.baseURL, maxAttempts)
	return false
}

func (c *Client) probeOnce(ctx context.Context, hc *http.Client, s settings, attempt int) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, s.baseURL+s.healthPath, nil)
	if err != nil {
		log.WithError(err).Debug("apiclient: failed to build health request")
		return false
	}
	req.Header.Set(logging.RequestIDHeader, logging.GetRequestID(ctx))

	resp, err := hc.Do(req)
	if err != nil {
		logging.LogAttempt(ctx, logging.Attempt{Method: http.MethodGet, Path: s.healthPath, Attempt: attempt, Err: err})
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	logging.LogAttempt(ctx, logging.Attempt{Method: http.MethodGet, Path: s.healthPath, Status: resp.StatusCode, Attempt: attempt})
	return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
}
