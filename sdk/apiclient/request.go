package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// RequestConfig describes one logical request.
type RequestConfig struct {
	// Method defaults to GET.
	Method string
	// Headers are merged over the defaults; a caller Content-Type wins.
	Headers http.Header
	// Body is sent as JSON unless it is a []byte or an io.Reader, which are
	// sent as-is without a Content-Type.
	Body any
	// Timeout bounds each physical attempt. Zero uses the configured timeout.
	Timeout time.Duration
	// RequiresAuth attaches the bearer token and enables refresh on 401.
	RequiresAuth bool
}

// Do executes a logical request and returns the raw successful response.
// Failures are always *APIError.
func (c *Client) Do(ctx context.Context, endpoint string, cfg RequestConfig) (*Response, error) {
	cl, err := newCall(endpoint, cfg)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, cl)
}

// Request executes a logical request and decodes the JSON response into T.
// A 204 yields the zero value of T.
func Request[T any](ctx context.Context, c *Client, endpoint string, cfg RequestConfig) (T, error) {
	resp, err := c.Do(ctx, endpoint, cfg)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeJSON[T](resp, true)
}

// Get issues an authenticated GET.
func Get[T any](ctx context.Context, c *Client, endpoint string) (T, error) {
	return Request[T](ctx, c, endpoint, RequestConfig{Method: http.MethodGet, RequiresAuth: true})
}

// Post issues an authenticated POST with body.
func Post[T any](ctx context.Context, c *Client, endpoint string, body any) (T, error) {
	return Request[T](ctx, c, endpoint, RequestConfig{Method: http.MethodPost, Body: body, RequiresAuth: true})
}

// Put issues an authenticated PUT with body.
func Put[T any](ctx context.Context, c *Client, endpoint string, body any) (T, error) {
	return Request[T](ctx, c, endpoint, RequestConfig{Method: http.MethodPut, Body: body, RequiresAuth: true})
}

// Patch issues an authenticated PATCH with body.
func Patch[T any](ctx context.Context, c *Client, endpoint string, body any) (T, error) {
	return Request[T](ctx, c, endpoint, RequestConfig{Method: http.MethodPatch, Body: body, RequiresAuth: true})
}

// Delete issues an authenticated DELETE.
func Delete[T any](ctx context.Context, c *Client, endpoint string) (T, error) {
	return Request[T](ctx, c, endpoint, RequestConfig{Method: http.MethodDelete, RequiresAuth: true})
}

func newCall(endpoint string, cfg RequestConfig) (*call, error) {
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}
	body, contentType, err := encodeBody(cfg.Body)
	if err != nil {
		return nil, unknownError("failed to encode request body", err)
	}
	return &call{
		method:       method,
		endpoint:     normalizeEndpoint(endpoint),
		header:       cfg.Headers,
		body:         body,
		contentType:  contentType,
		timeout:      cfg.Timeout,
		requiresAuth: cfg.RequiresAuth,
		fallbackCode: CodeRequestFailed,
	}, nil
}

// encodeBody returns the wire bytes of body and the Content-Type to send with
// them. Binary bodies get no Content-Type. An io.Reader is drained once so
// that retries and the auth replay can resend it.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "application/json", nil
	case json.RawMessage:
		return b, "application/json", nil
	case []byte:
		return b, "", nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", err
		}
		return data, "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	}
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "/"
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return endpoint
}
