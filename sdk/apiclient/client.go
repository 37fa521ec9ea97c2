// Package apiclient is the resilient, authenticated HTTP client of the
// speakloop app. It executes JSON requests and multipart uploads against the
// backend, renews expired access tokens through a single shared refresh and
// retries transient failures with jittered exponential backoff.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/auth"
	"github.com/speakloop/apiclient/internal/config"
	"github.com/speakloop/apiclient/internal/logging"
	"github.com/speakloop/apiclient/internal/retry"
	"github.com/speakloop/apiclient/internal/store"
	"github.com/speakloop/apiclient/internal/util"
	"golang.org/x/oauth2"
)

// Sleeper waits for d or until ctx ends, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient makes the client send every request through hc. The proxy
// setting of the configuration is not applied to a caller supplied client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
			c.customHTTP = true
		}
	}
}

// WithSleeper replaces the timer used between retries.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithRand replaces the jitter source of the backoff policy. r must return
// values in [0, 1).
func WithRand(r func() float64) Option {
	return func(c *Client) {
		c.rand = r
	}
}

// settings is an immutable snapshot of the configuration used by one
// logical request.
type settings struct {
	baseURL       string
	healthPath    string
	timeout       time.Duration
	uploadTimeout time.Duration
	probeTimeout  time.Duration
	maxRetries    int
	policy        retry.Policy
}

// Client issues requests against the backend. It is safe for concurrent use.
type Client struct {
	store     store.Store
	refresher *auth.Refresher
	sleep     Sleeper
	rand      func() float64

	mu         sync.RWMutex
	cfg        settings
	httpClient *http.Client
	customHTTP bool
}

// New builds a Client for cfg that keeps its session in s.
func New(cfg *config.Config, s store.Store, opts ...Option) (*Client, error) {
	if s == nil {
		return nil, errors.New("apiclient: secret store is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Client{store: s, sleep: sleepContext}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = util.SetProxy(cfg.ProxyURL, &http.Client{})
	}
	c.refresher = auth.NewRefresher(s, c.httpClient, cfg.BaseURL, cfg.Request.RefreshTimeout)
	if err := c.ApplyConfig(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyConfig swaps the configuration used by subsequent requests. Requests
// already in flight finish with the settings they started with.
func (c *Client) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("apiclient: config is nil")
	}
	next := *cfg
	next.SanitizeDefaults()
	if err := next.Validate(); err != nil {
		return err
	}
	if _, err := url.ParseRequestURI(next.BaseURL); err != nil {
		return fmt.Errorf("apiclient: invalid base-url %q: %w", next.BaseURL, err)
	}

	s := settings{
		baseURL:       strings.TrimRight(next.BaseURL, "/"),
		healthPath:    next.HealthPath,
		timeout:       next.Request.Timeout,
		uploadTimeout: next.Request.UploadTimeout,
		probeTimeout:  next.Request.ProbeTimeout,
		maxRetries:    next.Request.MaxRetries,
		policy: retry.Policy{
			Base:   next.Backoff.Base,
			Cap:    next.Backoff.Cap,
			Jitter: next.Backoff.Jitter,
			Rand:   c.rand,
		},
	}

	c.mu.Lock()
	c.cfg = s
	if !c.customHTTP {
		c.httpClient = util.SetProxy(next.ProxyURL, &http.Client{})
	}
	httpClient := c.httpClient
	c.mu.Unlock()

	c.refresher.SetHTTPClient(httpClient)
	c.refresher.Update(s.baseURL, next.Request.RefreshTimeout)
	logging.SetRequestLogEnabled(next.RequestLog)
	log.Debugf("apiclient: using base url %s (max retries %d)", s.baseURL, s.maxRetries)
	return nil
}

func (c *Client) snapshot() (settings, *http.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.httpClient
}

// BaseURL returns the backend root currently in use.
func (c *Client) BaseURL() string {
	s, _ := c.snapshot()
	return s.baseURL
}

// Store returns the secret store holding the session.
func (c *Client) Store() store.Store { return c.store }

// TokenSource exposes the stored session as an oauth2.TokenSource. Expired
// tokens are renewed through the same single-flight refresh the executor uses.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return auth.NewTokenSource(ctx, c.store, c.refresher)
}

// OAuth2Client returns an *http.Client that authorizes every request with
// the stored session. It performs no retries of its own.
func (c *Client) OAuth2Client(ctx context.Context) *http.Client {
	if ctx == nil {
		ctx = context.Background()
	}
	_, hc := c.snapshot()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	return oauth2.NewClient(ctx, c.TokenSource(ctx))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
