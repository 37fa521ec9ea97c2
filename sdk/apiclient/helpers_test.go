package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/speakloop/apiclient/internal/auth"
	"github.com/speakloop/apiclient/internal/config"
	"github.com/speakloop/apiclient/internal/store"
)

// sleepRecorder replaces the backoff timer and records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(n int)
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	n := len(r.delays)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.Request.Timeout = 2 * time.Second
	cfg.Request.RefreshTimeout = 2 * time.Second
	cfg.Request.ProbeTimeout = time.Second
	return cfg
}

// newTestClient builds a client whose backoff is recorded instead of slept
// and whose jitter is neutral, so delays are exactly 1s, 2s, 4s, ...
func newTestClient(t *testing.T, cfg *config.Config, s store.Store) (*Client, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	c, err := New(cfg, s, WithSleeper(rec.sleep), WithRand(func() float64 { return 0.5 }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, rec
}

func seedSession(t *testing.T, s store.Store, access, refresh string) {
	t.Helper()
	if err := auth.SaveToken(context.Background(), s, &auth.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

// countingServer serves handler and counts requests per path.
type countingServer struct {
	*httptest.Server
	mu     sync.Mutex
	counts map[string]int
}

func newCountingServer(t *testing.T, handler http.HandlerFunc) *countingServer {
	t.Helper()
	cs := &countingServer{counts: make(map[string]int)}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.counts[r.URL.Path]++
		cs.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *countingServer) count(path string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.counts[path]
}

func (cs *countingServer) total() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, c := range cs.counts {
		n += c
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

type topic struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}
