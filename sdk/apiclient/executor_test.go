package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/speakloop/apiclient/internal/auth"
	"github.com/speakloop/apiclient/internal/logging"
	"github.com/speakloop/apiclient/internal/store"
)

func asAPIError(t *testing.T, err error) *APIError {
	t.Helper()
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v (%T) is not an *APIError", err, err)
	}
	return apiErr
}

func TestRequestRetriesRetryableStatusUntilBudgetIsSpent(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{"error":"maintenance"}`)
	})
	c, rec := newTestClient(t, testConfig(srv.URL), store.NewMemoryStore())

	_, err := Get[[]topic](context.Background(), c, "/topics")
	apiErr := asAPIError(t, err)
	if apiErr.Code != CodeRequestFailed || apiErr.HTTPStatus != http.StatusServiceUnavailable || !apiErr.Retryable {
		t.Fatalf("err = %+v", apiErr)
	}
	if apiErr.Message != "maintenance" {
		t.Fatalf("Message = %q", apiErr.Message)
	}
	if got := srv.count("/topics"); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if got := rec.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
}

func TestRequestRecoversFromTransientStatus(t *testing.T) {
	var mu sync.Mutex
	statuses := []int{http.StatusBadGateway, http.StatusTooManyRequests}
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if len(statuses) > 0 {
			status := statuses[0]
			statuses = statuses[1:]
			writeJSON(w, status, `{}`)
			return
		}
		writeJSON(w, http.StatusOK, `[{"id":1,"title":"Travel"}]`)
	})
	c, rec := newTestClient(t, testConfig(srv.URL), store.NewMemoryStore())

	topics, err := Get[[]topic](context.Background(), c, "/topics")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(topics) != 1 || topics[0].Title != "Travel" {
		t.Fatalf("topics = %+v", topics)
	}
	if srv.count("/topics") != 3 || len(rec.recorded()) != 2 {
		t.Fatalf("attempts=%d sleeps=%d, want 3 and 2", srv.count("/topics"), len(rec.recorded()))
	}
}

func TestRequestNonRetryableStatusFailsImmediately(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"server code", http.StatusBadRequest, `{"error":"unknown topic","code":"VALIDATION_ERROR"}`, "VALIDATION_ERROR", "unknown topic"},
		{"message only", http.StatusForbidden, `{"error":"not allowed"}`, CodeRequestFailed, "not allowed"},
		{"unparseable", http.StatusNotFound, `<html>nope</html>`, CodeRequestFailed, "request failed with status 404 Not Found"},
		{"empty", http.StatusConflict, ``, CodeRequestFailed, "request failed with status 409 Conflict"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, tc.body)
			})
			c, rec := newTestClient(t, testConfig(srv.URL), store.NewMemoryStore())

			_, err := Request[map[string]any](context.Background(), c, "/topics", RequestConfig{Method: http.MethodPost, Body: map[string]string{"title": "x"}})
			apiErr := asAPIError(t, err)
			if apiErr.Code != tc.wantCode || apiErr.Message != tc.wantMsg || apiErr.HTTPStatus != tc.status || apiErr.Retryable {
				t.Fatalf("err = %+v", apiErr)
			}
			if apiErr.StatusCode() != tc.status {
				t.Fatalf("StatusCode = %d", apiErr.StatusCode())
			}
			if srv.total() != 1 || len(rec.recorded()) != 0 {
				t.Fatalf("attempts=%d sleeps=%d, want 1 and 0", srv.total(), len(rec.recorded()))
			}
		})
	}
}

func TestRequestRefreshesAndReplaysOnce(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case auth.RefreshPath:
			writeJSON(w, http.StatusOK, `{"access_token":"fresh","refresh_token":"r2","token_type":"Bearer","expires_in":900}`)
		case "/topics":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				writeJSON(w, http.StatusUnauthorized, `{"error":"token expired"}`)
				return
			}
			writeJSON(w, http.StatusOK, `[{"id":1,"title":"Travel"},{"id":2,"title":"Food"}]`)
		}
	})
	s := store.NewMemoryStore()
	seedSession(t, s, "stale", "r1")
	c, rec := newTestClient(t, testConfig(srv.URL), s)

	topics, err := Get[[]topic](context.Background(), c, "/topics")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(topics) != 2 || topics[1].Title != "Food" {
		t.Fatalf("topics = %+v", topics)
	}
	if srv.count("/topics") != 2 || srv.count(auth.RefreshPath) != 1 {
		t.Fatalf("topics calls=%d refresh calls=%d, want 2 and 1", srv.count("/topics"), srv.count(auth.RefreshPath))
	}
	if len(rec.recorded()) != 0 {
		t.Fatal("auth replay must not back off")
	}

	tok, _ := auth.LoadToken(context.Background(), s)
	if tok == nil || tok.AccessToken != "fresh" || tok.RefreshToken != "r2" {
		t.Fatalf("stored token = %+v", tok)
	}
}

func TestRequestSecondUnauthorizedIsTerminal(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == auth.RefreshPath {
			writeJSON(w, http.StatusOK, `{"access_token":"fresh","refresh_token":"r2"}`)
			return
		}
		writeJSON(w, http.StatusUnauthorized, `{"error":"nope"}`)
	})
	s := store.NewMemoryStore()
	seedSession(t, s, "stale", "r1")
	c, _ := newTestClient(t, testConfig(srv.URL), s)

	_, err := Get[[]topic](context.Background(), c, "/topics")
	apiErr := asAPIError(t, err)
	if apiErr.Code != CodeAuthRequired || apiErr.HTTPStatus != http.StatusUnauthorized || apiErr.Retryable {
		t.Fatalf("err = %+v", apiErr)
	}
	if srv.count("/topics") != 2 || srv.count(auth.RefreshPath) != 1 {
		t.Fatalf("topics calls=%d refresh calls=%d, want 2 and 1", srv.count("/topics"), srv.count(auth.RefreshPath))
	}
}

func TestRequestWithoutRefreshTokenNeedsLogin(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{}`)
	})
	s := store.NewMemoryStore()
	c, _ := newTestClient(t, testConfig(srv.URL), s)

	_, err := Get[[]topic](context.Background(), c, "/topics")
	apiErr := asAPIError(t, err)
	if apiErr.Code != CodeAuthRequired || apiErr.StatusCode() != http.StatusUnauthorized {
		t.Fatalf("err = %+v", apiErr)
	}
	if !IsCode(err, CodeAuthRequired) {
		t.Fatal("IsCode(AUTH_REQUIRED) = false")
	}
	if srv.total() != 1 {
		t.Fatalf("calls = %d, want exactly the original request", srv.total())
	}
}

func TestRequestRefreshRejectedClearsSession(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{}`)
	})
	s := store.NewMemoryStore()
	seedSession(t, s, "stale", "revoked")
	c, _ := newTestClient(t, testConfig(srv.URL), s)

	_, err := Get[[]topic](context.Background(), c, "/topics")
	if !IsCode(err, CodeAuthRequired) {
		t.Fatalf("err = %v, want AUTH_REQUIRED", err)
	}
	if srv.count("/topics") != 1 || srv.count(auth.RefreshPath) != 1 {
		t.Fatalf("topics calls=%d refresh calls=%d", srv.count("/topics"), srv.count(auth.RefreshPath))
	}
	if tok, _ := auth.LoadToken(context.Background(), s); tok != nil {
		t.Fatalf("session survived rejected refresh: %+v", tok)
	}
}

func TestRequestReplayFailureDoesNotReenterBackoff(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == auth.RefreshPath:
			writeJSON(w, http.StatusOK, `{"access_token":"fresh"}`)
		case r.Header.Get("Authorization") == "Bearer fresh":
			writeJSON(w, http.StatusServiceUnavailable, `{"error":"busy"}`)
		default:
			writeJSON(w, http.StatusUnauthorized, `{}`)
		}
	})
	s := store.NewMemoryStore()
	seedSession(t, s, "stale", "r1")
	c, rec := newTestClient(t, testConfig(srv.URL), s)

	_, err := Get[[]topic](context.Background(), c, "/topics")
	apiErr := asAPIError(t, err)
	if apiErr.Code != CodeRequestFailed || apiErr.HTTPStatus != http.StatusServiceUnavailable || !apiErr.Retryable {
		t.Fatalf("err = %+v", apiErr)
	}
	if srv.count("/topics") != 2 || len(rec.recorded()) != 0 {
		t.Fatalf("topics calls=%d sleeps=%d, want 2 and 0", srv.count("/topics"), len(rec.recorded()))
	}
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case auth.RefreshPath:
			time.Sleep(200 * time.Millisecond)
			writeJSON(w, http.StatusOK, `{"access_token":"fresh","refresh_token":"r2"}`)
		case "/topics":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				writeJSON(w, http.StatusUnauthorized, `{}`)
				return
			}
			writeJSON(w, http.StatusOK, `[{"id":7,"title":"Work"}]`)
		}
	})
	s := store.NewMemoryStore()
	seedSession(t, s, "stale", "r1")
	c, _ := newTestClient(t, testConfig(srv.URL), s)

	const n = 5
	start := make(chan struct{})
	errs := make(chan error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-start
			topics, err := Get[[]topic](context.Background(), c, "/topics")
			if err == nil && (len(topics) != 1 || topics[0].ID != 7) {
				err = errors.New("unexpected topics payload")
			}
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
	}
	if got := srv.count(auth.RefreshPath); got != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", got)
	}
}

func TestRequestNetworkFailureExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	c, rec := newTestClient(t, testConfig(baseURL), store.NewMemoryStore())
	_, err := Get[[]topic](context.Background(), c, "/topics")
	apiErr := asAPIError(t, err)
	if apiErr.Code != CodeNetworkError || !apiErr.Retryable || apiErr.Err == nil {
		t.Fatalf("err = %+v", apiErr)
	}
	if len(rec.recorded()) != 3 {
		t.Fatalf("sleeps = %d, want 3", len(rec.recorded()))
	}
}

func TestRequestAttemptTimeout(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	cfg := testConfig(srv.URL)
	cfg.Request.MaxRetries = 1
	c, rec := newTestClient(t, cfg, store.NewMemoryStore())

	_, err := Request[[]topic](context.Background(), c, "/slow", RequestConfig{Timeout: 50 * time.Millisecond})
	apiErr := asAPIError(t, err)
	if apiErr.Code != CodeTimeout || apiErr.HTTPStatus != http.StatusRequestTimeout || !apiErr.Retryable {
		t.Fatalf("err = %+v", apiErr)
	}
	if srv.count("/slow") != 2 || len(rec.recorded()) != 1 {
		t.Fatalf("attempts=%d sleeps=%d, want 2 and 1", srv.count("/slow"), len(rec.recorded()))
	}
}

func TestRequestCallerCancellationIsTerminal(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{}`)
	})
	c, rec := newTestClient(t, testConfig(srv.URL), store.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.hook = func(int) { cancel() }

	_, err := Get[[]topic](ctx, c, "/topics")
	apiErr := asAPIError(t, err)
	if apiErr.Code != CodeNetworkError || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %+v", apiErr)
	}
	if srv.count("/topics") != 1 {
		t.Fatalf("attempts = %d, want 1", srv.count("/topics"))
	}
}

func TestRequestRereadsTokenBeforeEveryAttempt(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			writeJSON(w, http.StatusServiceUnavailable, `{}`)
			return
		}
		writeJSON(w, http.StatusOK, `[]`)
	})
	s := store.NewMemoryStore()
	seedSession(t, s, "a1", "r1")
	c, rec := newTestClient(t, testConfig(srv.URL), s)
	// logout while the request waits in backoff
	rec.hook = func(int) { _ = auth.ClearToken(context.Background(), s) }

	if _, err := Get[[]topic](context.Background(), c, "/topics"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "Bearer a1" || seen[1] != "" {
		t.Fatalf("authorization headers = %q", seen)
	}
}

func TestRequestHeadersAndBodies(t *testing.T) {
	type captured struct {
		contentType, accept, custom, requestID, auth string
		body                                         string
	}
	var mu sync.Mutex
	var captures []captured
	lastCapture := func() captured {
		mu.Lock()
		defer mu.Unlock()
		return captures[len(captures)-1]
	}
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		captures = append(captures, captured{
			contentType: r.Header.Get("Content-Type"),
			accept:      r.Header.Get("Accept-Encoding"),
			custom:      r.Header.Get("X-Client"),
			requestID:   r.Header.Get(logging.RequestIDHeader),
			auth:        r.Header.Get("Authorization"),
			body:        string(raw),
		})
		w.WriteHeader(http.StatusNoContent)
	})
	s := store.NewMemoryStore()
	seedSession(t, s, "a1", "r1")
	c, _ := newTestClient(t, testConfig(srv.URL), s)
	ctx := logging.WithRequestID(context.Background(), "req12345")

	out, err := Post[map[string]any](ctx, c, "recordings/1/analysis", map[string]string{"lang": "en"})
	if err != nil || out != nil {
		t.Fatalf("Post = %v, %v; want nil map for 204", out, err)
	}
	last := lastCapture()
	if last.contentType != "application/json" || last.body != `{"lang":"en"}` || last.auth != "Bearer a1" {
		t.Fatalf("json request = %+v", last)
	}
	if last.accept != acceptEncoding || last.requestID != "req12345" {
		t.Fatalf("ambient headers = %+v", last)
	}

	_, err = Request[struct{}](ctx, c, "/raw", RequestConfig{
		Method:  http.MethodPut,
		Body:    []byte{0x01, 0x02},
		Headers: http.Header{"X-Client": {"ios"}},
	})
	if err != nil {
		t.Fatalf("binary request: %v", err)
	}
	last = lastCapture()
	if last.contentType != "" || last.body != "\x01\x02" || last.custom != "ios" || last.auth != "" {
		t.Fatalf("binary request = %+v", last)
	}

	_, err = Request[struct{}](ctx, c, "/raw", RequestConfig{
		Method:  http.MethodPost,
		Body:    strings.NewReader("plain"),
		Headers: http.Header{"Content-Type": {"text/plain"}},
	})
	if err != nil {
		t.Fatalf("reader request: %v", err)
	}
	last = lastCapture()
	if last.contentType != "text/plain" || last.body != "plain" {
		t.Fatalf("reader request = %+v, %v", last, err)
	}
}

func TestRequestUndecodableSuccessBody(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":`)
	})
	c, _ := newTestClient(t, testConfig(srv.URL), store.NewMemoryStore())

	_, err := Get[topic](context.Background(), c, "/topics/1")
	if apiErr := asAPIError(t, err); apiErr.Code != CodeUnknown || apiErr.Retryable {
		t.Fatalf("err = %+v", apiErr)
	}

	raw, err := Request[json.RawMessage](context.Background(), c, "/topics/1", RequestConfig{})
	if err != nil || string(raw) != `{"id":` {
		t.Fatalf("raw = %q, %v", raw, err)
	}
}

func TestApplyConfigSwitchesBackend(t *testing.T) {
	first := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, `[]`) })
	second := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, `[]`) })

	c, _ := newTestClient(t, testConfig(first.URL), store.NewMemoryStore())
	if _, err := Request[[]topic](context.Background(), c, "/topics", RequestConfig{}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := c.ApplyConfig(testConfig(second.URL + "/")); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if c.BaseURL() != second.URL {
		t.Fatalf("BaseURL = %q", c.BaseURL())
	}
	if _, err := Request[[]topic](context.Background(), c, "/topics", RequestConfig{}); err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.total() != 1 || second.total() != 1 {
		t.Fatalf("calls first=%d second=%d", first.total(), second.total())
	}

	if err := c.ApplyConfig(testConfig("ftp://example.com")); err == nil {
		t.Fatal("ApplyConfig accepted a non-http base url")
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("New without a store succeeded")
	}
}

func writeCorruptGzip(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("not gzip at all"))
}

func TestRequestCorruptErrorBodyKeepsStatus(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		attempts  int
		delays    []time.Duration
		retryable bool
		wantMsg   string
	}{
		{"retryable", http.StatusServiceUnavailable, 4, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, true, "request failed with status 503 Service Unavailable"},
		{"terminal", http.StatusBadRequest, 1, nil, false, "request failed with status 400 Bad Request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeCorruptGzip(w, tc.status)
			})
			c, rec := newTestClient(t, testConfig(srv.URL), store.NewMemoryStore())

			_, err := Get[[]topic](context.Background(), c, "/topics")
			apiErr := asAPIError(t, err)
			if apiErr.Code != CodeRequestFailed || apiErr.HTTPStatus != tc.status || apiErr.Retryable != tc.retryable {
				t.Fatalf("err = %+v", apiErr)
			}
			if apiErr.Message != tc.wantMsg {
				t.Fatalf("Message = %q", apiErr.Message)
			}
			if got := srv.count("/topics"); got != tc.attempts {
				t.Fatalf("attempts = %d, want %d", got, tc.attempts)
			}
			if got := rec.recorded(); len(got) != len(tc.delays) || (len(got) > 0 && !reflect.DeepEqual(got, tc.delays)) {
				t.Fatalf("delays = %v, want %v", got, tc.delays)
			}
		})
	}
}

func TestRequestCorruptUnauthorizedBodyStillRefreshes(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case auth.RefreshPath:
			writeJSON(w, http.StatusOK, `{"access_token":"fresh","refresh_token":"r2","token_type":"Bearer"}`)
		case "/topics":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				writeCorruptGzip(w, http.StatusUnauthorized)
				return
			}
			writeJSON(w, http.StatusOK, `[{"id":1,"title":"Travel"}]`)
		}
	})
	s := store.NewMemoryStore()
	seedSession(t, s, "stale", "r1")
	c, rec := newTestClient(t, testConfig(srv.URL), s)

	topics, err := Get[[]topic](context.Background(), c, "/topics")
	if err != nil || len(topics) != 1 {
		t.Fatalf("topics = %+v, %v", topics, err)
	}
	if srv.count(auth.RefreshPath) != 1 || srv.count("/topics") != 2 || len(rec.recorded()) != 0 {
		t.Fatalf("refresh=%d topics=%d sleeps=%d", srv.count(auth.RefreshPath), srv.count("/topics"), len(rec.recorded()))
	}
}

func TestRequestCorruptSuccessBodyFails(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeCorruptGzip(w, http.StatusOK)
	})
	c, _ := newTestClient(t, testConfig(srv.URL), store.NewMemoryStore())

	_, err := Get[[]topic](context.Background(), c, "/topics")
	if apiErr := asAPIError(t, err); apiErr.Code != CodeUnknown || apiErr.Retryable {
		t.Fatalf("err = %+v", apiErr)
	}
	if srv.total() != 1 {
		t.Fatalf("attempts = %d, want 1", srv.total())
	}
}
