package logging

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var requestLogEnabled atomic.Bool

// SetRequestLogEnabled toggles per-attempt logging of client HTTP exchanges.
func SetRequestLogEnabled(enabled bool) {
	requestLogEnabled.Store(enabled)
}

// RequestLogEnabled reports whether per-attempt logging is on.
func RequestLogEnabled() bool {
	return requestLogEnabled.Load()
}

// Attempt describes one physical HTTP exchange of a logical request.
type Attempt struct {
	Method  string
	Path    string
	Status  int
	Attempt int
	Latency time.Duration
	Err     error
}

// LogAttempt records a finished attempt. It logs at info level when request
// logging is enabled and at debug level otherwise.
func LogAttempt(ctx context.Context, a Attempt) {
	entry := log.WithFields(log.Fields{
		"request_id": GetRequestID(ctx),
		"method":     a.Method,
		"path":       a.Path,
		"status":     a.Status,
		"attempt":    a.Attempt,
		"latency":    a.Latency.Truncate(time.Microsecond),
	})
	if a.Err != nil {
		entry = entry.WithError(a.Err)
	}

	msg := "http attempt"
	if a.Status > 0 {
		msg = a.Method + " " + a.Path + " " + http.StatusText(a.Status)
	}

	if !RequestLogEnabled() {
		entry.Debug(msg)
		return
	}
	switch {
	case a.Err != nil || a.Status >= http.StatusInternalServerError:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
}
