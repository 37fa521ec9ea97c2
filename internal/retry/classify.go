package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// retryableStatuses lists the HTTP statuses worth resubmitting unchanged.
var retryableStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// IsRetryable reports whether a failure described by status and/or err may
// succeed when attempted again without caller intervention. A zero status means
// "no HTTP response". The function is pure and never panics.
func IsRetryable(status int, err error) bool {
	if _, ok := retryableStatuses[status]; ok {
		return true
	}
	if err == nil {
		return false
	}
	return IsTimeout(err) || IsNetworkFailure(err)
}

// IsRetryableStatus reports whether the HTTP status alone is retryable.
func IsRetryableStatus(status int) bool {
	_, ok := retryableStatuses[status]
	return ok
}

// IsTimeout reports whether err represents an aborted or timed out attempt.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ETIMEDOUT)
}

// IsNetworkFailure reports whether err comes from below the HTTP layer: the
// connection could not be established or was interrupted.
func IsNetworkFailure(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed):
		return true
	}
	return false
}
