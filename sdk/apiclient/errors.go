package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/speakloop/apiclient/internal/retry"
	"github.com/tidwall/gjson"
)

// Error codes carried by APIError. A server supplied "code" field replaces
// the fallback codes REQUEST_FAILED and UPLOAD_FAILED.
const (
	CodeAuthRequired  = "AUTH_REQUIRED"
	CodeTimeout       = "TIMEOUT"
	CodeNetworkError  = "NETWORK_ERROR"
	CodeRequestFailed = "REQUEST_FAILED"
	CodeUploadFailed  = "UPLOAD_FAILED"
	CodeUnknown       = "UNKNOWN_ERROR"
)

// APIError is the terminal failure of a logical request. Retryable is fixed
// when the error is built and tells higher level callers whether repeating
// the same request may succeed.
type APIError struct {
	Code       string
	Message    string
	HTTPStatus int
	Retryable  bool
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	message := strings.TrimSpace(e.Message)
	if message == "" {
		message = "request failed"
	}
	var b strings.Builder
	b.WriteString("apiclient: ")
	b.WriteString(e.Code)
	if e.HTTPStatus > 0 {
		fmt.Fprintf(&b, " (%d)", e.HTTPStatus)
	}
	b.WriteString(": ")
	b.WriteString(message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StatusCode returns the HTTP status associated with the failure, or 0 for
// failures below the HTTP layer.
func (e *APIError) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.HTTPStatus
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func authRequiredError(cause error) *APIError {
	return &APIError{
		Code:       CodeAuthRequired,
		Message:    "authentication required",
		HTTPStatus: http.StatusUnauthorized,
		Err:        cause,
	}
}

// statusError builds the error for a non-retryable or retry-exhausted HTTP
// status from the optional {error, code} body.
func statusError(resp *Response, fallbackCode string) *APIError {
	apiErr := &APIError{
		Code:       fallbackCode,
		HTTPStatus: resp.StatusCode,
		Retryable:  retry.IsRetryableStatus(resp.StatusCode),
	}
	if gjson.ValidBytes(resp.Body) {
		parsed := gjson.ParseBytes(resp.Body)
		if code := strings.TrimSpace(parsed.Get("code").String()); code != "" {
			apiErr.Code = code
		}
		if msg := parsed.Get("error"); msg.Type == gjson.String && strings.TrimSpace(msg.String()) != "" {
			apiErr.Message = msg.String()
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("request failed with status %d", resp.StatusCode)
		if text := http.StatusText(resp.StatusCode); text != "" {
			apiErr.Message += " " + text
		}
	}
	return apiErr
}

// transportError maps a failure below the HTTP layer once the retry budget is
// spent. Timeouts and network failures stay retryable for the caller.
func transportError(err error) *APIError {
	switch {
	case retry.IsTimeout(err):
		return &APIError{Code: CodeTimeout, Message: "request timed out", HTTPStatus: http.StatusRequestTimeout, Retryable: true, Err: err}
	case retry.IsNetworkFailure(err):
		return &APIError{Code: CodeNetworkError, Message: "network request failed", Retryable: true, Err: err}
	default:
		return &APIError{Code: CodeUnknown, Message: "request failed", Err: err}
	}
}

// contextError maps the end of the caller's own context.
func contextError(err error) *APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Code: CodeTimeout, Message: "request deadline exceeded", HTTPStatus: http.StatusRequestTimeout, Retryable: true, Err: err}
	}
	return &APIError{Code: CodeNetworkError, Message: "request canceled", Retryable: true, Err: err}
}

func unknownError(message string, err error) *APIError {
	return &APIError{Code: CodeUnknown, Message: message, Err: err}
}
