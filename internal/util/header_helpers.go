package util

import (
	"net/http"
	"strings"
)

// ApplyCustomHeaders copies caller supplied headers onto r. Caller headers
// override built-in defaults when conflicts occur; empty names and values are
// skipped.
func ApplyCustomHeaders(r *http.Request, headers http.Header) {
	if r == nil || len(headers) == 0 {
		return
	}
	for k, values := range headers {
		name := strings.TrimSpace(k)
		if name == "" {
			continue
		}
		first := true
		for _, v := range values {
			val := strings.TrimSpace(v)
			if val == "" {
				continue
			}
			if first {
				r.Header.Set(name, val)
				first = false
				continue
			}
			r.Header.Add(name, val)
		}
	}
}

// HasHeader reports whether h carries a non-empty value for name.
func HasHeader(h http.Header, name string) bool {
	return strings.TrimSpace(h.Get(name)) != ""
}

// MaskToken keeps the first and last few characters of a credential for logs.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}
