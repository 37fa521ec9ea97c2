// Package store provides the secret storage backends used to persist session
// credentials. Every backend implements Store; the client never knows which one
// it has been handed.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Store is an opaque key/value capability for small string secrets.
//
// Get reports ok=false when the key is absent. Delete of a missing key is not
// an error. Implementations must be safe for concurrent use and a value written
// by Set must be visible to the next Get.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Backend type names accepted by Open.
const (
	TypeMemory    = "memory"
	TypeFile      = "file"
	TypeEncrypted = "encrypted"
	TypePostgres  = "postgres"
	TypeObject    = "object"
	TypeGit       = "git"
	TypeRedis     = "redis"
)

var errEmptyKey = errors.New("key is empty")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// validateKey rejects keys that cannot be mapped safely onto file names,
// object keys or table ids.
func validateKey(backend, key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("%s store: %w", backend, errEmptyKey)
	}
	if !keyPattern.MatchString(trimmed) || trimmed == "." || trimmed == ".." {
		return fmt.Errorf("%s store: invalid key %q", backend, key)
	}
	return nil
}

// Close releases resources held by s when it implements io.Closer.
func Close(s Store) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
