package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/config"
	"github.com/speakloop/apiclient/internal/util"
)

// Opened describes the store selected by Open.
type Opened struct {
	Store Store
	// Type is the backend actually in use.
	Type string
	// Fallback is true when the configured backend failed and the in-memory
	// store was substituted.
	Fallback bool
}

// Open builds the backend named by cfg.Type. When it cannot be opened and
// cfg.AllowInsecureFallback is set, an in-memory store is returned instead and
// a warning is logged; otherwise the error is returned.
func Open(ctx context.Context, cfg config.SecretStoreConfig) (Opened, error) {
	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	if typ == "" {
		typ = TypeFile
	}

	s, err := openBackend(ctx, typ, cfg)
	if err == nil {
		log.Debugf("secret store: using %s backend", typ)
		return Opened{Store: s, Type: typ}, nil
	}
	if !cfg.AllowInsecureFallback || typ == TypeMemory {
		return Opened{}, err
	}

	log.WithError(err).WithField("backend", typ).Warn("secret store: backend unavailable, falling back to in-memory storage; credentials will not survive a restart")
	return Opened{Store: NewMemoryStore(), Type: TypeMemory, Fallback: true}, nil
}

func openBackend(ctx context.Context, typ string, cfg config.SecretStoreConfig) (Store, error) {
	switch typ {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeFile:
		dir, err := util.ResolveDir(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		return NewFileStore(dir)
	case TypeEncrypted:
		dir, err := util.ResolveDir(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("encrypted store: %w", err)
		}
		inner, err := NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		return NewEncryptedStore(ctx, inner, cfg.Passphrase)
	case TypePostgres:
		return NewPostgresStore(ctx, PostgresStoreConfig{
			DSN:    cfg.Postgres.DSN,
			Schema: cfg.Postgres.Schema,
			Table:  cfg.Postgres.Table,
		})
	case TypeObject:
		return NewObjectStore(ctx, ObjectStoreConfig{
			Endpoint:  cfg.Object.Endpoint,
			Bucket:    cfg.Object.Bucket,
			AccessKey: cfg.Object.AccessKey,
			SecretKey: cfg.Object.SecretKey,
			Region:    cfg.Object.Region,
			Prefix:    cfg.Object.Prefix,
			UseSSL:    cfg.Object.UseSSL,
			PathStyle: cfg.Object.PathStyle,
		})
	case TypeGit:
		local := strings.TrimSpace(cfg.Git.LocalPath)
		if local == "" {
			base := util.WritablePath()
			if base == "" {
				dir, err := util.ResolveDir(cfg.Dir)
				if err != nil {
					return nil, fmt.Errorf("git store: %w", err)
				}
				base = filepath.Dir(dir)
			}
			local = filepath.Join(base, "gitstore")
		}
		local, err := util.ResolveDir(local)
		if err != nil {
			return nil, fmt.Errorf("git store: %w", err)
		}
		return NewGitStore(GitStoreConfig{
			RemoteURL: cfg.Git.RemoteURL,
			Username:  cfg.Git.Username,
			Password:  cfg.Git.Password,
			LocalPath: local,
		})
	case TypeRedis:
		return NewRedisStore(ctx, RedisStoreConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("secret store: unknown backend %q", typ)
	}
}
