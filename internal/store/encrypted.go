package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	saltKey   = "secretbox_salt"
	saltSize  = 16
	nonceSize = 24
	keySize   = 32
)

// scrypt cost parameters; see golang.org/x/crypto/scrypt for recommendations.
var (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var errDecrypt = errors.New("decryption failed")

// EncryptedStore seals values with NaCl secretbox before handing them to an
// inner Store. The key is derived from a passphrase with scrypt; the salt lives
// in the inner store next to the sealed values.
type EncryptedStore struct {
	inner Store
	key   [keySize]byte
}

// NewEncryptedStore wraps inner with passphrase based encryption.
func NewEncryptedStore(ctx context.Context, inner Store, passphrase string) (*EncryptedStore, error) {
	if inner == nil {
		return nil, fmt.Errorf("encrypted store: inner store is nil")
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("encrypted store: passphrase is required")
	}

	salt, err := loadOrCreateSalt(ctx, inner)
	if err != nil {
		return nil, err
	}
	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("encrypted store: derive key: %w", err)
	}

	s := &EncryptedStore{inner: inner}
	copy(s.key[:], derived)
	return s, nil
}

func loadOrCreateSalt(ctx context.Context, inner Store) ([]byte, error) {
	encoded, ok, err := inner.Get(ctx, saltKey)
	if err != nil {
		return nil, fmt.Errorf("encrypted store: read salt: %w", err)
	}
	if ok {
		salt, errDecode := base64.StdEncoding.DecodeString(encoded)
		if errDecode != nil || len(salt) != saltSize {
			return nil, fmt.Errorf("encrypted store: stored salt is corrupt")
		}
		return salt, nil
	}

	salt := make([]byte, saltSize)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("encrypted store: generate salt: %w", err)
	}
	if err = inner.Set(ctx, saltKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("encrypted store: persist salt: %w", err)
	}
	return salt, nil
}

func (s *EncryptedStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkKey(key); err != nil {
		return "", false, err
	}
	sealed, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	plain, err := s.open(sealed)
	if err != nil {
		return "", false, fmt.Errorf("encrypted store: %s: %w", key, err)
	}
	return plain, true, nil
}

func (s *EncryptedStore) Set(ctx context.Context, key, value string) error {
	if err := s.checkKey(key); err != nil {
		return err
	}
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *EncryptedStore) Delete(ctx context.Context, key string) error {
	if err := s.checkKey(key); err != nil {
		return err
	}
	return s.inner.Delete(ctx, key)
}

// Close closes the inner store.
func (s *EncryptedStore) Close() error {
	return Close(s.inner)
}

func (s *EncryptedStore) checkKey(key string) error {
	if err := validateKey(TypeEncrypted, key); err != nil {
		return err
	}
	if key == saltKey {
		return fmt.Errorf("encrypted store: key %q is reserved", key)
	}
	return nil
}

func (s *EncryptedStore) seal(value string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("encrypted store: generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

func (s *EncryptedStore) open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", errDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", errDecrypt
	}
	return string(plain), nil
}
