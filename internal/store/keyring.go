package store

import (
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
)

// KeyProvider is the abstract boundary to the host OS keyring, which
// is an external collaborator out of scope for the core (spec §1).
// The core only ever asks a KeyProvider for the 32-byte master key; it
// never speaks to a keyring API directly.
type KeyProvider interface {
	MasterKey() ([]byte, error)
}

// EnvOrFileKeyProvider is the local default used when no OS keyring is
// wired in: it reads CLIPROXY_MASTER_KEY if set, otherwise reads the
// 32-byte key in authDir/master.key, generating and persisting a new
// random key there when the file is missing or not 32 bytes. This exists
// purely so the gateway can run standalone; a desktop build would
// supply a real keyring-backed KeyProvider instead.
type EnvOrFileKeyProvider struct {
	EnvVar   string
	KeyPath  string
}

// NewEnvOrFileKeyProvider returns a provider rooted at authDir.
func NewEnvOrFileKeyProvider(authDir string) *EnvOrFileKeyProvider {
	return &EnvOrFileKeyProvider{
		EnvVar:  "CLIPROXY_MASTER_KEY",
		KeyPath: filepath.Join(authDir, "master.key"),
	}
}

func (p *EnvOrFileKeyProvider) MasterKey() ([]byte, error) {
	if v := os.Getenv(p.EnvVar); v != "" {
		return DeriveKey(v)
	}
	if raw, err := os.ReadFile(p.KeyPath); err == nil && len(raw) == 32 {
		return raw, nil
	} else if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p.KeyPath), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.KeyPath, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// StaticKeyProvider wraps an already-derived key, used in tests and by
// callers that already hold a keyring-sourced key.
type StaticKeyProvider struct {
	Key []byte
}

func (p StaticKeyProvider) MasterKey() ([]byte, error) {
	if len(p.Key) != 32 {
		return nil, errors.New("store: static key must be 32 bytes")
	}
	return p.Key, nil
}
