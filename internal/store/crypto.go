package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const encPrefix = "enc:"

// aead is the AES-256-GCM authenticated cipher used for every
// encrypted field. Ciphertext is opaque but self-describing: it is
// "enc:" followed by base64(nonce || sealed payload), so a decrypt
// failure in one row never requires guessing the nonce length of
// another.
type aead struct {
	key []byte
}

func newAEAD(key []byte) (*aead, error) {
	if len(key) != 32 {
		return nil, errors.New("store: encryption key must be 32 bytes")
	}
	return &aead{key: key}, nil
}

// encryptString encrypts plaintext, returning "" unchanged (no point
// encrypting an absent field).
func (a *aead) encryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return "", fmt.Errorf("store: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("store: create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("store: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// decryptString reverses encryptString. Values without the "enc:"
// prefix pass through unchanged, which lets the migration in init()
// detect legacy plaintext rows.
func (a *aead) decryptString(ciphertext string) (string, error) {
	if !isEncrypted(ciphertext) {
		return ciphertext, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", fmt.Errorf("store: decode base64: %w", err)
	}
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return "", fmt.Errorf("store: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("store: create gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("store: ciphertext too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("store: decrypt: %w", err)
	}
	return string(plaintext), nil
}

func isEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// looksLikePlaintextJSON reports whether a stored field is plaintext
// JSON that escaped encryption — the migration bug called out in
// spec §3/§4.1, detected by a leading '{' once the enc: prefix test
// fails.
func looksLikePlaintextJSON(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed != "" && !isEncrypted(trimmed) && strings.HasPrefix(trimmed, "{")
}

// DeriveKey derives a 32-byte AES-256 key from an arbitrary passphrase
// via SHA-256, matching the derivation used across the example corpus
// for passphrase-to-key expansion.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("store: master key passphrase must not be empty")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:], nil
}
