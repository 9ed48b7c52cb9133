// Package secrets resolves credentials that are stored encrypted in the
// environment as ENC[vN]:base64(nonce+ciphertext) using AES-256-GCM.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	keySize   = 32
	nonceSize = 12

	// KeyEnv is the base name of the master key variables. Version 1 reads
	// KeyEnv itself, version N reads KeyEnv_VN.
	KeyEnv = "MASTER_ENCRYPTION_KEY"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrKeyNotFound       = errors.New("encryption key not found")
)

// IsSealed reports whether value carries the ENC[vN]: prefix.
func IsSealed(value string) bool {
	return version(value) > 0
}

// Resolve returns plain values unchanged and decrypts sealed ones with the
// master key version named in the prefix.
func Resolve(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	key, err := loadKey(version(value))
	if err != nil {
		return "", err
	}
	return Open(key, value)
}

// Seal encrypts plaintext with key and tags it with the given key version.
func Seal(key []byte, ver int, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", ver, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a value produced by Seal.
func Open(key []byte, value string) (string, error) {
	idx := strings.Index(value, "]:")
	if !IsSealed(value) || idx == -1 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(value[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func loadKey(ver int) ([]byte, error) {
	name := KeyEnv
	if ver > 1 {
		name = fmt.Sprintf("%s_V%d", KeyEnv, ver)
	}
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", name, err)
	}
	return key, nil
}

func version(value string) int {
	if !strings.HasPrefix(value, "ENC[v") {
		return 0
	}
	var v int
	if _, err := fmt.Sscanf(value, "ENC[v%d]:", &v); err != nil || v <= 0 {
		return 0
	}
	return v
}
