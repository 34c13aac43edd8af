// Package crypto derives the admin app's keys from one master secret and
// seals small secrets (TOTP seeds) stored inside the database.
//
// Keys are derived with HKDF-SHA256 under a purpose label; sealed values are
// AES-256-GCM with a random nonce prepended.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of every derived key in bytes (256 bits).
	KeySize = 32

	// NonceSize is the size of the AES-GCM nonce in bytes (96 bits).
	NonceSize = 12

	tagSize = 16
)

// Purpose labels for derived keys.
const (
	PurposeDatabase = "rcadmin:database:v1"
	PurposeSecrets  = "rcadmin:secrets:v1"
)

// DeriveKey derives a KeySize key for purpose from masterKey.
func DeriveKey(masterKey []byte, purpose string) []byte {
	r := hkdf.New(sha256.New, masterKey, nil, []byte(purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF only fails past 255*hash-size bytes of output.
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return key
}

// GenerateKey returns KeySize random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext. Output: nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+tagSize {
		return nil, fmt.Errorf("sealed value too short: got %d bytes, need at least %d", len(sealed), NonceSize+tagSize)
	}
	plain, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}

// SealString seals s and returns it base64 encoded, for TEXT columns.
// The empty string stays empty.
func SealString(key []byte, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	sealed, err := Seal(key, []byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func OpenString(key []byte, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	sealed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	plain, err := Open(key, sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
