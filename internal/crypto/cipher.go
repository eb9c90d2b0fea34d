package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrDecryptionFailed is returned when a token cannot be opened with the
// given passphrase: wrong key, truncated token, or tampered ciphertext all
// look the same from the outside. Callers distinguish "wrong key" from
// other failures by this sentinel alone.
var ErrDecryptionFailed = errors.New("decryption failed")

const keyInfo = "skyflock-session-key-v1"

// deriveKey stretches an arbitrary-length passphrase into a 32-byte AES key.
func deriveKey(passphrase string) ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under the passphrase with AES-256-GCM and returns
// a transport-safe token of base64(nonce || ciphertext). Every call draws a
// fresh random nonce.
func Encrypt(plaintext, passphrase string) (string, error) {
	key, err := deriveKey(passphrase)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a token produced by Encrypt. Any failure past key derivation
// is reported as ErrDecryptionFailed.
func Decrypt(token, passphrase string) (string, error) {
	key, err := deriveKey(passphrase)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrDecryptionFailed
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}
