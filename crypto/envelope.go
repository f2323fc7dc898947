package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// envelopeIVSize is the AES-GCM nonce length. The IV doubles as the
	// PBKDF2 salt, so no separate salt needs to be stored or transported.
	envelopeIVSize = 12

	// envelopeTagSize is the GCM authentication tag length.
	envelopeTagSize = 16

	// envelopeKeySize is the derived AES-256 key length.
	envelopeKeySize = 32

	// envelopeKDFIterations is the PBKDF2-HMAC-SHA512 iteration count.
	// The master key is already high-entropy random material, so the KDF
	// only needs to bind the per-message key to the IV, not to stretch a
	// weak passphrase.
	envelopeKDFIterations = 100
)

// EncryptEnvelope encrypts plaintext under a per-message key derived from
// masterKey. A random 12-byte IV is generated, a 32-byte AES key is derived
// via PBKDF2-HMAC-SHA512 with the IV as salt, and the plaintext is sealed
// with AES-256-GCM. The result is base64(IV || ciphertext || tag).
func EncryptEnvelope(plaintext, masterKey []byte) (string, error) {
	if len(masterKey) == 0 {
		return "", fmt.Errorf("master key is required")
	}

	iv := make([]byte, envelopeIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	gcm, err := envelopeCipher(masterKey, iv)
	if err != nil {
		return "", err
	}

	// Seal appends ciphertext+tag to the IV, producing IV||ciphertext||tag.
	sealed := gcm.Seal(iv, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptEnvelope reverses EncryptEnvelope. The IV is read from the front
// of the decoded payload and the per-message key is re-derived from it, so
// decryption is deterministic given the same master key.
func DecryptEnvelope(encoded string, masterKey []byte) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key is required")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 envelope: %w", err)
	}
	if len(raw) < envelopeIVSize+envelopeTagSize {
		return nil, fmt.Errorf("envelope too short")
	}

	iv, sealed := raw[:envelopeIVSize], raw[envelopeIVSize:]

	gcm, err := envelopeCipher(masterKey, iv)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt envelope: %w", err)
	}
	return plaintext, nil
}

// envelopeCipher derives the per-message key from masterKey and iv and
// returns an AEAD ready for Seal/Open with that iv as nonce.
func envelopeCipher(masterKey, iv []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(masterKey, iv, envelopeKDFIterations, envelopeKeySize, sha512.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
