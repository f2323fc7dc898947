package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RefreshTokenVersion is the version segment of the current refresh-token
// wire format. Tokens carrying any other version are rejected as malformed.
const RefreshTokenVersion = "V2"

// Refresh-token parse failures, ordered by parse step. Callers treat all
// of them as terminal: clear cookies and demand re-authentication.
var (
	// ErrInvalidFormat indicates the token string is malformed or carries
	// an unknown version segment.
	ErrInvalidFormat = errors.New("refresh token has invalid format")

	// ErrInvalidPayload indicates the envelope failed to decrypt or the
	// decrypted payload did not match the expected shape.
	ErrInvalidPayload = errors.New("refresh token has invalid payload")

	// ErrInvalidNonce indicates the nonce inside the envelope does not
	// match the outer nonce segment. This binding prevents splicing one
	// token's ciphertext into another token's wrapper.
	ErrInvalidNonce = errors.New("refresh token nonce mismatch")
)

// RefreshTokenPayload is the plaintext carried inside the encrypted
// envelope. The token itself is never persisted; the session row only
// stores sha256(sha256(token)).
type RefreshTokenPayload struct {
	SessionHandle           string `json:"sessionHandle"`
	UserID                  string `json:"userId"`
	Nonce                   string `json:"nonce"`
	ParentRefreshTokenHash1 string `json:"parentRefreshTokenHash1,omitempty"`
}

// NewRefreshToken mints a refresh token for the given session. parentHash1
// is sha256(previous raw token) when rotating, or empty for the first token
// of a session. The wire format is base64(envelope) + "." + nonce + "." + version.
func NewRefreshToken(masterKey []byte, sessionHandle, userID, parentHash1 string) (string, error) {
	nonce := SHA256Hex(uuid.NewString())

	payload, err := json.Marshal(RefreshTokenPayload{
		SessionHandle:           sessionHandle,
		UserID:                  userID,
		Nonce:                   nonce,
		ParentRefreshTokenHash1: parentHash1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh token payload: %w", err)
	}

	envelope, err := EncryptEnvelope(payload, masterKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt refresh token payload: %w", err)
	}

	return envelope + "." + nonce + "." + RefreshTokenVersion, nil
}

// ParseRefreshToken validates and decrypts a presented refresh token.
// Failures map onto exactly one of ErrInvalidFormat, ErrInvalidPayload,
// or ErrInvalidNonce depending on which parse step rejected the token.
func ParseRefreshToken(masterKey []byte, token string) (*RefreshTokenPayload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidFormat
	}
	envelope, nonce, version := parts[0], parts[1], parts[2]

	if version != RefreshTokenVersion {
		return nil, fmt.Errorf("%w: unknown version %q", ErrInvalidFormat, version)
	}

	plaintext, err := DecryptEnvelope(envelope, masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var payload RefreshTokenPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.SessionHandle == "" || payload.UserID == "" || payload.Nonce == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalidPayload)
	}

	if payload.Nonce != nonce {
		return nil, ErrInvalidNonce
	}

	return &payload, nil
}
