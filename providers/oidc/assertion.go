package oidc

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// clientAssertionType is the grant parameter value for private_key_jwt
// client authentication (RFC 7523).
const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionLifetime is how long a signed client assertion stays valid.
// Assertions are single-purpose, so the window is kept short.
const assertionLifetime = 5 * time.Minute

// assertionSigner mints RS256 client assertions for the token endpoint.
type assertionSigner struct {
	clientID      string
	tokenEndpoint string
	key           *rsa.PrivateKey
	now           func() time.Time
}

func newAssertionSigner(clientID, tokenEndpoint string, pemKey []byte) (*assertionSigner, error) {
	if len(pemKey) == 0 {
		return nil, fmt.Errorf("assertion key is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
	}
	return &assertionSigner{
		clientID:      clientID,
		tokenEndpoint: tokenEndpoint,
		key:           key,
		now:           time.Now,
	}, nil
}

// Sign produces a fresh client assertion. The issuer and subject are
// both the client ID, the audience is the token endpoint, and each
// assertion carries a unique jti.
func (s *assertionSigner) Sign() (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.tokenEndpoint,
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
		"jti": uuid.NewString(),
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}
