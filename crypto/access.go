package crypto

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAccessTokenTTL is how long minted access tokens stay valid.
const DefaultAccessTokenTTL = 6 * time.Hour

// AccessToken is a freshly minted, signed access token together with the
// claims that went into it. The decoded claims are reused for the
// front-token hint so clients never have to parse the signed token.
type AccessToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    jwt.MapClaims
}

// AccessTokenSigner mints RS256 access tokens. The private key is loaded
// once at construction; the key id travels in the token header so
// verifiers can select the matching public key during rotation.
type AccessTokenSigner struct {
	keyID string
	key   *rsa.PrivateKey
	ttl   time.Duration
}

// NewAccessTokenSigner parses a PEM-encoded RSA private key and returns a
// signer that stamps keyID into every token header. A zero ttl selects
// DefaultAccessTokenTTL.
func NewAccessTokenSigner(keyID string, pemKey []byte, ttl time.Duration) (*AccessTokenSigner, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &AccessTokenSigner{keyID: keyID, key: key, ttl: ttl}, nil
}

// KeyID returns the key id stamped into minted tokens.
func (s *AccessTokenSigner) KeyID() string {
	return s.keyID
}

// PublicKey returns the public half of the signing key, for seeding a
// verifier with the current key.
func (s *AccessTokenSigner) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// Mint signs an access token bound to one point of a session's refresh
// rotation chain. sessionData claims are merged in last so the session
// payload fields are readable straight off the token.
func (s *AccessTokenSigner) Mint(
	subject string,
	sessionHandle string,
	sessionData map[string]any,
	refreshTokenHash1 string,
	parentRefreshTokenHash1 string,
) (*AccessToken, error) {
	now := time.Now()
	expiresAt := now.Add(s.ttl)

	claims := jwt.MapClaims{
		"iat":               now.Unix(),
		"exp":               expiresAt.Unix(),
		"sub":               subject,
		"tId":               "public",
		"rsub":              subject,
		"sessionHandle":     sessionHandle,
		"refreshTokenHash1": refreshTokenHash1,
		"antiCsrfToken":     nil,
	}
	if parentRefreshTokenHash1 != "" {
		claims["parentRefreshTokenHash1"] = parentRefreshTokenHash1
	}
	for k, v := range sessionData {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &AccessToken{
		Token:     signed,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		Claims:    claims,
	}, nil
}

// AccessTokenVerifier verifies RS256 access tokens against a set of public
// keys selected by the kid header. Keeping superseded public keys in the
// set lets tokens signed before a rotation verify until they expire.
type AccessTokenVerifier struct {
	keys map[string]*rsa.PublicKey
}

// NewAccessTokenVerifier builds a verifier from PEM-encoded public keys
// keyed by key id.
func NewAccessTokenVerifier(pemKeys map[string][]byte) (*AccessTokenVerifier, error) {
	if len(pemKeys) == 0 {
		return nil, fmt.Errorf("at least one verification key is required")
	}
	keys := make(map[string]*rsa.PublicKey, len(pemKeys))
	for kid, pemKey := range pemKeys {
		key, err := jwt.ParseRSAPublicKeyFromPEM(pemKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse verification key %q: %w", kid, err)
		}
		keys[kid] = key
	}
	return &AccessTokenVerifier{keys: keys}, nil
}

// NewAccessTokenVerifierForSigner returns a verifier that accepts tokens
// minted by the given signer. Additional rotation keys can be added with
// AddKey.
func NewAccessTokenVerifierForSigner(signer *AccessTokenSigner) *AccessTokenVerifier {
	return &AccessTokenVerifier{
		keys: map[string]*rsa.PublicKey{signer.KeyID(): signer.PublicKey()},
	}
}

// AddKey registers an additional verification key. Intended for retaining
// the previous public key across a signing-key rotation; not safe for
// concurrent use with Verify.
func (v *AccessTokenVerifier) AddKey(kid string, key *rsa.PublicKey) {
	v.keys[kid] = key
}

// Verify checks the signature, pins the algorithm to RS256, and validates
// expiry. The kid header selects the verification key.
func (v *AccessTokenVerifier) Verify(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("access token verification failed: %w", err)
	}
	return claims, nil
}
