package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"
	"time"
)

func testSigningKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate rsa key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func testSigner(t *testing.T, keyID string) *AccessTokenSigner {
	t.Helper()
	signer, err := NewAccessTokenSigner(keyID, testSigningKeyPEM(t), 0)
	if err != nil {
		t.Fatalf("NewAccessTokenSigner() error = %v", err)
	}
	return signer
}

func TestAccessTokenMintAndVerify(t *testing.T) {
	signer := testSigner(t, "d-key1")
	verifier := NewAccessTokenVerifierForSigner(signer)

	sessionData := map[string]any{
		"version": "1",
		"email":   "user@example.com",
	}
	minted, err := signer.Mint("user-1", "session-1", sessionData, SHA256Hex("raw-token"), "")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	if got, want := minted.ExpiresAt.Sub(minted.IssuedAt), DefaultAccessTokenTTL; got != want {
		t.Errorf("token lifetime = %v, want %v", got, want)
	}

	claims, err := verifier.Verify(minted.Token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims["sub"] != "user-1" {
		t.Errorf("sub = %v, want user-1", claims["sub"])
	}
	if claims["sessionHandle"] != "session-1" {
		t.Errorf("sessionHandle = %v, want session-1", claims["sessionHandle"])
	}
	if claims["refreshTokenHash1"] != SHA256Hex("raw-token") {
		t.Errorf("refreshTokenHash1 = %v, want hash of raw token", claims["refreshTokenHash1"])
	}
	if claims["email"] != "user@example.com" {
		t.Errorf("session data claim email = %v, want user@example.com", claims["email"])
	}
	if _, ok := claims["parentRefreshTokenHash1"]; ok {
		t.Error("parentRefreshTokenHash1 present on first token of chain")
	}
}

func TestAccessTokenKidHeader(t *testing.T) {
	signer := testSigner(t, "d-key2")

	minted, err := signer.Mint("user-1", "session-1", nil, SHA256Hex("raw"), "")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	headerSegment := strings.Split(minted.Token, ".")[0]
	raw, err := base64.RawURLEncoding.DecodeString(headerSegment)
	if err != nil {
		t.Fatalf("failed to decode token header: %v", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		t.Fatalf("failed to parse token header: %v", err)
	}
	if header.Alg != "RS256" {
		t.Errorf("alg = %q, want RS256", header.Alg)
	}
	if header.Kid != "d-key2" {
		t.Errorf("kid = %q, want d-key2", header.Kid)
	}
}

func TestAccessTokenKeyRotation(t *testing.T) {
	oldSigner := testSigner(t, "d-old")
	newSigner := testSigner(t, "d-new")

	oldToken, err := oldSigner.Mint("user-1", "session-1", nil, SHA256Hex("raw"), "")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	newToken, err := newSigner.Mint("user-1", "session-1", nil, SHA256Hex("raw"), "")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	// Verifier holding both public keys accepts tokens from either era.
	verifier := NewAccessTokenVerifierForSigner(newSigner)
	verifier.AddKey(oldSigner.KeyID(), oldSigner.PublicKey())

	if _, err := verifier.Verify(oldToken.Token); err != nil {
		t.Errorf("Verify(old token) error = %v", err)
	}
	if _, err := verifier.Verify(newToken.Token); err != nil {
		t.Errorf("Verify(new token) error = %v", err)
	}

	// Verifier holding only the new key rejects the old era.
	newOnly := NewAccessTokenVerifierForSigner(newSigner)
	if _, err := newOnly.Verify(oldToken.Token); err == nil {
		t.Error("Verify(old token) without old key succeeded, want error")
	}
}

func TestAccessTokenWrongKeyRejected(t *testing.T) {
	signer := testSigner(t, "d-key1")
	other := testSigner(t, "d-key1")

	minted, err := signer.Mint("user-1", "session-1", nil, SHA256Hex("raw"), "")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	// Same kid, different key pair: signature must fail.
	verifier := NewAccessTokenVerifierForSigner(other)
	if _, err := verifier.Verify(minted.Token); err == nil {
		t.Error("Verify() with mismatched key succeeded, want error")
	}
}

func TestEncodeFrontToken(t *testing.T) {
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	encoded, err := EncodeFrontToken("user-1", expiry, map[string]any{"email": "user@example.com"})
	if err != nil {
		t.Fatalf("EncodeFrontToken() error = %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("front token is not base64: %v", err)
	}
	var decoded FrontToken
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("front token is not json: %v", err)
	}
	if decoded.UID != "user-1" {
		t.Errorf("uid = %q, want user-1", decoded.UID)
	}
	if decoded.ATE != expiry.UnixMilli() {
		t.Errorf("ate = %d, want %d", decoded.ATE, expiry.UnixMilli())
	}
	if decoded.UP["email"] != "user@example.com" {
		t.Errorf("up.email = %v, want user@example.com", decoded.UP["email"])
	}
}

func TestEncodeFrontTokenNilPayload(t *testing.T) {
	encoded, err := EncodeFrontToken("user-1", time.Now(), nil)
	if err != nil {
		t.Fatalf("EncodeFrontToken() error = %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(encoded)
	if !strings.Contains(string(raw), `"up":{}`) {
		t.Errorf("nil payload should encode as empty object, got %s", raw)
	}
}
