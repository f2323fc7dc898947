package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/schemahub/authkit/crypto"
	"github.com/schemahub/authkit/storage"
	"github.com/schemahub/authkit/storage/memory"
)

func testManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate rsa key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	signer, err := crypto.NewAccessTokenSigner("d-test", pemKey, 0)
	if err != nil {
		t.Fatalf("NewAccessTokenSigner() error = %v", err)
	}

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatalf("failed to generate master key: %v", err)
	}

	mgr, err := NewManager(Config{
		Store:     store,
		MasterKey: masterKey,
		Signer:    signer,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr, store
}

func testPayload() *Payload {
	return &Payload{
		IdentityUserID: "identity-1",
		UserID:         "user-1",
		Email:          "dev@example.com",
	}
}

func TestNewManagerValidation(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing store", cfg: Config{MasterKey: []byte("k")}},
		{name: "missing master key", cfg: Config{Store: store}},
		{name: "missing signer", cfg: Config{Store: store, MasterKey: []byte("k")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(tt.cfg); err == nil {
				t.Error("NewManager() succeeded, want error")
			}
		})
	}
}

func TestCreateSession(t *testing.T) {
	mgr, store := testManager(t)
	ctx := context.Background()

	tokens, err := mgr.Create(ctx, testPayload())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if tokens.SessionHandle == "" || tokens.RefreshToken == "" || tokens.FrontToken == "" {
		t.Errorf("Create() returned incomplete token set: %+v", tokens)
	}
	if tokens.UserID != "identity-1" {
		t.Errorf("UserID = %q, want identity-1", tokens.UserID)
	}

	record, err := store.GetSession(ctx, tokens.SessionHandle)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	wantHash := crypto.SHA256Hex(tokens.RefreshToken)
	if record.RefreshTokenHash2 != wantHash {
		t.Errorf("stored hash = %q, want single hash of the refresh token", record.RefreshTokenHash2)
	}

	if lifetime := record.ExpiresAt.Sub(record.CreatedAt); lifetime != DefaultSessionLifetime {
		t.Errorf("session lifetime = %v, want %v", lifetime, DefaultSessionLifetime)
	}

	if tokens.AccessToken.Claims["sessionHandle"] != tokens.SessionHandle {
		t.Errorf("access token sessionHandle = %v", tokens.AccessToken.Claims["sessionHandle"])
	}
	if tokens.AccessToken.Claims["email"] != "dev@example.com" {
		t.Errorf("access token missing merged payload claim")
	}
}

func TestCreateFrontToken(t *testing.T) {
	mgr, _ := testManager(t)

	tokens, err := mgr.Create(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(tokens.FrontToken)
	if err != nil {
		t.Fatalf("front token is not base64: %v", err)
	}
	var front crypto.FrontToken
	if err := json.Unmarshal(raw, &front); err != nil {
		t.Fatalf("front token is not json: %v", err)
	}
	if front.UID != "identity-1" {
		t.Errorf("front token uid = %q, want identity-1", front.UID)
	}
	if front.ATE != tokens.AccessToken.ExpiresAt.UnixMilli() {
		t.Errorf("front token ate = %d, want access token expiry", front.ATE)
	}
	if front.UP["sessionHandle"] != tokens.SessionHandle {
		t.Errorf("front token payload missing access token claims")
	}
}

func TestRefreshChainContinuity(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()

	t0, err := mgr.Create(ctx, testPayload())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t1, err := mgr.Refresh(ctx, t0.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh(T0) error = %v", err)
	}

	// T1 must carry the hash of T0 as its parent.
	payload, err := crypto.ParseRefreshToken(testMasterKeyOf(t, mgr), t1.RefreshToken)
	if err != nil {
		t.Fatalf("ParseRefreshToken(T1) error = %v", err)
	}
	if payload.ParentRefreshTokenHash1 != crypto.SHA256Hex(t0.RefreshToken) {
		t.Error("T1 parent hash does not point at T0")
	}

	// The chain keeps moving.
	if _, err := mgr.Refresh(ctx, t1.RefreshToken); err != nil {
		t.Fatalf("Refresh(T1) error = %v", err)
	}

	// A superseded token must never be accepted again.
	if _, err := mgr.Refresh(ctx, t0.RefreshToken); !errors.Is(err, ErrTokenSuperseded) {
		t.Errorf("Refresh(T0) after rotation error = %v, want ErrTokenSuperseded", err)
	}
}

func TestRefreshFirstTokenSingleUse(t *testing.T) {
	mgr, store := testManager(t)
	ctx := context.Background()

	t0, err := mgr.Create(ctx, testPayload())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := mgr.Refresh(ctx, t0.RefreshToken); err != nil {
		t.Fatalf("Refresh(T0) error = %v", err)
	}

	// Consuming T0 must move the stored anchor; otherwise the swap is a
	// no-op and T0 stays redeemable forever.
	record, err := store.GetSession(ctx, t0.SessionHandle)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if record.RefreshTokenHash2 == crypto.SHA256Hex(t0.RefreshToken) {
		t.Fatal("stored hash unchanged after the first refresh")
	}

	// The very first token of a chain is single use, same as every
	// rotated one.
	if _, err := mgr.Refresh(ctx, t0.RefreshToken); !errors.Is(err, ErrTokenSuperseded) {
		t.Errorf("second Refresh(T0) error = %v, want ErrTokenSuperseded", err)
	}
}

// testMasterKeyOf exposes the manager's key for token introspection in tests.
func testMasterKeyOf(t *testing.T, m *Manager) []byte {
	t.Helper()
	return m.masterKey
}

func TestRefreshDoesNotExtendExpiry(t *testing.T) {
	mgr, store := testManager(t)
	ctx := context.Background()

	t0, err := mgr.Create(ctx, testPayload())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	before, _ := store.GetSession(ctx, t0.SessionHandle)

	t1, err := mgr.Refresh(ctx, t0.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	after, _ := store.GetSession(ctx, t0.SessionHandle)

	if !after.ExpiresAt.Equal(before.ExpiresAt) {
		t.Error("refresh changed the session deadline")
	}
	if !t1.ExpiresAt.Equal(before.ExpiresAt) {
		t.Error("token set deadline differs from the session deadline")
	}
}

func TestRefreshExpiredSession(t *testing.T) {
	mgr, store := testManager(t)
	ctx := context.Background()

	t0, err := mgr.Create(ctx, testPayload())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Age the session past its deadline.
	record, _ := store.GetSession(ctx, t0.SessionHandle)
	if err := store.DeleteSession(ctx, t0.SessionHandle); err != nil {
		t.Fatal(err)
	}
	record.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.CreateSession(ctx, record); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Refresh(ctx, t0.RefreshToken); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Refresh(expired) error = %v, want ErrSessionExpired", err)
	}
}

func TestRefreshUnknownSession(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()

	t0, err := mgr.Create(ctx, testPayload())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.SignOut(ctx, t0.SessionHandle); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}

	if _, err := mgr.Refresh(ctx, t0.RefreshToken); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("Refresh(revoked) error = %v, want ErrSessionNotFound", err)
	}
}

func TestRefreshMalformedToken(t *testing.T) {
	mgr, _ := testManager(t)

	_, err := mgr.Refresh(context.Background(), "not-a-token")
	if !errors.Is(err, crypto.ErrInvalidFormat) {
		t.Errorf("Refresh(malformed) error = %v, want ErrInvalidFormat", err)
	}
	if !IsTerminal(err) {
		t.Error("malformed token error not classified terminal")
	}
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()

	t0, err := mgr.Create(ctx, testPayload())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const goroutines = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Refresh(ctx, t0.RefreshToken); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrTokenSuperseded) {
				t.Errorf("loser got unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("%d refreshes succeeded, want exactly 1", winners)
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "expired", err: ErrSessionExpired, want: true},
		{name: "superseded", err: ErrTokenSuperseded, want: true},
		{name: "not found", err: storage.ErrSessionNotFound, want: true},
		{name: "invalid format", err: crypto.ErrInvalidFormat, want: true},
		{name: "invalid nonce", err: crypto.ErrInvalidNonce, want: true},
		{name: "other", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}
