package authkit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"
)

var (
	testKeyOnce sync.Once
	testKeyPEM  []byte
)

// testSigningKeyPEM generates one RSA keypair shared by all tests.
func testSigningKeyPEM(t *testing.T) []byte {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("failed to generate RSA key: %v", err)
		}
		testKeyPEM = pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
	})
	if testKeyPEM == nil {
		t.Fatal("signing key generation failed in an earlier test")
	}
	return testKeyPEM
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		AppURL:        "https://app.example.com",
		MasterKey:     []byte("test-master-key"),
		SigningKeyID:  "test-key-1",
		SigningKeyPEM: testSigningKeyPEM(t),
	}
}

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return s
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing app URL", func(c *Config) { c.AppURL = "" }},
		{"relative app URL", func(c *Config) { c.AppURL = "/app" }},
		{"bad app URL scheme", func(c *Config) { c.AppURL = "ftp://app.example.com" }},
		{"missing master key", func(c *Config) { c.MasterKey = nil }},
		{"missing signing key id", func(c *Config) { c.SigningKeyID = "" }},
		{"missing signing key", func(c *Config) { c.SigningKeyPEM = nil }},
		{"garbage signing key", func(c *Config) { c.SigningKeyPEM = []byte("not a key") }},
		{"zero rate limit", func(c *Config) {
			c.RateLimit = &RateLimitConfig{Limit: 0, Window: time.Minute}
		}},
		{"negative rate window", func(c *Config) {
			c.RateLimit = &RateLimitConfig{Limit: 5, Window: -time.Second}
		}},
		{"bad secrets key length", func(c *Config) { c.SecretsKey = []byte("short") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNewDefaultsToMemoryStores(t *testing.T) {
	s := newTestServer(t, nil)

	if s.users == nil || s.states == nil || s.resetTokens == nil {
		t.Fatal("expected fallback stores to be wired")
	}
	if s.apiBasePath != DefaultAPIBasePath {
		t.Errorf("apiBasePath = %q, want %q", s.apiBasePath, DefaultAPIBasePath)
	}
	if s.resetTokenTTL != DefaultResetTokenTTL {
		t.Errorf("resetTokenTTL = %v, want %v", s.resetTokenTTL, DefaultResetTokenTTL)
	}
}

func TestSignUpAndSignIn(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	tokens, resp := s.SignUp(ctx, SignUpRequest{
		Email:    "a@b.com",
		Password: "Str0ng!Pass1",
	}, "203.0.113.9")
	if resp.Status != StatusOK {
		t.Fatalf("sign up status = %q, want OK (message %q)", resp.Status, resp.Message)
	}
	if tokens == nil || tokens.RefreshToken == "" || tokens.AccessToken == nil {
		t.Fatal("expected a full token set on sign up")
	}
	if resp.User == nil || resp.User.Email != "a@b.com" {
		t.Fatalf("unexpected user in response: %+v", resp.User)
	}

	tokens, resp = s.SignIn(ctx, SignInRequest{Email: "a@b.com", Password: "Str0ng!Pass1"}, "203.0.113.9")
	if resp.Status != StatusOK || tokens == nil {
		t.Fatalf("sign in status = %q, want OK", resp.Status)
	}

	// Email matching is case-insensitive.
	_, resp = s.SignIn(ctx, SignInRequest{Email: "A@B.com", Password: "Str0ng!Pass1"}, "")
	if resp.Status != StatusOK {
		t.Errorf("case-insensitive sign in status = %q, want OK", resp.Status)
	}
}

func TestSignUpFieldValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tokens, resp := s.SignUp(context.Background(), SignUpRequest{
		Email:    "not-an-email",
		Password: "short",
	}, "")
	if tokens != nil {
		t.Fatal("expected no tokens for invalid input")
	}
	if resp.Status != StatusFieldError {
		t.Fatalf("status = %q, want FIELD_ERROR", resp.Status)
	}
	if len(resp.FormFields) != 2 {
		t.Fatalf("expected 2 field errors, got %d", len(resp.FormFields))
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	if _, resp := s.SignUp(ctx, SignUpRequest{Email: "dup@b.com", Password: "Str0ng!Pass1"}, ""); resp.Status != StatusOK {
		t.Fatalf("first sign up failed: %q", resp.Status)
	}

	tokens, resp := s.SignUp(ctx, SignUpRequest{Email: "dup@b.com", Password: "An0therPass"}, "")
	if tokens != nil {
		t.Fatal("expected no tokens for duplicate email")
	}
	if resp.Status != StatusFieldError {
		t.Fatalf("status = %q, want FIELD_ERROR", resp.Status)
	}
	if len(resp.FormFields) != 1 || resp.FormFields[0].ID != "email" {
		t.Fatalf("expected a single error on the email field, got %+v", resp.FormFields)
	}
}

func TestSignInWrongCredentials(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	if _, resp := s.SignUp(ctx, SignUpRequest{Email: "w@b.com", Password: "Str0ng!Pass1"}, ""); resp.Status != StatusOK {
		t.Fatalf("sign up failed: %q", resp.Status)
	}

	tests := []struct {
		name string
		req  SignInRequest
	}{
		{"wrong password", SignInRequest{Email: "w@b.com", Password: "WrongPass99"}},
		{"unknown email", SignInRequest{Email: "nobody@b.com", Password: "Str0ng!Pass1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, resp := s.SignIn(context.Background(), tt.req, "")
			if tokens != nil {
				t.Fatal("expected no tokens")
			}
			if resp.Status != StatusWrongCredentials {
				t.Errorf("status = %q, want WRONG_CREDENTIALS_ERROR", resp.Status)
			}
		})
	}
}

// vetoProvisioner rejects every provisioning request with a fixed error.
type vetoProvisioner struct{ err error }

func (v *vetoProvisioner) EnsureUserExists(ctx context.Context, req ProvisionRequest) (string, error) {
	return "", v.err
}

// recordingProvisioner captures the request and maps identity ids to a
// fixed platform id.
type recordingProvisioner struct {
	mu         sync.Mutex
	last       ProvisionRequest
	platformID string
}

func (r *recordingProvisioner) EnsureUserExists(ctx context.Context, req ProvisionRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = req
	return r.platformID, nil
}

func TestProvisionerVeto(t *testing.T) {
	t.Run("sign up not allowed", func(t *testing.T) {
		s := newTestServer(t, func(c *Config) {
			c.Provisioner = &vetoProvisioner{err: ErrSignUpNotAllowed}
		})
		tokens, resp := s.SignUp(context.Background(), SignUpRequest{Email: "v@b.com", Password: "Str0ng!Pass1"}, "")
		if tokens != nil {
			t.Fatal("expected no tokens")
		}
		if resp.Status != StatusSignUpNotAllowed {
			t.Errorf("status = %q, want SIGN_UP_NOT_ALLOWED", resp.Status)
		}
	})

	t.Run("sign in not allowed", func(t *testing.T) {
		s := newTestServer(t, nil)
		ctx := context.Background()
		if _, resp := s.SignUp(ctx, SignUpRequest{Email: "v2@b.com", Password: "Str0ng!Pass1"}, ""); resp.Status != StatusOK {
			t.Fatalf("sign up failed: %q", resp.Status)
		}

		s.provisioner = &vetoProvisioner{err: ErrSignInNotAllowed}
		tokens, resp := s.SignIn(ctx, SignInRequest{Email: "v2@b.com", Password: "Str0ng!Pass1"}, "")
		if tokens != nil {
			t.Fatal("expected no tokens")
		}
		if resp.Status != StatusSignInNotAllowed {
			t.Errorf("status = %q, want SIGN_IN_NOT_ALLOWED", resp.Status)
		}
	})
}

func TestProvisionerResolvesPlatformUser(t *testing.T) {
	prov := &recordingProvisioner{platformID: "platform-7"}
	s := newTestServer(t, func(c *Config) { c.Provisioner = prov })

	tokens, resp := s.SignUp(context.Background(), SignUpRequest{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@b.com",
		Password:  "Str0ng!Pass1",
	}, "")
	if resp.Status != StatusOK {
		t.Fatalf("sign up failed: %q", resp.Status)
	}

	if prov.last.Email != "ada@b.com" || prov.last.FirstName != "Ada" || prov.last.LastName != "Lovelace" {
		t.Errorf("provisioner saw %+v", prov.last)
	}
	if got := tokens.AccessToken.Claims["userId"]; got != "platform-7" {
		t.Errorf("access token userId claim = %v, want platform-7", got)
	}
	if got := tokens.AccessToken.Claims["identityUserId"]; got != prov.last.IdentityUserID {
		t.Errorf("access token identityUserId claim = %v, want %q", got, prov.last.IdentityUserID)
	}
}

func TestRefreshRotation(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	tokens, resp := s.SignUp(ctx, SignUpRequest{Email: "r@b.com", Password: "Str0ng!Pass1"}, "")
	if resp.Status != StatusOK {
		t.Fatalf("sign up failed: %q", resp.Status)
	}
	first := tokens.RefreshToken

	rotated, err := s.Refresh(ctx, first, "")
	if err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	if rotated.RefreshToken == first {
		t.Fatal("refresh returned the same token")
	}

	// Replaying the consumed token must fail closed.
	if _, err := s.Refresh(ctx, first, ""); err == nil {
		t.Fatal("expected replayed refresh token to be rejected")
	}

	// The rotated token still works.
	if _, err := s.Refresh(ctx, rotated.RefreshToken, ""); err != nil {
		t.Fatalf("second rotation failed: %v", err)
	}
}

func TestSignOutRevokesSession(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	tokens, resp := s.SignUp(ctx, SignUpRequest{Email: "o@b.com", Password: "Str0ng!Pass1"}, "")
	if resp.Status != StatusOK {
		t.Fatalf("sign up failed: %q", resp.Status)
	}

	s.SignOut(ctx, tokens.SessionHandle, tokens.UserID, "")

	if _, err := s.Refresh(ctx, tokens.RefreshToken, ""); err == nil {
		t.Fatal("expected refresh after sign-out to fail")
	}
}

// captureScheduler records scheduled tasks.
type captureScheduler struct {
	mu    sync.Mutex
	tasks []struct {
		kind    string
		payload map[string]any
	}
}

func (c *captureScheduler) Schedule(ctx context.Context, kind string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, struct {
		kind    string
		payload map[string]any
	}{kind, payload})
	return nil
}

func (c *captureScheduler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *captureScheduler) lastToken(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tasks) == 0 {
		t.Fatal("no task was scheduled")
	}
	last := c.tasks[len(c.tasks)-1]
	if last.kind != TaskPasswordResetEmail {
		t.Fatalf("task kind = %q, want %q", last.kind, TaskPasswordResetEmail)
	}
	token, _ := last.payload["token"].(string)
	if token == "" {
		t.Fatal("scheduled task carries no token")
	}
	return token
}

func TestPasswordResetFlow(t *testing.T) {
	sched := &captureScheduler{}
	s := newTestServer(t, func(c *Config) { c.Scheduler = sched })
	ctx := context.Background()

	if _, resp := s.SignUp(ctx, SignUpRequest{Email: "p@b.com", Password: "OldPass123"}, ""); resp.Status != StatusOK {
		t.Fatalf("sign up failed: %q", resp.Status)
	}

	if resp := s.RequestPasswordReset(ctx, "p@b.com", ""); resp.Status != StatusOK {
		t.Fatalf("reset request status = %q, want OK", resp.Status)
	}
	token := sched.lastToken(t)

	if resp := s.ResetPassword(ctx, token, "NewPass456", ""); resp.Status != StatusOK {
		t.Fatalf("reset status = %q, want OK", resp.Status)
	}

	// Old password is gone, new one works.
	if _, resp := s.SignIn(ctx, SignInRequest{Email: "p@b.com", Password: "OldPass123"}, ""); resp.Status != StatusWrongCredentials {
		t.Errorf("old password still accepted: %q", resp.Status)
	}
	if _, resp := s.SignIn(ctx, SignInRequest{Email: "p@b.com", Password: "NewPass456"}, ""); resp.Status != StatusOK {
		t.Errorf("new password rejected: %q", resp.Status)
	}

	// Tokens are single use.
	if resp := s.ResetPassword(ctx, token, "ThirdPass789", ""); resp.Status != StatusResetInvalidToken {
		t.Errorf("reused token status = %q, want RESET_PASSWORD_INVALID_TOKEN_ERROR", resp.Status)
	}
}

func TestPasswordResetUnknownEmailNoEnumeration(t *testing.T) {
	sched := &captureScheduler{}
	s := newTestServer(t, func(c *Config) { c.Scheduler = sched })

	resp := s.RequestPasswordReset(context.Background(), "ghost@b.com", "")
	if resp.Status != StatusOK {
		t.Fatalf("status = %q, want OK regardless of account existence", resp.Status)
	}
	if sched.count() != 0 {
		t.Error("no email task should be scheduled for an unknown address")
	}
}

func TestResetPasswordWeakPassword(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.ResetPassword(context.Background(), "whatever", "short", "")
	if resp.Status != StatusFieldError {
		t.Fatalf("status = %q, want FIELD_ERROR", resp.Status)
	}
	if len(resp.FormFields) != 1 || resp.FormFields[0].ID != "password" {
		t.Fatalf("expected password field error, got %+v", resp.FormFields)
	}
}

func TestResetPasswordUnknownToken(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.ResetPassword(context.Background(), "no-such-token", "NewPass456", "")
	if resp.Status != StatusResetInvalidToken {
		t.Fatalf("status = %q, want RESET_PASSWORD_INVALID_TOKEN_ERROR", resp.Status)
	}
}

func TestValidPassword(t *testing.T) {
	tests := []struct {
		password string
		want     bool
	}{
		{"Str0ng!Pass1", true},
		{"abcdefg1", true},
		{"short1", false},
		{"longenoughbutnodigits", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := validPassword(tt.password); got != tt.want {
			t.Errorf("validPassword(%q) = %v, want %v", tt.password, got, tt.want)
		}
	}
}
