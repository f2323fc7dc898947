package google

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/schemahub/authkit/providers"
)

func testProvider(t *testing.T) *Provider {
	t.Helper()

	p, err := New(&Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "https://app.example.com/auth-api/callback/google",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNewValidation(t *testing.T) {
	if _, err := New(&Config{ClientSecret: "secret"}); err == nil {
		t.Error("New() without client ID should fail")
	}
	if _, err := New(&Config{ClientID: "id"}); err == nil {
		t.Error("New() without client secret should fail")
	}
}

func TestAuthorizationURL(t *testing.T) {
	p := testProvider(t)

	url := p.AuthorizationURL("state-123", "challenge-abc", providers.PKCEMethodS256)

	for _, want := range []string{
		"https://accounts.google.com/o/oauth2/auth",
		"state=state-123",
		"code_challenge=challenge-abc",
		"code_challenge_method=S256",
		"scope=openid+email+profile",
	} {
		if !strings.Contains(url, want) {
			t.Errorf("AuthorizationURL() = %q, missing %q", url, want)
		}
	}
}

func TestFetchProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-token")
		}
		_, _ = w.Write([]byte(`{"id": "g-123", "email": "user@example.com", "verified_email": true, "name": "Test User"}`))
	}))
	defer server.Close()

	p := testProvider(t)
	p.httpClient = server.Client()
	p.userinfoURL = server.URL

	profile, err := p.FetchProfile(context.Background(), "test-token")
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if profile.SubjectID != "g-123" {
		t.Errorf("SubjectID = %q, want %q", profile.SubjectID, "g-123")
	}
	if profile.Email != "user@example.com" {
		t.Errorf("Email = %q, want %q", profile.Email, "user@example.com")
	}
	if !profile.EmailVerified {
		t.Error("EmailVerified = false, want true")
	}
}

func TestFetchProfileErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusBadGateway, "upstream down", providers.ErrProfileStatus},
		{"not JSON", http.StatusOK, "not json at all", providers.ErrProfileNotJSON},
		{"missing email", http.StatusOK, `{"id": "g-123"}`, providers.ErrProfileMissingClaims},
		{"missing id", http.StatusOK, `{"email": "user@example.com"}`, providers.ErrProfileMissingClaims},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := testProvider(t)
			p.httpClient = server.Client()
			p.userinfoURL = server.URL

			_, err := p.FetchProfile(context.Background(), "test-token")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("FetchProfile() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
