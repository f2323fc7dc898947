// Package providers defines the interface for federated identity providers
// and shared helpers for the authorize/exchange flow. Implementations cover
// GitHub, Google, Okta, and generic per-organization OIDC integrations.
package providers

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// DefaultScopes are requested when a provider configuration names none.
var DefaultScopes = []string{"openid", "email"}

// Profile is the normalized result of a provider's userinfo call. SubjectID
// is stable per provider; together with the provider name it identifies a
// federated identity.
type Profile struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	Name          string
}

// Provider is a federated identity provider. Implementations are safe for
// concurrent use; per-request state (PKCE verifier, OAuth state) lives in
// the state cache, not the provider.
type Provider interface {
	// Name returns the provider name (e.g. "github", "google", "okta",
	// "oidc").
	Name() string

	// AuthorizationURL builds the provider's authorize URL for a flow.
	// codeChallenge and codeChallengeMethod carry PKCE; pass empty strings
	// for providers that cannot accept it.
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string

	// ExchangeCode redeems an authorization code at the provider's token
	// endpoint. verifier is the PKCE code verifier held back from the
	// browser, empty if the flow ran without PKCE.
	ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error)

	// FetchProfile calls the provider's userinfo (or equivalent) endpoint
	// and normalizes the response.
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// NewPKCE generates a fresh PKCE verifier and its S256 challenge.
func NewPKCE() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// PKCEMethodS256 is the only challenge method the orchestrator emits.
const PKCEMethodS256 = "S256"

// Exchanger is the Exchange method of oauth2.Config, extracted so shared
// helpers work with any provider's config.
type Exchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCodeWithPKCE redeems an authorization code with optional PKCE,
// routing the token request through the given HTTP client.
func ExchangeCodeWithPKCE(ctx context.Context, config Exchanger, httpClient *http.Client, code, verifier string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return token, nil
}

// ValidateScopes rejects scope lists that could be abused for resource
// exhaustion or header smuggling.
func ValidateScopes(scopes []string) error {
	if len(scopes) > 50 {
		return fmt.Errorf("too many scopes (max 50, got %d)", len(scopes))
	}
	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > 256 {
			return fmt.Errorf("scope at index %d exceeds maximum length of 256 characters", i)
		}
	}
	return nil
}
