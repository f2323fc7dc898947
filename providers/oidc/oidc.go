// Package oidc implements a generic OpenID Connect provider configured
// per organization. Each org registers its own integration (endpoints,
// client credentials, extra scopes), and a provider instance is built
// from the resolved integration for the duration of one request.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/schemahub/authkit/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

const providerName = "oidc"

// DefaultProfileTimeout bounds the userinfo call so a slow identity
// provider cannot stall the sign-in callback.
const DefaultProfileTimeout = 10 * time.Second

// IntegrationConfig describes one org's OIDC integration.
type IntegrationConfig struct {
	// ID uniquely identifies the integration. It prefixes the subject
	// identifier so users from different integrations never collide.
	ID string

	// ClientID is the client identifier registered with the org's IdP.
	ClientID string

	// ClientSecret authenticates the client at the token endpoint.
	// Unused when UseClientAssertion is set.
	ClientSecret string

	// AuthorizationEndpoint is the IdP's authorization URL.
	AuthorizationEndpoint string

	// TokenEndpoint is the IdP's token URL.
	TokenEndpoint string

	// UserinfoEndpoint is the IdP's userinfo URL.
	UserinfoEndpoint string

	// RedirectURL is the OAuth callback URL.
	RedirectURL string

	// AdditionalScopes are requested on top of "openid" and "email".
	AdditionalScopes []string

	// UseClientAssertion switches token-endpoint authentication from
	// client secret to a signed JWT bearer assertion (private_key_jwt).
	UseClientAssertion bool

	// AssertionKey is the PEM-encoded RSA private key used to sign the
	// client assertion. Required when UseClientAssertion is set.
	AssertionKey []byte
}

// Provider implements the providers.Provider interface for a single
// OIDC integration.
type Provider struct {
	*oauth2.Config
	integrationID  string
	assertion      *assertionSigner
	httpClient     *http.Client
	requestTimeout time.Duration
	userinfoURL    string
}

// New builds a provider from an org's integration config.
func New(cfg *IntegrationConfig) (*Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("integration ID is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" || cfg.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("authorization, token and userinfo endpoints are required")
	}
	if !cfg.UseClientAssertion && cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := append([]string{}, providers.DefaultScopes...)
	scopes = append(scopes, cfg.AdditionalScopes...)
	if err := providers.ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	var signer *assertionSigner
	if cfg.UseClientAssertion {
		var err error
		signer, err = newAssertionSigner(cfg.ClientID, cfg.TokenEndpoint, cfg.AssertionKey)
		if err != nil {
			return nil, fmt.Errorf("client assertion key: %w", err)
		}
	}

	return &Provider{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationEndpoint,
				TokenURL: cfg.TokenEndpoint,
			},
		},
		integrationID:  cfg.ID,
		assertion:      signer,
		httpClient:     &http.Client{Timeout: DefaultProfileTimeout},
		requestTimeout: DefaultProfileTimeout,
		userinfoURL:    cfg.UserinfoEndpoint,
	}, nil
}

// SetHTTPClient overrides the HTTP client used for token and userinfo
// calls.
func (p *Provider) SetHTTPClient(client *http.Client) {
	if client != nil {
		p.httpClient = client
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// IntegrationID returns the integration this provider was built from.
func (p *Provider) IntegrationID() string {
	return p.integrationID
}

// AuthorizationURL generates the IdP authorization URL with PKCE.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" && codeChallengeMethod != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return p.AuthCodeURL(state, opts...)
}

func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// ExchangeCode exchanges an authorization code for a token. When the
// integration uses private_key_jwt, a freshly signed client assertion
// is attached to the token request.
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if p.assertion != nil {
		assertion, err := p.assertion.Sign()
		if err != nil {
			return nil, fmt.Errorf("failed to sign client assertion: %w", err)
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("client_assertion_type", clientAssertionType),
			oauth2.SetAuthURLParam("client_assertion", assertion),
		)
	}

	return providers.ExchangeCodeWithPKCE(ctx, p.Config, p.httpClient, code, verifier, opts...)
}

// FetchProfile retrieves the user's profile from the integration's
// userinfo endpoint. The subject identifier is prefixed with the
// integration ID so identities are scoped to the org that issued them.
func (p *Provider) FetchProfile(ctx context.Context, accessToken string) (*providers.Profile, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo endpoint answered %d", providers.ErrProfileStatus, resp.StatusCode)
	}

	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrProfileNotJSON, err)
	}
	if info.Sub == "" || info.Email == "" {
		return nil, fmt.Errorf("%w: sub and email are required", providers.ErrProfileMissingClaims)
	}

	return &providers.Profile{
		SubjectID:     p.integrationID + "-" + info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
	}, nil
}
