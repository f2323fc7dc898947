// Package github implements the federated identity provider for GitHub.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/schemahub/authkit/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

const providerName = "github"

// GitHub API endpoints
const (
	userEndpoint   = "https://api.github.com/user"
	emailsEndpoint = "https://api.github.com/user/emails"
)

// Provider implements the providers.Provider interface for GitHub OAuth.
type Provider struct {
	*oauth2.Config
	httpClient     *http.Client
	requestTimeout time.Duration

	// API endpoints, overridable in tests.
	userURL   string
	emailsURL string
}

// Config holds GitHub OAuth configuration.
type Config struct {
	// ClientID is the GitHub OAuth App client ID.
	ClientID string

	// ClientSecret is the GitHub OAuth App client secret.
	ClientSecret string

	// RedirectURL is the OAuth callback URL.
	RedirectURL string

	// Scopes are optional custom scopes (defaults to ["user:email", "read:user"]).
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for GitHub API calls (default: 10s).
	RequestTimeout time.Duration
}

// New creates a new GitHub provider.
func New(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"user:email", "read:user"}
	}
	scopesCopy := make([]string, len(scopes))
	copy(scopesCopy, scopes)
	scopes = scopesCopy

	if err := providers.ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Provider{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     oauthgithub.Endpoint,
		},
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		userURL:        userEndpoint,
		emailsURL:      emailsEndpoint,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL generates the GitHub authorization URL with optional
// PKCE. GitHub supports PKCE but does not require it for confidential
// clients.
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

// ensureContextTimeout ensures the context has a deadline, adding one if
// needed.
func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// ExchangeCode exchanges an authorization code for a token. GitHub OAuth
// Apps issue non-expiring access tokens without refresh tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	return providers.ExchangeCodeWithPKCE(ctx, p.Config, p.httpClient, code, verifier)
}

// FetchProfile retrieves the user's profile from GitHub. When the profile
// email is private, the primary verified address from /user/emails is used
// instead.
func (p *Provider) FetchProfile(ctx context.Context, accessToken string) (*providers.Profile, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	resp, err := p.apiGet(ctx, p.userURL, accessToken)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: github user endpoint answered %d", providers.ErrProfileStatus, resp.StatusCode)
	}

	var ghUser struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ghUser); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrProfileNotJSON, err)
	}
	if ghUser.ID == 0 {
		return nil, fmt.Errorf("%w: missing user id", providers.ErrProfileMissingClaims)
	}

	profile := &providers.Profile{
		SubjectID:     fmt.Sprintf("%d", ghUser.ID),
		Email:         ghUser.Email,
		EmailVerified: ghUser.Email != "",
		Name:          ghUser.Name,
	}

	if profile.Email == "" {
		email, verified, emailErr := p.fetchPrimaryEmail(ctx, accessToken)
		if emailErr != nil {
			return nil, emailErr
		}
		profile.Email = email
		profile.EmailVerified = verified
	}

	if profile.Email == "" {
		return nil, fmt.Errorf("%w: no usable email address", providers.ErrProfileMissingClaims)
	}

	return profile, nil
}

// fetchPrimaryEmail fetches the user's verified primary email from
// /user/emails.
func (p *Provider) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, bool, error) {
	resp, err := p.apiGet(ctx, p.emailsURL, accessToken)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%w: github emails endpoint answered %d", providers.ErrProfileStatus, resp.StatusCode)
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", false, fmt.Errorf("%w: %v", providers.ErrProfileNotJSON, err)
	}

	for _, email := range emails {
		if email.Primary && email.Verified {
			return email.Email, true, nil
		}
	}
	for _, email := range emails {
		if email.Verified {
			return email.Email, true, nil
		}
	}
	return "", false, nil
}

func (p *Provider) apiGet(ctx context.Context, endpoint, accessToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}
