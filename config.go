// Package authkit is an embeddable identity and session provider: password
// and federated sign-in, hash-chained refresh-token rotation, and the
// cookie-scoped /auth-api HTTP surface that front-ends talk to.
package authkit

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/schemahub/authkit/instrumentation"
	"github.com/schemahub/authkit/providers/github"
	"github.com/schemahub/authkit/providers/google"
	"github.com/schemahub/authkit/providers/okta"
	"github.com/schemahub/authkit/storage"
)

const (
	// DefaultAPIBasePath prefixes every route the handler serves.
	DefaultAPIBasePath = "/auth-api"

	// DefaultResetTokenTTL is how long a password-reset token stays
	// redeemable.
	DefaultResetTokenTTL = 15 * time.Minute
)

// ProviderConfigs selects which built-in federated providers are enabled.
// A nil entry disables that provider. Per-organization OIDC integrations
// are resolved at request time through the IntegrationStore instead.
type ProviderConfigs struct {
	GitHub *github.Config
	Google *google.Config
	Okta   *okta.Config
}

// Stores collects the persistence backends. Any nil store falls back to a
// single shared in-memory store, which is only suitable for tests and
// single-process development.
type Stores struct {
	Sessions    storage.SessionStore
	Users       storage.UserStore
	States      storage.StateStore
	ResetTokens storage.ResetTokenStore
	Counters    storage.CounterStore
}

// RateLimitConfig bounds requests to the sensitive endpoints (signup,
// signin, refresh, password reset) per client IP over a fixed window.
type RateLimitConfig struct {
	// Limit is the maximum number of requests per window per IP.
	Limit int64

	// Window is the fixed window length.
	Window time.Duration

	// TrustProxy enables reading the client IP from X-Forwarded-For.
	// Only set this when the service sits behind a proxy that strips the
	// header from incoming requests.
	TrustProxy bool

	// TrustedProxyCount is how many trailing X-Forwarded-For entries were
	// appended by trusted proxies. Defaults to 1.
	TrustedProxyCount int

	// InProcess selects a per-instance token bucket instead of the shared
	// counter store, for single-instance deployments without a cache. The
	// bucket holds Limit tokens and refills at Limit per Window.
	InProcess bool
}

// Config configures a Server.
type Config struct {
	// AppURL is the public base URL of the application, e.g.
	// "https://app.example.com". An https scheme selects secure cookies.
	// Required.
	AppURL string

	// APIBasePath prefixes every served route. Defaults to
	// DefaultAPIBasePath.
	APIBasePath string

	// MasterKey encrypts refresh-token envelopes. Required.
	MasterKey []byte

	// SigningKeyID and SigningKeyPEM configure the RS256 access-token
	// signer. The key id travels in every token header so verifiers can
	// select the right public key across rotations. Required.
	SigningKeyID  string
	SigningKeyPEM []byte

	// SessionLifetime is the absolute session lifetime, fixed at creation.
	// Zero selects the session package default.
	SessionLifetime time.Duration

	// AccessTokenTTL bounds minted access tokens. Zero selects the crypto
	// package default of six hours.
	AccessTokenTTL time.Duration

	// ResetTokenTTL bounds password-reset tokens. Zero selects
	// DefaultResetTokenTTL.
	ResetTokenTTL time.Duration

	// Providers enables the built-in federated providers.
	Providers ProviderConfigs

	// Integrations resolves per-organization OIDC integrations by id.
	// Optional; without it only the built-in providers are served.
	Integrations IntegrationStore

	// Provisioner materializes or merges the application-level user when a
	// session is established. Optional; without it the identity user id is
	// used directly.
	Provisioner UserProvisioner

	// Scheduler dispatches asynchronous tasks such as password-reset
	// emails. Optional; without it reset emails are silently skipped with
	// a warning log.
	Scheduler TaskScheduler

	// Stores are the persistence backends.
	Stores Stores

	// RateLimit enables fixed-window rate limiting on sensitive endpoints.
	// Requires a CounterStore; nil disables limiting.
	RateLimit *RateLimitConfig

	// SecretsKey is an optional 32-byte AES key. When set, integration
	// client secrets returned by the IntegrationStore are expected to be
	// encrypted at rest and are decrypted before use.
	SecretsKey []byte

	// EnableAuditLogging turns on the structured security audit trail.
	EnableAuditLogging bool

	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// HTTPClient is used for provider token and userinfo calls. Defaults
	// to a client with a 10 second timeout.
	HTTPClient *http.Client

	// Instrumentation provides metrics and tracing. Optional.
	Instrumentation *instrumentation.Instrumentation

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks the required fields and rejects obviously broken values
// before any component is constructed.
func (c *Config) Validate() error {
	if c.AppURL == "" {
		return fmt.Errorf("app URL is required")
	}
	parsed, err := url.Parse(c.AppURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("app URL must be an absolute http(s) URL, got %q", c.AppURL)
	}
	if len(c.MasterKey) == 0 {
		return fmt.Errorf("master key is required")
	}
	if c.SigningKeyID == "" {
		return fmt.Errorf("signing key id is required")
	}
	if len(c.SigningKeyPEM) == 0 {
		return fmt.Errorf("signing key is required")
	}
	if c.RateLimit != nil {
		if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit requires a positive limit and window")
		}
	}
	return nil
}
