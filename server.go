package authkit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/schemahub/authkit/crypto"
	"github.com/schemahub/authkit/instrumentation"
	"github.com/schemahub/authkit/providers"
	"github.com/schemahub/authkit/providers/github"
	"github.com/schemahub/authkit/providers/google"
	"github.com/schemahub/authkit/providers/oidc"
	"github.com/schemahub/authkit/providers/okta"
	"github.com/schemahub/authkit/security"
	"github.com/schemahub/authkit/session"
	"github.com/schemahub/authkit/storage"
	"github.com/schemahub/authkit/storage/memory"
)

// TaskPasswordResetEmail is the task kind scheduled when a password reset
// is requested. The payload carries "email" and "token".
const TaskPasswordResetEmail = "password_reset_email"

// ProvisionRequest describes the identity a session is about to be
// established for.
type ProvisionRequest struct {
	// IdentityUserID is the id of the local identity record.
	IdentityUserID string

	Email     string
	FirstName string
	LastName  string

	// FederatedIntegrationID is set when the sign-in came through a
	// per-organization OIDC integration.
	FederatedIntegrationID string
}

// UserProvisioner materializes or merges the application-level user behind
// an identity. It may veto the operation with ErrSignUpNotAllowed or
// ErrSignInNotAllowed.
type UserProvisioner interface {
	// EnsureUserExists resolves the identity to a platform user id,
	// creating the platform user if needed.
	EnsureUserExists(ctx context.Context, req ProvisionRequest) (string, error)
}

// IntegrationStore resolves per-organization OIDC integrations. Client
// secrets and assertion keys may be stored encrypted; see Config.SecretsKey.
type IntegrationStore interface {
	// GetIntegrationByID returns the integration configuration, or
	// providers.ErrIntegrationNotFound.
	GetIntegrationByID(ctx context.Context, id string) (*oidc.IntegrationConfig, error)
}

// TaskScheduler dispatches fire-and-forget asynchronous work, such as
// sending a password-reset email.
type TaskScheduler interface {
	Schedule(ctx context.Context, kind string, payload map[string]any) error
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Server wires the session manager, the provider registry, and the
// persistence backends into the operations the HTTP handler exposes. All
// methods are safe for concurrent use.
type Server struct {
	appURL      string
	apiBasePath string

	manager  *session.Manager
	verifier *crypto.AccessTokenVerifier

	users       storage.UserStore
	states      storage.StateStore
	resetTokens storage.ResetTokenStore

	// registry holds the statically configured providers keyed by name.
	registry     map[string]providers.Provider
	integrations IntegrationStore
	secrets      *security.SecretCipher

	provisioner UserProvisioner
	scheduler   TaskScheduler

	limiter *security.WindowLimiter
	bucket  *security.Limiter
	auditor *security.Auditor

	resetTokenTTL time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
	inst          *instrumentation.Instrumentation
	now           func() time.Time

	trustProxy        bool
	trustedProxyCount int
}

// New validates cfg and assembles a Server. Missing stores fall back to a
// shared in-memory store.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.APIBasePath == "" {
		cfg.APIBasePath = DefaultAPIBasePath
	}
	cfg.APIBasePath = strings.TrimSuffix(cfg.APIBasePath, "/")
	if cfg.ResetTokenTTL <= 0 {
		cfg.ResetTokenTTL = DefaultResetTokenTTL
	}

	stores := cfg.Stores
	if stores.Sessions == nil || stores.Users == nil || stores.States == nil || stores.ResetTokens == nil {
		fallback := memory.New()
		fallback.SetLogger(cfg.Logger)
		if stores.Sessions == nil {
			stores.Sessions = fallback
		}
		if stores.Users == nil {
			stores.Users = fallback
		}
		if stores.States == nil {
			stores.States = fallback
		}
		if stores.ResetTokens == nil {
			stores.ResetTokens = fallback
		}
		if stores.Counters == nil {
			stores.Counters = fallback
		}
	}

	signer, err := crypto.NewAccessTokenSigner(cfg.SigningKeyID, cfg.SigningKeyPEM, cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}

	manager, err := session.NewManager(session.Config{
		Store:     stores.Sessions,
		MasterKey: cfg.MasterKey,
		Signer:    signer,
		Lifetime:  cfg.SessionLifetime,
		Logger:    cfg.Logger,
		Now:       cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	secrets, err := security.NewSecretCipher(cfg.SecretsKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secrets key: %w", err)
	}

	s := &Server{
		appURL:        cfg.AppURL,
		apiBasePath:   cfg.APIBasePath,
		manager:       manager,
		verifier:      crypto.NewAccessTokenVerifierForSigner(signer),
		users:         stores.Users,
		states:        stores.States,
		resetTokens:   stores.ResetTokens,
		registry:      registry,
		integrations:  cfg.Integrations,
		secrets:       secrets,
		provisioner:   cfg.Provisioner,
		scheduler:     cfg.Scheduler,
		auditor:       security.NewAuditor(cfg.Logger, cfg.EnableAuditLogging),
		resetTokenTTL: cfg.ResetTokenTTL,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger,
		inst:          cfg.Instrumentation,
		now:           cfg.Now,
	}

	if cfg.RateLimit != nil {
		if cfg.RateLimit.InProcess {
			perSecond := int(cfg.RateLimit.Limit / max(int64(cfg.RateLimit.Window/time.Second), 1))
			if perSecond < 1 {
				perSecond = 1
			}
			s.bucket = security.NewLimiter(perSecond, int(cfg.RateLimit.Limit), 0, cfg.Logger)
		} else {
			if stores.Counters == nil {
				return nil, fmt.Errorf("rate limiting requires a counter store")
			}
			limiter, err := security.NewWindowLimiter(stores.Counters, cfg.RateLimit.Limit, cfg.RateLimit.Window, cfg.Logger)
			if err != nil {
				return nil, err
			}
			s.limiter = limiter
		}
		s.trustProxy = cfg.RateLimit.TrustProxy
		s.trustedProxyCount = cfg.RateLimit.TrustedProxyCount
	}

	return s, nil
}

// Close releases background resources. Only needed when the in-process
// rate limiter is enabled.
func (s *Server) Close() {
	if s.bucket != nil {
		s.bucket.Stop()
	}
}

func buildRegistry(cfg Config) (map[string]providers.Provider, error) {
	registry := make(map[string]providers.Provider)

	if c := cfg.Providers.GitHub; c != nil {
		if c.HTTPClient == nil {
			c.HTTPClient = cfg.HTTPClient
		}
		p, err := github.New(c)
		if err != nil {
			return nil, fmt.Errorf("github provider: %w", err)
		}
		registry[p.Name()] = p
	}
	if c := cfg.Providers.Google; c != nil {
		if c.HTTPClient == nil {
			c.HTTPClient = cfg.HTTPClient
		}
		p, err := google.New(c)
		if err != nil {
			return nil, fmt.Errorf("google provider: %w", err)
		}
		registry[p.Name()] = p
	}
	if c := cfg.Providers.Okta; c != nil {
		if c.HTTPClient == nil {
			c.HTTPClient = cfg.HTTPClient
		}
		p, err := okta.New(c)
		if err != nil {
			return nil, fmt.Errorf("okta provider: %w", err)
		}
		registry[p.Name()] = p
	}

	return registry, nil
}

// metrics returns the Metrics sink, or nil when instrumentation is off.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.inst == nil {
		return nil
	}
	return s.inst.Metrics()
}

// SignUp registers a password account and establishes its first session.
// Domain outcomes (duplicate email, weak password, provisioner veto) are
// reported through the response status; only internal failures collapse to
// a general error.
func (s *Server) SignUp(ctx context.Context, req SignUpRequest, ip string) (*session.TokenSet, AuthResponse) {
	if fields := validateCredentials(req.Email, req.Password); len(fields) > 0 {
		return nil, AuthResponse{Status: StatusFieldError, FormFields: fields}
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to hash password", "error", err)
		return nil, generalError()
	}

	user := &storage.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash: hash,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrEmailTaken) {
			if m := s.metrics(); m != nil {
				m.RecordSignUp(ctx, "email_taken")
			}
			return nil, AuthResponse{
				Status:     StatusFieldError,
				FormFields: []FieldError{{ID: "email", Error: msgEmailExists}},
			}
		}
		s.logger.ErrorContext(ctx, "failed to create user", "error", err)
		return nil, generalError()
	}

	platformUserID, err := s.provision(ctx, ProvisionRequest{
		IdentityUserID: user.ID,
		Email:          user.Email,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
	})
	if err != nil {
		if errors.Is(err, ErrSignUpNotAllowed) {
			if m := s.metrics(); m != nil {
				m.RecordSignUp(ctx, "not_allowed")
			}
			return nil, AuthResponse{Status: StatusSignUpNotAllowed, Message: msgSignUpNotAllowed}
		}
		s.logger.ErrorContext(ctx, "user provisioning failed", "error", err)
		return nil, generalError()
	}

	tokens, err := s.createSession(ctx, user, platformUserID, "")
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create session", "error", err)
		return nil, generalError()
	}

	s.auditor.LogSignUp(user.ID, ip)
	if m := s.metrics(); m != nil {
		m.RecordSignUp(ctx, "ok")
	}

	return tokens, AuthResponse{
		Status: StatusOK,
		User:   &UserResponse{ID: user.ID, Email: user.Email},
	}
}

// SignIn authenticates a password account and establishes a session.
// Unknown emails, wrong passwords, and accounts without a password all
// collapse to the same wrong-credentials outcome.
func (s *Server) SignIn(ctx context.Context, req SignInRequest, ip string) (*session.TokenSet, AuthResponse) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, s.rejectSignIn(ctx, ip, "unknown_email")
		}
		s.logger.ErrorContext(ctx, "failed to look up user", "error", err)
		return nil, generalError()
	}

	// Accounts created through a federated provider carry no password
	// hash; a password sign-in against them is indistinguishable from a
	// wrong password.
	if user.PasswordHash == "" || !crypto.VerifyPassword(user.PasswordHash, req.Password) {
		return nil, s.rejectSignIn(ctx, ip, "wrong_password")
	}

	platformUserID, err := s.provision(ctx, ProvisionRequest{
		IdentityUserID: user.ID,
		Email:          user.Email,
	})
	if err != nil {
		if errors.Is(err, ErrSignInNotAllowed) {
			if m := s.metrics(); m != nil {
				m.RecordSignIn(ctx, "password", "not_allowed")
			}
			return nil, AuthResponse{Status: StatusSignInNotAllowed, Message: msgSignInNotAllowed}
		}
		s.logger.ErrorContext(ctx, "user provisioning failed", "error", err)
		return nil, generalError()
	}

	tokens, err := s.createSession(ctx, user, platformUserID, "")
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create session", "error", err)
		return nil, generalError()
	}

	s.auditor.LogSignIn(user.ID, "password", ip)
	if m := s.metrics(); m != nil {
		m.RecordSignIn(ctx, "password", "ok")
	}

	return tokens, AuthResponse{
		Status: StatusOK,
		User:   &UserResponse{ID: user.ID, Email: user.Email},
	}
}

func (s *Server) rejectSignIn(ctx context.Context, ip, reason string) AuthResponse {
	s.auditor.LogSignInFailed("password", ip, reason)
	if m := s.metrics(); m != nil {
		m.RecordSignIn(ctx, "password", "wrong_credentials")
	}
	return AuthResponse{Status: StatusWrongCredentials}
}

// Refresh rotates the presented refresh token. Terminal errors (per
// session.IsTerminal) require the caller to clear cookies and force
// re-authentication.
func (s *Server) Refresh(ctx context.Context, rawToken, ip string) (*session.TokenSet, error) {
	tokens, err := s.manager.Refresh(ctx, rawToken)
	if err != nil {
		if errors.Is(err, session.ErrTokenSuperseded) || errors.Is(err, storage.ErrRotationConflict) {
			s.auditor.LogRotationConflict("", ip)
			if m := s.metrics(); m != nil {
				m.RecordRotationConflict(ctx)
			}
		}
		if m := s.metrics(); m != nil {
			m.RecordSessionRefresh(ctx, "rejected")
		}
		return nil, err
	}

	s.auditor.LogSessionRefreshed(tokens.UserID, ip)
	if m := s.metrics(); m != nil {
		m.RecordSessionRefresh(ctx, "ok")
	}
	return tokens, nil
}

// SignOut revokes the session best-effort. Cookie clearing is the HTTP
// layer's job and happens regardless of the store outcome.
func (s *Server) SignOut(ctx context.Context, sessionHandle, userID, ip string) {
	if sessionHandle != "" {
		if err := s.manager.SignOut(ctx, sessionHandle); err != nil {
			s.logger.WarnContext(ctx, "failed to revoke session",
				"sessionHandle", sessionHandle, "error", err)
		}
	}
	s.auditor.LogSignOut(userID, ip)
	if m := s.metrics(); m != nil {
		m.RecordSignOut(ctx)
	}
}

// RequestPasswordReset issues a reset token and schedules the email. The
// outcome never reveals whether the email is registered.
func (s *Server) RequestPasswordReset(ctx context.Context, email, ip string) StatusResponse {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			s.logger.DebugContext(ctx, "password reset for unknown email")
			return StatusResponse{Status: StatusOK}
		}
		s.logger.ErrorContext(ctx, "failed to look up user", "error", err)
		return StatusResponse{Status: StatusGeneralError, Message: msgGeneralError}
	}

	token, err := newResetToken()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate reset token", "error", err)
		return StatusResponse{Status: StatusGeneralError, Message: msgGeneralError}
	}

	expiresAt := s.now().Add(s.resetTokenTTL)
	if err := s.resetTokens.SaveResetToken(ctx, crypto.SHA256Hex(token), user.ID, expiresAt); err != nil {
		s.logger.ErrorContext(ctx, "failed to store reset token", "error", err)
		return StatusResponse{Status: StatusGeneralError, Message: msgGeneralError}
	}

	if s.scheduler != nil {
		err := s.scheduler.Schedule(ctx, TaskPasswordResetEmail, map[string]any{
			"email": user.Email,
			"token": token,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to schedule reset email", "error", err)
			return StatusResponse{Status: StatusGeneralError, Message: msgGeneralError}
		}
	} else {
		s.logger.WarnContext(ctx, "no task scheduler configured, reset email not sent")
	}

	s.auditor.LogPasswordReset(security.EventPasswordResetRequested, user.ID, ip)
	if m := s.metrics(); m != nil {
		m.RecordPasswordReset(ctx, "requested")
	}
	return StatusResponse{Status: StatusOK}
}

// ResetPassword redeems a reset token and replaces the account password.
// Tokens are single use; unknown, consumed, and expired tokens are
// indistinguishable.
func (s *Server) ResetPassword(ctx context.Context, token, newPassword, ip string) AuthResponse {
	if !validPassword(newPassword) {
		return AuthResponse{
			Status:     StatusFieldError,
			FormFields: []FieldError{{ID: "password", Error: msgWeakPassword}},
		}
	}
	if token == "" {
		return AuthResponse{Status: StatusResetInvalidToken}
	}

	userID, err := s.resetTokens.ConsumeResetToken(ctx, crypto.SHA256Hex(token))
	if err != nil {
		if errors.Is(err, storage.ErrResetTokenNotFound) {
			return AuthResponse{Status: StatusResetInvalidToken}
		}
		s.logger.ErrorContext(ctx, "failed to consume reset token", "error", err)
		return generalError()
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to hash password", "error", err)
		return generalError()
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		s.logger.ErrorContext(ctx, "failed to update password", "error", err)
		return generalError()
	}

	s.auditor.LogPasswordReset(security.EventPasswordResetCompleted, userID, ip)
	if m := s.metrics(); m != nil {
		m.RecordPasswordReset(ctx, "completed")
	}
	return AuthResponse{Status: StatusOK}
}

// AuthorizationURL starts a federated flow: it parks the PKCE verifier and
// provider choice in the state cache and returns the provider's authorize
// URL.
func (s *Server) AuthorizationURL(ctx context.Context, thirdPartyID string) AuthorizationURLResponse {
	provider, integrationID, err := s.resolveProvider(ctx, thirdPartyID)
	if err != nil {
		if errors.Is(err, ErrUnknownProvider) || errors.Is(err, providers.ErrIntegrationNotFound) {
			return AuthorizationURLResponse{
				Status:  StatusGeneralError,
				Message: providers.DescribeSignInError(providers.ErrIntegrationNotFound),
			}
		}
		s.logger.ErrorContext(ctx, "failed to resolve provider",
			"thirdPartyId", thirdPartyID, "error", err)
		return AuthorizationURLResponse{Status: StatusGeneralError, Message: msgGeneralError}
	}

	state := uuid.NewString()
	verifier, challenge := providers.NewPKCE()

	now := s.now()
	err = s.states.SaveState(ctx, &storage.OAuthState{
		State:         state,
		Provider:      provider.Name(),
		IntegrationID: integrationID,
		CodeVerifier:  verifier,
		CreatedAt:     now,
		ExpiresAt:     now.Add(storage.DefaultStateTTL),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to store flow state", "error", err)
		return AuthorizationURLResponse{Status: StatusGeneralError, Message: msgGeneralError}
	}

	return AuthorizationURLResponse{
		Status:             StatusOK,
		URLWithQueryParams: provider.AuthorizationURL(state, challenge, providers.PKCEMethodS256),
	}
}

// SignInUp completes a federated flow from the provider's callback
// parameters: single-use state consumption, code exchange, profile fetch,
// identity linking, provisioning, and session creation.
func (s *Server) SignInUp(ctx context.Context, req SignInUpRequest, ip string) (*session.TokenSet, AuthResponse) {
	record, err := s.states.ConsumeState(ctx, req.State)
	if err != nil {
		reason := "state_not_found"
		if errors.Is(err, storage.ErrStateExpired) {
			reason = "state_expired"
		} else if !errors.Is(err, storage.ErrStateNotFound) {
			s.logger.ErrorContext(ctx, "failed to consume flow state", "error", err)
			return nil, generalError()
		}
		s.auditor.LogStateMismatch(req.ThirdPartyID, ip, reason)
		return nil, generalError()
	}

	if !stateMatchesRequest(record, req.ThirdPartyID) {
		s.auditor.LogStateMismatch(req.ThirdPartyID, ip, "provider_mismatch")
		return nil, generalError()
	}

	provider, _, err := s.resolveProviderFromState(ctx, record)
	if err != nil {
		return nil, s.federatedFailure(ctx, req.ThirdPartyID, ip, err)
	}

	start := s.now()
	token, err := provider.ExchangeCode(ctx, req.Code, record.CodeVerifier)
	if m := s.metrics(); m != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.RecordProviderExchange(ctx, provider.Name(), status,
			float64(s.now().Sub(start).Milliseconds()))
	}
	if err != nil {
		return nil, s.federatedFailure(ctx, provider.Name(), ip, err)
	}

	profile, err := provider.FetchProfile(ctx, token.AccessToken)
	if err != nil {
		return nil, s.federatedFailure(ctx, provider.Name(), ip, err)
	}

	user, err := s.users.FindOrCreateIdentity(ctx, provider.Name(), profile.SubjectID, profile.Email)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to link federated identity",
			"provider", provider.Name(), "error", err)
		return nil, generalError()
	}

	platformUserID, err := s.provision(ctx, ProvisionRequest{
		IdentityUserID:         user.ID,
		Email:                  user.Email,
		FederatedIntegrationID: record.IntegrationID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrSignUpNotAllowed):
			return nil, AuthResponse{Status: StatusSignUpNotAllowed, Message: msgSignUpNotAllowed}
		case errors.Is(err, ErrSignInNotAllowed):
			return nil, AuthResponse{Status: StatusSignInNotAllowed, Message: msgSignInNotAllowed}
		}
		s.logger.ErrorContext(ctx, "user provisioning failed", "error", err)
		return nil, generalError()
	}

	tokens, err := s.createSession(ctx, user, platformUserID, record.IntegrationID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create session", "error", err)
		return nil, generalError()
	}

	s.auditor.LogSignIn(user.ID, provider.Name(), ip)
	if m := s.metrics(); m != nil {
		m.RecordSignIn(ctx, provider.Name(), "ok")
	}

	return tokens, AuthResponse{
		Status: StatusOK,
		User:   &UserResponse{ID: user.ID, Email: user.Email},
	}
}

// federatedFailure logs the real provider error server-side and maps it
// to the fixed administrator-actionable message. Raw upstream bodies never
// reach the caller.
func (s *Server) federatedFailure(ctx context.Context, providerName, ip string, err error) AuthResponse {
	class := providers.ClassifySignInError(err)
	s.logger.ErrorContext(ctx, "federated sign-in failed",
		"provider", providerName, "class", class, "error", err)
	s.auditor.LogSignInFailed(providerName, ip, class)
	if m := s.metrics(); m != nil {
		m.RecordProviderError(ctx, providerName, class)
		m.RecordSignIn(ctx, providerName, "error")
	}
	return AuthResponse{Status: StatusGeneralError, Message: providers.DescribeSignInError(err)}
}

// resolveProvider maps a third-party id to a provider: a statically
// registered one by name, otherwise a per-organization OIDC integration
// by id.
func (s *Server) resolveProvider(ctx context.Context, thirdPartyID string) (providers.Provider, string, error) {
	if p, ok := s.registry[thirdPartyID]; ok {
		return p, "", nil
	}
	if s.integrations == nil {
		return nil, "", ErrUnknownProvider
	}
	p, err := s.integrationProvider(ctx, thirdPartyID)
	if err != nil {
		return nil, "", err
	}
	return p, thirdPartyID, nil
}

func (s *Server) resolveProviderFromState(ctx context.Context, record *storage.OAuthState) (providers.Provider, string, error) {
	if record.IntegrationID != "" {
		p, err := s.integrationProvider(ctx, record.IntegrationID)
		if err != nil {
			return nil, "", err
		}
		return p, record.IntegrationID, nil
	}
	if p, ok := s.registry[record.Provider]; ok {
		return p, "", nil
	}
	return nil, "", ErrUnknownProvider
}

// integrationProvider loads a per-organization OIDC integration and builds
// a provider for it, decrypting stored secrets when a secrets key is
// configured.
func (s *Server) integrationProvider(ctx context.Context, integrationID string) (providers.Provider, error) {
	if s.integrations == nil {
		return nil, fmt.Errorf("%w: no integration store configured", providers.ErrIntegrationNotFound)
	}

	cfg, err := s.integrations.GetIntegrationByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	if s.secrets.IsEnabled() && cfg.ClientSecret != "" {
		plaintext, err := s.secrets.Decrypt(cfg.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt client secret for integration %s: %w", integrationID, err)
		}
		decrypted := *cfg
		decrypted.ClientSecret = plaintext
		cfg = &decrypted
	}

	p, err := oidc.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid integration %s: %w", integrationID, err)
	}
	p.SetHTTPClient(s.httpClient)
	return p, nil
}

// stateMatchesRequest checks the callback names the same provider the flow
// started with. For integrations the third-party id is the integration id.
func stateMatchesRequest(record *storage.OAuthState, thirdPartyID string) bool {
	if record.IntegrationID != "" {
		return thirdPartyID == record.IntegrationID
	}
	return thirdPartyID == record.Provider
}

func (s *Server) provision(ctx context.Context, req ProvisionRequest) (string, error) {
	if s.provisioner == nil {
		return req.IdentityUserID, nil
	}
	return s.provisioner.EnsureUserExists(ctx, req)
}

func (s *Server) createSession(ctx context.Context, user *storage.User, platformUserID, integrationID string) (*session.TokenSet, error) {
	return s.manager.Create(ctx, &session.Payload{
		Version:                session.PayloadVersion,
		IdentityUserID:         user.ID,
		UserID:                 platformUserID,
		Email:                  user.Email,
		FederatedIntegrationID: integrationID,
	})
}

// PruneExpiredSessions removes sessions past their deadline. Intended to
// be called from a periodic job.
func (s *Server) PruneExpiredSessions(ctx context.Context) (int, error) {
	return s.manager.PruneExpired(ctx)
}

func newResetToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate reset token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func validateCredentials(email, password string) []FieldError {
	var fields []FieldError
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		fields = append(fields, FieldError{ID: "email", Error: msgInvalidEmail})
	}
	if !validPassword(password) {
		fields = append(fields, FieldError{ID: "password", Error: msgWeakPassword})
	}
	return fields
}

// validPassword enforces the minimal policy: at least 8 characters with at
// least one digit.
func validPassword(password string) bool {
	if len(password) < 8 {
		return false
	}
	return strings.ContainsAny(password, "0123456789")
}

func generalError() AuthResponse {
	return AuthResponse{Status: StatusGeneralError, Message: msgGeneralError}
}
