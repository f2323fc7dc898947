package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/schemahub/authkit/crypto"
	"github.com/schemahub/authkit/storage"
)

// DefaultSessionLifetime is the absolute session lifetime, fixed at
// creation. Refreshing rotates tokens but never extends the deadline.
const DefaultSessionLifetime = 7 * 24 * time.Hour

// Terminal refresh failures. All of them demand re-authentication; the
// HTTP layer maps them to 404 with cleared cookies.
var (
	// ErrSessionExpired indicates the session's absolute deadline passed.
	ErrSessionExpired = errors.New("session expired")

	// ErrTokenSuperseded indicates the presented refresh token is no
	// longer the head of the rotation chain: either its hash link does not
	// match the stored hash, or a concurrent refresh won the swap. Either
	// way the token must never be accepted or retried.
	ErrTokenSuperseded = errors.New("refresh token superseded")
)

// IsTerminal reports whether a refresh error requires the client to
// re-authenticate rather than retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrTokenSuperseded) ||
		errors.Is(err, storage.ErrSessionNotFound) ||
		errors.Is(err, crypto.ErrInvalidFormat) ||
		errors.Is(err, crypto.ErrInvalidPayload) ||
		errors.Is(err, crypto.ErrInvalidNonce)
}

// TokenSet is everything minted for one point of a session's life: the
// raw refresh token for the rotation cookie, the signed access token, and
// the front-token header value.
type TokenSet struct {
	SessionHandle string
	UserID        string
	RefreshToken  string
	AccessToken   *crypto.AccessToken
	FrontToken    string

	// ExpiresAt is the session's absolute deadline, used as cookie expiry.
	ExpiresAt time.Time
}

// Config configures a Manager.
type Config struct {
	// Store persists sessions. Required.
	Store storage.SessionStore

	// MasterKey encrypts refresh-token envelopes. Required.
	MasterKey []byte

	// Signer mints access tokens. Required.
	Signer *crypto.AccessTokenSigner

	// Lifetime is the absolute session lifetime. Defaults to
	// DefaultSessionLifetime.
	Lifetime time.Duration

	// Logger receives debug-level decision logs. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Manager drives the session state machine. Sessions move between three
// states: active (one valid refresh hash), expired (deadline passed), and
// revoked (row deleted, or the presented token's hash link no longer
// matches).
type Manager struct {
	store     storage.SessionStore
	masterKey []byte
	signer    *crypto.AccessTokenSigner
	lifetime  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if len(cfg.MasterKey) == 0 {
		return nil, fmt.Errorf("master key is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("access token signer is required")
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultSessionLifetime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:     cfg.Store,
		masterKey: cfg.MasterKey,
		signer:    cfg.Signer,
		lifetime:  cfg.Lifetime,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// Create establishes a new active session for the identity described by
// payload and mints its first token set. The payload's IdentityUserID is
// the session owner and access-token subject.
func (m *Manager) Create(ctx context.Context, payload *Payload) (*TokenSet, error) {
	if payload.Version == "" {
		payload.Version = PayloadVersion
	}
	data, err := payload.Encode()
	if err != nil {
		return nil, err
	}

	handle := uuid.NewString()
	now := m.now()
	expiresAt := now.Add(m.lifetime)

	refreshToken, err := crypto.NewRefreshToken(m.masterKey, handle, payload.IdentityUserID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to mint refresh token: %w", err)
	}

	// The anchor is the SINGLE hash of the first token. Its first refresh
	// swaps the anchor to the double hash, so consuming the token is a
	// real state change and a replay of it loses the CAS.
	err = m.store.CreateSession(ctx, &storage.Session{
		Handle:            handle,
		UserID:            payload.IdentityUserID,
		RefreshTokenHash2: crypto.SHA256Hex(refreshToken),
		Data:              data,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	return m.mintTokenSet(handle, payload, refreshToken, crypto.SHA256Hex(refreshToken), "", expiresAt)
}

// Refresh rotates a session's refresh token. The presented token must be
// the direct child of the last rotation; anything else is terminal. The
// hash swap is a compare-and-swap so two concurrent refreshes of the same
// token produce exactly one winner, and the loser fails closed.
func (m *Manager) Refresh(ctx context.Context, rawToken string) (*TokenSet, error) {
	payload, err := crypto.ParseRefreshToken(m.masterKey, rawToken)
	if err != nil {
		m.logger.DebugContext(ctx, "refresh token rejected", "error", err)
		return nil, err
	}

	record, err := m.store.GetSession(ctx, payload.SessionHandle)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			m.logger.DebugContext(ctx, "refresh for unknown session",
				"sessionHandle", payload.SessionHandle)
		}
		return nil, err
	}

	now := m.now()
	if record.ExpiresAt.Before(now) {
		m.logger.DebugContext(ctx, "refresh for expired session",
			"sessionHandle", record.Handle)
		return nil, ErrSessionExpired
	}

	// Linkage check: the first token of a chain must hash to the stored
	// anchor; every later token must be the direct child of the token
	// whose consumption produced the stored value.
	if payload.ParentRefreshTokenHash1 == "" {
		if crypto.SHA256Hex(rawToken) != record.RefreshTokenHash2 {
			m.logger.DebugContext(ctx, "refresh hash mismatch on first rotation",
				"sessionHandle", record.Handle)
			return nil, ErrTokenSuperseded
		}
	} else if crypto.SHA256Hex(payload.ParentRefreshTokenHash1) != record.RefreshTokenHash2 {
		m.logger.DebugContext(ctx, "refresh hash link mismatch",
			"sessionHandle", record.Handle)
		return nil, ErrTokenSuperseded
	}

	sessionPayload, err := ParsePayload(record.Data)
	if err != nil {
		return nil, err
	}

	parentHash1 := crypto.SHA256Hex(rawToken)

	newRefreshToken, err := crypto.NewRefreshToken(m.masterKey, record.Handle, record.UserID, parentHash1)
	if err != nil {
		return nil, fmt.Errorf("failed to mint refresh token: %w", err)
	}

	// Consuming the presented token moves the chain head to its double
	// hash. A lost race means another refresh already did this; the
	// presented token is stale and must not be accepted.
	err = m.store.SwapRefreshHash(ctx, record.Handle, record.RefreshTokenHash2, crypto.SHA256Hex(parentHash1))
	if err != nil {
		if errors.Is(err, storage.ErrRotationConflict) {
			m.logger.DebugContext(ctx, "lost refresh rotation race",
				"sessionHandle", record.Handle)
			return nil, fmt.Errorf("%w: %v", ErrTokenSuperseded, err)
		}
		return nil, err
	}

	return m.mintTokenSet(record.Handle, sessionPayload, newRefreshToken,
		crypto.SHA256Hex(newRefreshToken), parentHash1, record.ExpiresAt)
}

// SignOut revokes a session. Revoking an unknown handle is not an error.
func (m *Manager) SignOut(ctx context.Context, sessionHandle string) error {
	if err := m.store.DeleteSession(ctx, sessionHandle); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PruneExpired removes sessions past their deadline, returning the count.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredSessions(ctx, m.now())
}

func (m *Manager) mintTokenSet(
	handle string,
	payload *Payload,
	refreshToken string,
	refreshTokenHash1 string,
	parentHash1 string,
	expiresAt time.Time,
) (*TokenSet, error) {
	access, err := m.signer.Mint(payload.IdentityUserID, handle, payload.Claims(), refreshTokenHash1, parentHash1)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	frontToken, err := crypto.EncodeFrontToken(payload.IdentityUserID, access.ExpiresAt, access.Claims)
	if err != nil {
		return nil, err
	}

	return &TokenSet{
		SessionHandle: handle,
		UserID:        payload.IdentityUserID,
		RefreshToken:  refreshToken,
		AccessToken:   access,
		FrontToken:    frontToken,
		ExpiresAt:     expiresAt,
	}, nil
}
