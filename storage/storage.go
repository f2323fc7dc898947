// Package storage defines interfaces for persisting users, sessions, OAuth
// flow state, and password-reset tokens. It supports in-memory, Postgres,
// and Valkey backends.
package storage

import (
	"context"
	"errors"
	"time"
)

// DefaultStateTTL is how long a pending OAuth flow state stays redeemable.
const DefaultStateTTL = 300 * time.Second

// Sentinel errors shared by every backend. Callers branch with errors.Is;
// backends wrap these with backend-specific detail.
var (
	// ErrSessionNotFound indicates no session exists under the given handle.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRotationConflict indicates a compare-and-swap of the refresh hash
	// lost to a concurrent rotation. The caller must fail closed: the other
	// request already owns the new chain link.
	ErrRotationConflict = errors.New("refresh hash rotation conflict")

	// ErrUserNotFound indicates no user exists for the given id or email.
	ErrUserNotFound = errors.New("user not found")

	// ErrEmailTaken indicates a sign-up collided with an existing account.
	ErrEmailTaken = errors.New("email already registered")

	// ErrStateNotFound indicates the OAuth state was never stored or was
	// already consumed. Single-use: a replayed state looks identical to an
	// unknown one.
	ErrStateNotFound = errors.New("authorization state not found")

	// ErrStateExpired indicates the OAuth state outlived its TTL before
	// being consumed.
	ErrStateExpired = errors.New("authorization state expired")

	// ErrResetTokenNotFound indicates the password-reset token is unknown,
	// expired, or already consumed.
	ErrResetTokenNotFound = errors.New("password reset token not found")
)

// User is an account record. PasswordHash is empty for accounts created
// through a federated provider that never set a password.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity links a federated provider subject to a local user. A user may
// hold one identity per provider.
type Identity struct {
	Provider  string
	SubjectID string
	UserID    string
	Email     string
	CreatedAt time.Time
}

// Session is the persisted half of a session: the handle, the owner, the
// hash anchoring the refresh rotation chain (the single hash of the first
// token at creation, the double hash of the consumed token after every
// rotation), and the serialized session payload. Raw refresh tokens are
// never stored.
type Session struct {
	Handle            string
	UserID            string
	RefreshTokenHash2 string
	Data              []byte
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// OAuthState is the server-side record of a pending federated sign-in:
// which provider the user was sent to, the PKCE verifier held back from the
// browser, and the integration whose configuration drives the flow.
type OAuthState struct {
	State         string
	Provider      string
	IntegrationID string
	CodeVerifier  string
	RedirectURI   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// SessionStore persists sessions and performs the atomic refresh-hash swap
// at the heart of rotation. All methods accept context.Context for tracing
// and cancellation.
type SessionStore interface {
	// CreateSession stores a new session record.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by handle. Returns ErrSessionNotFound
	// when no record exists; expiry is the caller's concern.
	GetSession(ctx context.Context, handle string) (*Session, error)

	// DeleteSession removes a session. Deleting an absent session is not
	// an error.
	DeleteSession(ctx context.Context, handle string) error

	// SwapRefreshHash replaces the session's refresh hash only if it still
	// equals oldHash2. Returns ErrRotationConflict when another rotation
	// got there first, ErrSessionNotFound when the session is gone.
	// SECURITY: this must be atomic; two concurrent refreshes of the same
	// token must produce exactly one winner.
	SwapRefreshHash(ctx context.Context, handle, oldHash2, newHash2 string) error

	// DeleteExpiredSessions removes sessions whose expiry is at or before
	// now, returning how many were removed.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// UserStore persists accounts and their federated identities.
type UserStore interface {
	// CreateUser stores a new account. Returns ErrEmailTaken when the
	// email is already registered.
	CreateUser(ctx context.Context, user *User) error

	// GetUserByEmail retrieves an account by email. Returns
	// ErrUserNotFound when absent.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// GetUserByID retrieves an account by id. Returns ErrUserNotFound
	// when absent.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// UpdatePasswordHash replaces the stored password hash.
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error

	// FindOrCreateIdentity resolves a federated (provider, subject) pair to
	// a local user, creating the identity link and, if needed, the account
	// on first sign-in.
	FindOrCreateIdentity(ctx context.Context, provider, subjectID, email string) (*User, error)
}

// StateStore is the single-use TTL cache for pending OAuth flow state.
// Implementations index records by a hash of the state value so a dump of
// the store does not yield redeemable states.
type StateStore interface {
	// SaveState stores a pending flow state until its ExpiresAt.
	SaveState(ctx context.Context, state *OAuthState) error

	// ConsumeState retrieves and deletes a state in one step. Returns
	// ErrStateNotFound for unknown or already-consumed states and
	// ErrStateExpired for ones that outlived their TTL.
	// SECURITY: retrieval and deletion must be atomic so a state can be
	// redeemed at most once under concurrent callbacks.
	ConsumeState(ctx context.Context, state string) (*OAuthState, error)
}

// ResetTokenStore persists password-reset tokens, stored hashed and
// consumed exactly once.
type ResetTokenStore interface {
	// SaveResetToken stores a hashed reset token for a user.
	SaveResetToken(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error

	// ConsumeResetToken retrieves and deletes a reset token in one step,
	// returning the owning user id. Returns ErrResetTokenNotFound for
	// unknown, consumed, or expired tokens.
	ConsumeResetToken(ctx context.Context, tokenHash string) (string, error)
}

// CounterStore supports fixed-window counters for rate limiting shared
// across replicas. Optional: in-process deployments use the token-bucket
// limiter instead.
type CounterStore interface {
	// IncrementWindow increments the counter for key in the current
	// fixed window and returns the new count. The first increment of a
	// window sets the window's TTL.
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}
