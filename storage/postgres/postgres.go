// Package postgres provides a PostgreSQL implementation of the session,
// user, and reset-token stores, backed by a pgx connection pool. Schema
// migrations are embedded and applied with Migrate.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schemahub/authkit/instrumentation"
	"github.com/schemahub/authkit/storage"
)

// uniqueViolation is the Postgres error code for unique constraint
// violations.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed implementation of the session, user, and
// reset-token stores. OAuth state and rate counters are short-lived and
// belong in the valkey or memory store instead.
type Store struct {
	pool   *pgxpool.Pool
	inst   *instrumentation.Instrumentation
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.SessionStore    = (*Store)(nil)
	_ storage.UserStore       = (*Store)(nil)
	_ storage.ResetTokenStore = (*Store)(nil)
)

// New creates a store over an existing connection pool. The caller owns
// the pool's lifecycle.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("connection pool is required")
	}
	return &Store{pool: pool, logger: slog.Default()}, nil
}

// Connect opens a connection pool for dsn and returns a store over it.
// Close releases the pool.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("database DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool)
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables metrics for storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

func (s *Store) recordOp(ctx context.Context, operation string, start time.Time, err error) {
	if s.inst == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.inst.Metrics().RecordStorageOperation(ctx, operation,
		result, float64(time.Since(start).Milliseconds()))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "create_session", start, err) }()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO auth_sessions (handle, user_id, refresh_token_hash_2, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		session.Handle, session.UserID, session.RefreshTokenHash2,
		session.Data, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, handle string) (session *storage.Session, err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "get_session", start, err) }()

	var rec storage.Session
	err = s.pool.QueryRow(ctx, `
		SELECT handle, user_id, refresh_token_hash_2, data, created_at, expires_at
		FROM auth_sessions WHERE handle = $1`,
		handle).Scan(&rec.Handle, &rec.UserID, &rec.RefreshTokenHash2,
		&rec.Data, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &rec, nil
}

func (s *Store) DeleteSession(ctx context.Context, handle string) (err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "delete_session", start, err) }()

	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE handle = $1`, handle)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

// SwapRefreshHash replaces the stored refresh hash only when the current
// value still matches oldHash2. The conditional UPDATE makes the swap a
// single atomic compare-and-set; a concurrent refresh that already won
// leaves zero rows affected.
func (s *Store) SwapRefreshHash(ctx context.Context, handle, oldHash2, newHash2 string) (err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "swap_refresh_hash", start, err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE auth_sessions SET refresh_token_hash_2 = $1
		WHERE handle = $2 AND refresh_token_hash_2 = $3`,
		newHash2, handle, oldHash2)
	if err != nil {
		return fmt.Errorf("failed to swap refresh hash: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a lost race from a vanished session.
	var exists bool
	if probeErr := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM auth_sessions WHERE handle = $1)`,
		handle).Scan(&exists); probeErr != nil {
		return fmt.Errorf("failed to probe session: %w", probeErr)
	}
	if !exists {
		return storage.ErrSessionNotFound
	}
	return storage.ErrRotationConflict
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (removed int, err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "delete_expired_sessions", start, err) }()

	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- UserStore ---

func (s *Store) CreateUser(ctx context.Context, user *storage.User) (err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "create_user", start, err) }()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO auth_users (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user *storage.User, err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "get_user_by_email", start, err) }()

	return s.getUser(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM auth_users WHERE email = $1`, email)
}

func (s *Store) GetUserByID(ctx context.Context, id string) (user *storage.User, err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "get_user_by_id", start, err) }()

	return s.getUser(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM auth_users WHERE id = $1`, id)
}

func (s *Store) getUser(ctx context.Context, query, arg string) (*storage.User, error) {
	var rec storage.User
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&rec.ID, &rec.Email, &rec.PasswordHash, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &rec, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) (err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "update_password_hash", start, err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE auth_users SET password_hash = $1, updated_at = now() WHERE id = $2`,
		passwordHash, userID)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

// FindOrCreateIdentity resolves a federated identity to a local user,
// creating both when neither exists. An existing account with the same
// email is linked rather than duplicated.
func (s *Store) FindOrCreateIdentity(ctx context.Context, provider, subjectID, email string) (user *storage.User, err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "find_or_create_identity", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	err = tx.QueryRow(ctx, `
		SELECT user_id FROM auth_identities WHERE provider = $1 AND subject_id = $2`,
		provider, subjectID).Scan(&userID)
	switch {
	case err == nil:
		// Known identity.
	case errors.Is(err, pgx.ErrNoRows):
		userID, err = s.linkOrCreateUser(ctx, tx, provider, subjectID, email)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}

	var rec storage.User
	err = tx.QueryRow(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM auth_users WHERE id = $1`, userID).Scan(
		&rec.ID, &rec.Email, &rec.PasswordHash, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &rec, nil
}

func (s *Store) linkOrCreateUser(ctx context.Context, tx pgx.Tx, provider, subjectID, email string) (string, error) {
	var userID string
	err := tx.QueryRow(ctx, `SELECT id FROM auth_users WHERE email = $1`, email).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `
			INSERT INTO auth_users (id, email) VALUES (gen_random_uuid()::text, $1)
			RETURNING id`, email).Scan(&userID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve user for identity: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO auth_identities (provider, subject_id, user_id, email)
		VALUES ($1, $2, $3, $4)`,
		provider, subjectID, userID, email)
	if err != nil {
		return "", fmt.Errorf("failed to create identity: %w", err)
	}
	return userID, nil
}

// --- ResetTokenStore ---

func (s *Store) SaveResetToken(ctx context.Context, tokenHash, userID string, expiresAt time.Time) (err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "save_reset_token", start, err) }()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO auth_reset_tokens (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = $2, expires_at = $3`,
		tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to save reset token: %w", err)
	}
	return nil
}

// ConsumeResetToken deletes the token and returns its user in one
// statement, so a token can be redeemed at most once.
func (s *Store) ConsumeResetToken(ctx context.Context, tokenHash string) (userID string, err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "consume_reset_token", start, err) }()

	var expiresAt time.Time
	err = s.pool.QueryRow(ctx, `
		DELETE FROM auth_reset_tokens WHERE token_hash = $1
		RETURNING user_id, expires_at`,
		tokenHash).Scan(&userID, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", storage.ErrResetTokenNotFound
		}
		return "", fmt.Errorf("failed to consume reset token: %w", err)
	}
	if time.Now().After(expiresAt) {
		return "", storage.ErrResetTokenNotFound
	}
	return userID, nil
}
