// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/schemahub/authkit/crypto"
	"github.com/schemahub/authkit/instrumentation"
	"github.com/schemahub/authkit/storage"
)

type resetToken struct {
	userID    string
	expiresAt time.Time
}

type counterWindow struct {
	count   int64
	resetAt time.Time
}

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	sessions map[string]*storage.Session

	users        map[string]*storage.User // user ID -> user
	usersByEmail map[string]string        // email -> user ID
	identities   map[string]*storage.Identity

	// Flow state, indexed by hash of the state value so a memory dump
	// does not yield redeemable states.
	states map[string]*storage.OAuthState

	resetTokens map[string]*resetToken

	counters map[string]*counterWindow

	// Instrumentation
	inst  *instrumentation.Instrumentation
	clock func() time.Time

	// Atomic counters for gauges (lock-free during metric collection)
	sessionsCountAtomic    atomic.Int64
	usersCountAtomic       atomic.Int64
	statesCountAtomic      atomic.Int64
	resetTokensCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.SessionStore    = (*Store)(nil)
	_ storage.UserStore       = (*Store)(nil)
	_ storage.StateStore      = (*Store)(nil)
	_ storage.ResetTokenStore = (*Store)(nil)
	_ storage.CounterStore    = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. A non-positive interval selects the default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		sessions:        make(map[string]*storage.Session),
		users:           make(map[string]*storage.User),
		usersByEmail:    make(map[string]string),
		identities:      make(map[string]*storage.Identity),
		states:          make(map[string]*storage.OAuthState),
		resetTokens:     make(map[string]*resetToken),
		counters:        make(map[string]*counterWindow),
		clock:           time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the store's clock, for tests.
func (s *Store) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// SetInstrumentation wires OpenTelemetry instrumentation and registers the
// store size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst != nil {
		if err := inst.RegisterStoreSizeCallbacks(
			func() int64 { return s.sessionsCountAtomic.Load() },
			func() int64 { return s.usersCountAtomic.Load() },
			func() int64 { return s.statesCountAtomic.Load() },
			func() int64 { return s.resetTokensCountAtomic.Load() },
		); err != nil {
			s.logger.Warn("failed to register store size gauges", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// recordOp records a storage operation metric when instrumentation is set.
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

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "create_session", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.Handle]; exists {
		return fmt.Errorf("session %q already exists", session.Handle)
	}

	clone := *session
	s.sessions[session.Handle] = &clone
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	return nil
}

func (s *Store) GetSession(ctx context.Context, handle string) (session *storage.Session, err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "get_session", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.sessions[handle]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *Store) DeleteSession(ctx context.Context, handle string) (err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "delete_session", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, handle)
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	return nil
}

func (s *Store) SwapRefreshHash(ctx context.Context, handle, oldHash2, newHash2 string) (err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "swap_refresh_hash", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[handle]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if record.RefreshTokenHash2 != oldHash2 {
		return storage.ErrRotationConflict
	}
	record.RefreshTokenHash2 = newHash2
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for handle, record := range s.sessions {
		if !record.ExpiresAt.After(now) {
			delete(s.sessions, handle)
			removed++
		}
	}
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	return removed, nil
}

// --- UserStore ---

func (s *Store) CreateUser(ctx context.Context, user *storage.User) (err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "create_user", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usersByEmail[user.Email]; taken {
		return storage.ErrEmailTaken
	}

	clone := *user
	s.users[user.ID] = &clone
	s.usersByEmail[user.Email] = user.ID
	s.usersCountAtomic.Store(int64(len(s.users)))
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user *storage.User, err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "get_user_by_email", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	clone := *s.users[id]
	return &clone, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (user *storage.User, err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "get_user_by_id", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) (err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "update_password_hash", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	record.PasswordHash = passwordHash
	record.UpdatedAt = s.clock()
	return nil
}

func (s *Store) FindOrCreateIdentity(ctx context.Context, provider, subjectID, email string) (user *storage.User, err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "find_or_create_identity", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey(provider, subjectID)
	if identity, ok := s.identities[key]; ok {
		clone := *s.users[identity.UserID]
		return &clone, nil
	}

	now := s.clock()

	// Link to an existing account with the same email, or create one.
	userID, ok := s.usersByEmail[email]
	if !ok {
		userID = uuid.NewString()
		s.users[userID] = &storage.User{
			ID:        userID,
			Email:     email,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.usersByEmail[email] = userID
		s.usersCountAtomic.Store(int64(len(s.users)))
	}

	s.identities[key] = &storage.Identity{
		Provider:  provider,
		SubjectID: subjectID,
		UserID:    userID,
		Email:     email,
		CreatedAt: now,
	}

	clone := *s.users[userID]
	return &clone, nil
}

func identityKey(provider, subjectID string) string {
	return provider + "\x00" + subjectID
}

// --- StateStore ---

func (s *Store) SaveState(ctx context.Context, state *storage.OAuthState) (err error) {
	start := s.clock()
	defer func() {
		s.recordOp(ctx, "save_state", start, err)
		if s.inst != nil {
			result := "success"
			if err != nil {
				result = "error"
			}
			s.inst.Metrics().RecordStateCacheOp(ctx, "save", result)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *state
	if clone.ExpiresAt.IsZero() {
		clone.ExpiresAt = s.clock().Add(storage.DefaultStateTTL)
	}
	s.states[crypto.SHA256Hex(state.State)] = &clone
	s.statesCountAtomic.Store(int64(len(s.states)))
	return nil
}

func (s *Store) ConsumeState(ctx context.Context, state string) (record *storage.OAuthState, err error) {
	start := s.clock()
	defer func() {
		s.recordOp(ctx, "consume_state", start, err)
		if s.inst != nil {
			result := "success"
			if err != nil {
				result = "miss"
			}
			s.inst.Metrics().RecordStateCacheOp(ctx, "consume", result)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := crypto.SHA256Hex(state)
	stored, ok := s.states[key]
	if !ok {
		return nil, storage.ErrStateNotFound
	}

	// Single use: the state is gone whether it turns out valid or expired.
	delete(s.states, key)
	s.statesCountAtomic.Store(int64(len(s.states)))

	if !stored.ExpiresAt.After(s.clock()) {
		return nil, storage.ErrStateExpired
	}

	clone := *stored
	return &clone, nil
}

// --- ResetTokenStore ---

func (s *Store) SaveResetToken(ctx context.Context, tokenHash, userID string, expiresAt time.Time) (err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "save_reset_token", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetTokens[tokenHash] = &resetToken{userID: userID, expiresAt: expiresAt}
	s.resetTokensCountAtomic.Store(int64(len(s.resetTokens)))
	return nil
}

func (s *Store) ConsumeResetToken(ctx context.Context, tokenHash string) (userID string, err error) {
	start := s.clock()
	defer func() { s.recordOp(ctx, "consume_reset_token", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.resetTokens[tokenHash]
	if !ok {
		return "", storage.ErrResetTokenNotFound
	}

	delete(s.resetTokens, tokenHash)
	s.resetTokensCountAtomic.Store(int64(len(s.resetTokens)))

	if !stored.expiresAt.After(s.clock()) {
		return "", storage.ErrResetTokenNotFound
	}
	return stored.userID, nil
}

// --- CounterStore ---

func (s *Store) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	counter, ok := s.counters[key]
	if !ok || !counter.resetAt.After(now) {
		counter = &counterWindow{resetAt: now.Add(window)}
		s.counters[key] = counter
	}
	counter.count++
	return counter.count, nil
}

// --- Cleanup ---

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	removedSessions, removedStates, removedTokens := 0, 0, 0

	for handle, record := range s.sessions {
		if !record.ExpiresAt.After(now) {
			delete(s.sessions, handle)
			removedSessions++
		}
	}
	for key, record := range s.states {
		if !record.ExpiresAt.After(now) {
			delete(s.states, key)
			removedStates++
		}
	}
	for key, record := range s.resetTokens {
		if !record.expiresAt.After(now) {
			delete(s.resetTokens, key)
			removedTokens++
		}
	}
	for key, counter := range s.counters {
		if !counter.resetAt.After(now) {
			delete(s.counters, key)
		}
	}

	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.statesCountAtomic.Store(int64(len(s.states)))
	s.resetTokensCountAtomic.Store(int64(len(s.resetTokens)))

	if removedSessions > 0 || removedStates > 0 || removedTokens > 0 {
		s.logger.Debug("cleaned up expired records",
			"sessions", removedSessions,
			"states", removedStates,
			"resetTokens", removedTokens,
		)
	}
}
