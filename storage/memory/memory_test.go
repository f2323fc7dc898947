package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/schemahub/authkit/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func testSession(handle string) *storage.Session {
	now := time.Now()
	return &storage.Session{
		Handle:            handle,
		UserID:            "user-1",
		RefreshTokenHash2: "hash2",
		Data:              []byte(`{"version":"2"}`),
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.UserID != "user-1" || got.RefreshTokenHash2 != "hash2" {
		t.Errorf("GetSession() = %+v, want stored fields", got)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrSessionNotFound", err)
	}

	// Deleting an absent session is not an error.
	if err := s.DeleteSession(ctx, "missing"); err != nil {
		t.Errorf("DeleteSession(missing) error = %v", err)
	}
}

func TestSwapRefreshHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if err := s.SwapRefreshHash(ctx, "s1", "hash2", "hash3"); err != nil {
		t.Fatalf("SwapRefreshHash() error = %v", err)
	}
	got, _ := s.GetSession(ctx, "s1")
	if got.RefreshTokenHash2 != "hash3" {
		t.Errorf("RefreshTokenHash2 = %q, want hash3", got.RefreshTokenHash2)
	}

	// Swapping from the stale value must fail.
	if err := s.SwapRefreshHash(ctx, "s1", "hash2", "hash4"); !errors.Is(err, storage.ErrRotationConflict) {
		t.Errorf("SwapRefreshHash(stale) error = %v, want ErrRotationConflict", err)
	}

	if err := s.SwapRefreshHash(ctx, "missing", "a", "b"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("SwapRefreshHash(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestSwapRefreshHashConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.SwapRefreshHash(ctx, "s1", "hash2", "hash3"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("%d swaps succeeded, want exactly 1", winners)
	}
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := testSession("old")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.CreateSession(ctx, expired); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.CreateSession(ctx, testSession("fresh")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	removed, err := s.DeleteExpiredSessions(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpiredSessions() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.GetSession(ctx, "fresh"); err != nil {
		t.Errorf("fresh session removed: %v", err)
	}
}

func TestUserStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &storage.User{ID: "u1", Email: "user@example.com", PasswordHash: "hash"}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := s.CreateUser(ctx, &storage.User{ID: "u2", Email: "user@example.com"}); !errors.Is(err, storage.ErrEmailTaken) {
		t.Errorf("CreateUser(duplicate email) error = %v, want ErrEmailTaken", err)
	}

	byEmail, err := s.GetUserByEmail(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if byEmail.ID != "u1" {
		t.Errorf("GetUserByEmail().ID = %q, want u1", byEmail.ID)
	}

	if _, err := s.GetUserByID(ctx, "nope"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUserByID(missing) error = %v, want ErrUserNotFound", err)
	}

	if err := s.UpdatePasswordHash(ctx, "u1", "newhash"); err != nil {
		t.Fatalf("UpdatePasswordHash() error = %v", err)
	}
	updated, _ := s.GetUserByID(ctx, "u1")
	if updated.PasswordHash != "newhash" {
		t.Errorf("PasswordHash = %q, want newhash", updated.PasswordHash)
	}
}

func TestFindOrCreateIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.FindOrCreateIdentity(ctx, "github", "sub-1", "dev@example.com")
	if err != nil {
		t.Fatalf("FindOrCreateIdentity() error = %v", err)
	}
	if first.Email != "dev@example.com" {
		t.Errorf("created user email = %q", first.Email)
	}

	// Same identity resolves to the same user.
	again, err := s.FindOrCreateIdentity(ctx, "github", "sub-1", "dev@example.com")
	if err != nil {
		t.Fatalf("FindOrCreateIdentity() second call error = %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("second resolve user = %q, want %q", again.ID, first.ID)
	}

	// A different provider with the same email links to the existing account.
	linked, err := s.FindOrCreateIdentity(ctx, "google", "sub-9", "dev@example.com")
	if err != nil {
		t.Fatalf("FindOrCreateIdentity() google error = %v", err)
	}
	if linked.ID != first.ID {
		t.Errorf("google identity user = %q, want %q", linked.ID, first.ID)
	}
}

func TestStateStoreSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := &storage.OAuthState{
		State:        "state-value",
		Provider:     "github",
		CodeVerifier: "verifier",
		ExpiresAt:    time.Now().Add(storage.DefaultStateTTL),
	}
	if err := s.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	got, err := s.ConsumeState(ctx, "state-value")
	if err != nil {
		t.Fatalf("ConsumeState() error = %v", err)
	}
	if got.CodeVerifier != "verifier" || got.Provider != "github" {
		t.Errorf("ConsumeState() = %+v, want stored fields", got)
	}

	// Second consume must miss: single use.
	if _, err := s.ConsumeState(ctx, "state-value"); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("second ConsumeState() error = %v, want ErrStateNotFound", err)
	}
}

func TestStateStoreExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := &storage.OAuthState{
		State:     "stale",
		Provider:  "google",
		ExpiresAt: time.Now().Add(-time.Second),
	}
	if err := s.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	if _, err := s.ConsumeState(ctx, "stale"); !errors.Is(err, storage.ErrStateExpired) {
		t.Errorf("ConsumeState(expired) error = %v, want ErrStateExpired", err)
	}
	// Consuming removed it even though it was expired.
	if _, err := s.ConsumeState(ctx, "stale"); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("ConsumeState() after expiry consume error = %v, want ErrStateNotFound", err)
	}
}

func TestConsumeStateConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveState(ctx, &storage.OAuthState{
		State:     "raced",
		Provider:  "okta",
		ExpiresAt: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	hits := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeState(ctx, "raced"); err == nil {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if hits != 1 {
		t.Errorf("%d consumes succeeded, want exactly 1", hits)
	}
}

func TestResetTokenStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveResetToken(ctx, "tokenhash", "u1", time.Now().Add(15*time.Minute)); err != nil {
		t.Fatalf("SaveResetToken() error = %v", err)
	}

	userID, err := s.ConsumeResetToken(ctx, "tokenhash")
	if err != nil {
		t.Fatalf("ConsumeResetToken() error = %v", err)
	}
	if userID != "u1" {
		t.Errorf("ConsumeResetToken() = %q, want u1", userID)
	}

	if _, err := s.ConsumeResetToken(ctx, "tokenhash"); !errors.Is(err, storage.ErrResetTokenNotFound) {
		t.Errorf("second ConsumeResetToken() error = %v, want ErrResetTokenNotFound", err)
	}

	if err := s.SaveResetToken(ctx, "stale", "u1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SaveResetToken() error = %v", err)
	}
	if _, err := s.ConsumeResetToken(ctx, "stale"); !errors.Is(err, storage.ErrResetTokenNotFound) {
		t.Errorf("ConsumeResetToken(expired) error = %v, want ErrResetTokenNotFound", err)
	}
}

func TestIncrementWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.SetClock(func() time.Time { return base })

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrementWindow(ctx, "ip:1.2.3.4", time.Minute)
		if err != nil {
			t.Fatalf("IncrementWindow() error = %v", err)
		}
		if got != want {
			t.Errorf("IncrementWindow() = %d, want %d", got, want)
		}
	}

	// A new window starts from zero.
	s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	got, err := s.IncrementWindow(ctx, "ip:1.2.3.4", time.Minute)
	if err != nil {
		t.Fatalf("IncrementWindow() error = %v", err)
	}
	if got != 1 {
		t.Errorf("IncrementWindow() after window reset = %d, want 1", got)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	s := NewWithInterval(10 * time.Millisecond)
	defer s.Stop()
	ctx := context.Background()

	expired := testSession("old")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.CreateSession(ctx, expired); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.GetSession(ctx, "old"); errors.Is(err, storage.ErrSessionNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expired session not cleaned up")
}
