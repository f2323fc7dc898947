package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func auditorWithBuffer(t *testing.T, enabled bool) (*Auditor, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditorHashesUserID(t *testing.T) {
	a, buf := auditorWithBuffer(t, true)

	a.LogSignIn("user-123", "password", "203.0.113.5")

	out := buf.String()
	if strings.Contains(out, "user-123") {
		t.Errorf("audit output contains raw user ID: %s", out)
	}
	if !strings.Contains(out, "event_type="+EventSignIn) {
		t.Errorf("audit output missing event type: %s", out)
	}
	if !strings.Contains(out, "203.0.113.5") {
		t.Errorf("audit output missing IP: %s", out)
	}
}

func TestAuditorDisabled(t *testing.T) {
	a, buf := auditorWithBuffer(t, false)

	a.LogSignIn("user-123", "password", "203.0.113.5")
	a.LogRotationConflict("user-123", "203.0.113.5")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor produced output: %s", buf.String())
	}
}

func TestAuditorEventTypes(t *testing.T) {
	a, buf := auditorWithBuffer(t, true)

	a.LogSignInFailed("github", "203.0.113.5", "invalid credentials")
	a.LogSignUp("user-1", "203.0.113.5")
	a.LogSignOut("user-1", "203.0.113.5")
	a.LogSessionRefreshed("user-1", "203.0.113.5")
	a.LogRotationConflict("user-1", "203.0.113.5")
	a.LogPasswordReset(EventPasswordResetRequested, "user-1", "203.0.113.5")
	a.LogRateLimitExceeded("203.0.113.5", "/auth-api/signin")
	a.LogStateMismatch("google", "203.0.113.5", "state not found")

	out := buf.String()
	for _, event := range []string{
		EventSignInFailed, EventSignUp, EventSignOut, EventSessionRefreshed,
		EventRotationConflict, EventPasswordResetRequested,
		EventRateLimitExceeded, EventStateMismatch,
	} {
		if !strings.Contains(out, "event_type="+event) {
			t.Errorf("missing event %q in audit output", event)
		}
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	h := hashForLogging("user-123")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h == hashForLogging("user-124") {
		t.Error("different inputs hashed to the same value")
	}
}
