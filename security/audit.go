package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event type constants for security audit logging.
const (
	// EventSignIn is logged on a successful sign-in (password or federated)
	EventSignIn = "sign_in"

	// EventSignInFailed is logged when credentials or a federated flow are rejected
	EventSignInFailed = "sign_in_failed"

	// EventSignUp is logged when a new account is created
	EventSignUp = "sign_up"

	// EventSignOut is logged when a session is revoked by the user
	EventSignOut = "sign_out"

	// EventSessionRefreshed is logged when a refresh token is rotated
	EventSessionRefreshed = "session_refreshed"

	// EventRotationConflict is logged when a stale or replayed refresh token
	// loses the rotation race. May indicate token theft.
	EventRotationConflict = "rotation_conflict"

	// EventPasswordResetRequested is logged when a reset token is issued
	EventPasswordResetRequested = "password_reset_requested"

	// EventPasswordResetCompleted is logged when a reset token is redeemed
	EventPasswordResetCompleted = "password_reset_completed"

	// EventRateLimitExceeded is logged when a rate limit rejects a request
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventStateMismatch is logged when an OAuth callback presents an
	// unknown or already-consumed state
	EventStateMismatch = "state_mismatch"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor. With enabled false all Log*
// calls are no-ops.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	Provider  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. The user ID is hashed so audit output
// can leave the trust boundary of the primary database.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"provider", event.Provider,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogSignIn logs a successful sign-in.
func (a *Auditor) LogSignIn(userID, method, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventSignIn,
		UserID:    userID,
		Provider:  method,
		IPAddress: ipAddress,
	})
}

// LogSignInFailed logs a rejected sign-in attempt.
func (a *Auditor) LogSignInFailed(method, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventSignInFailed,
		Provider:  method,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogSignUp logs account creation.
func (a *Auditor) LogSignUp(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventSignUp,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogSignOut logs session revocation.
func (a *Auditor) LogSignOut(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventSignOut,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogSessionRefreshed logs a successful refresh rotation.
func (a *Auditor) LogSessionRefreshed(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventSessionRefreshed,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogRotationConflict logs a refresh token that lost the rotation race
// or was replayed after rotation.
func (a *Auditor) LogRotationConflict(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventRotationConflict,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogPasswordReset logs reset-token issuance or redemption.
func (a *Auditor) LogPasswordReset(eventType, userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      eventType,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogRateLimitExceeded logs a rate limit rejection.
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// LogStateMismatch logs an OAuth callback with an unusable state.
func (a *Auditor) LogStateMismatch(provider, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventStateMismatch,
		Provider:  provider,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
