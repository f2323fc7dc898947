package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the library.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Sign-in surface
	SignInsTotal      metric.Int64Counter
	SignUpsTotal      metric.Int64Counter
	SignOutsTotal     metric.Int64Counter
	PasswordResets    metric.Int64Counter
	SessionRefreshes  metric.Int64Counter
	RotationConflicts metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StoreSessionsCount       metric.Int64ObservableGauge
	StoreUsersCount          metric.Int64ObservableGauge
	StoreStatesCount         metric.Int64ObservableGauge
	StoreResetTokensCount    metric.Int64ObservableGauge
	StateCacheOpsTotal       metric.Int64Counter

	// Federated providers
	ProviderExchangesTotal   metric.Int64Counter
	ProviderExchangeDuration metric.Float64Histogram
	ProviderErrorsTotal      metric.Int64Counter
}

// newMetrics creates all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	httpMeter := inst.Meter("http")
	sessionMeter := inst.Meter("session")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"auth.http.requests.total",
		metric.WithDescription("Total HTTP requests on the auth API"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"auth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.SignInsTotal, err = sessionMeter.Int64Counter(
		"auth.signins.total",
		metric.WithDescription("Sign-in attempts by method and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signins.total counter: %w", err)
	}

	m.SignUpsTotal, err = sessionMeter.Int64Counter(
		"auth.signups.total",
		metric.WithDescription("Sign-up attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signups.total counter: %w", err)
	}

	m.SignOutsTotal, err = sessionMeter.Int64Counter(
		"auth.signouts.total",
		metric.WithDescription("Completed sign-outs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signouts.total counter: %w", err)
	}

	m.PasswordResets, err = sessionMeter.Int64Counter(
		"auth.password_resets.total",
		metric.WithDescription("Password reset requests and completions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create password_resets.total counter: %w", err)
	}

	m.SessionRefreshes, err = sessionMeter.Int64Counter(
		"auth.session.refreshes.total",
		metric.WithDescription("Refresh rotations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.refreshes.total counter: %w", err)
	}

	m.RotationConflicts, err = sessionMeter.Int64Counter(
		"auth.session.rotation_conflicts.total",
		metric.WithDescription("Refresh rotations that lost the hash swap race"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.rotation_conflicts.total counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"auth.rate_limit.exceeded",
		metric.WithDescription("Rate limit violations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"auth.audit.events.total",
		metric.WithDescription("Audit events by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Storage operations by operation and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StoreSessionsCount, err = storageMeter.Int64ObservableGauge(
		"storage.sessions.count",
		metric.WithDescription("Current number of stored sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions.count gauge: %w", err)
	}

	m.StoreUsersCount, err = storageMeter.Int64ObservableGauge(
		"storage.users.count",
		metric.WithDescription("Current number of stored users"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.users.count gauge: %w", err)
	}

	m.StoreStatesCount, err = storageMeter.Int64ObservableGauge(
		"storage.states.count",
		metric.WithDescription("Current number of pending authorization states"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.states.count gauge: %w", err)
	}

	m.StoreResetTokensCount, err = storageMeter.Int64ObservableGauge(
		"storage.reset_tokens.count",
		metric.WithDescription("Current number of outstanding password reset tokens"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.reset_tokens.count gauge: %w", err)
	}

	m.StateCacheOpsTotal, err = storageMeter.Int64Counter(
		"storage.state_cache.operations.total",
		metric.WithDescription("State cache save/consume operations by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.state_cache.operations.total counter: %w", err)
	}

	m.ProviderExchangesTotal, err = providerMeter.Int64Counter(
		"provider.exchanges.total",
		metric.WithDescription("Authorization-code exchanges by provider and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.exchanges.total counter: %w", err)
	}

	m.ProviderExchangeDuration, err = providerMeter.Float64Histogram(
		"provider.exchange.duration",
		metric.WithDescription("Authorization-code exchange duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.exchange.duration histogram: %w", err)
	}

	m.ProviderErrorsTotal, err = providerMeter.Int64Counter(
		"provider.errors.total",
		metric.WithDescription("Provider failures by provider and error class"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.errors.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns.

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordSignIn records a sign-in attempt. method is "password" or the
// federated provider name; status is "ok", "wrong_credentials",
// "not_allowed", or "error".
func (m *Metrics) RecordSignIn(ctx context.Context, method, status string) {
	m.SignInsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	))
}

// RecordSignUp records a sign-up attempt.
func (m *Metrics) RecordSignUp(ctx context.Context, status string) {
	m.SignUpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordSignOut records a completed sign-out.
func (m *Metrics) RecordSignOut(ctx context.Context) {
	m.SignOutsTotal.Add(ctx, 1)
}

// RecordPasswordReset records a reset-flow step: "requested" or "completed".
func (m *Metrics) RecordPasswordReset(ctx context.Context, step string) {
	m.PasswordResets.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
	))
}

// RecordSessionRefresh records a refresh rotation attempt.
func (m *Metrics) RecordSessionRefresh(ctx context.Context, status string) {
	m.SessionRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordRotationConflict records a refresh rotation that lost the swap race.
func (m *Metrics) RecordRotationConflict(ctx context.Context) {
	m.RotationConflicts.Add(ctx, 1)
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordAuditEvent records an emitted audit event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation with its duration.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordStateCacheOp records a state-cache save or consume.
func (m *Metrics) RecordStateCacheOp(ctx context.Context, operation, result string) {
	m.StateCacheOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}

// RecordProviderExchange records an authorization-code exchange.
func (m *Metrics) RecordProviderExchange(ctx context.Context, provider, status string, durationMs float64) {
	m.ProviderExchangesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	m.ProviderExchangeDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordProviderError records a provider failure by error class.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, errorClass string) {
	m.ProviderErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("error_class", errorClass),
	))
}
