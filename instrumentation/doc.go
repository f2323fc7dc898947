// Package instrumentation provides OpenTelemetry metrics and tracing for
// the authkit library.
//
// When instrumentation is not configured or disabled, no-op providers are
// used and the overhead is zero. When enabled, counters and histograms
// cover the sign-in surface (password and federated sign-ins, refresh
// rotations and rotation conflicts, provider exchanges, state-cache
// operations) and observable gauges expose store sizes.
//
// SECURITY: observability data carries metadata only. Actual token values,
// password material, and client secrets must never appear in span
// attributes or metric labels.
package instrumentation
