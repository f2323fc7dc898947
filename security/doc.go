// Package security provides cross-cutting security functionality for the
// auth service: secret encryption at rest, rate limiting, client IP
// extraction, request IDs, response headers, and audit logging.
//
// # Rate Limiting
//
// Two limiters are provided. Limiter is a per-identifier token bucket
// with LRU eviction, suitable for a single instance. WindowLimiter
// counts hits in fixed windows through a storage.CounterStore, so the
// limit holds across instances when backed by Valkey.
//
// WindowLimiter fails closed: if the backing store is unreachable the
// request is rejected. An attacker who can degrade the store must not
// gain an unlimited credential-stuffing window in exchange.
//
// # Audit Logging
//
// The Auditor emits structured security events. User identifiers are
// hashed before logging so audit output can be shipped to systems with
// weaker access controls than the primary database.
package security
