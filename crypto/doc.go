// Package crypto implements the token primitives for the auth core:
// bcrypt password hashing, the PBKDF2/AES-256-GCM refresh-token envelope,
// RS256 access-token signing with key-id based rotation, and the
// non-authoritative front-token encoding.
//
// Everything in this package is a pure function over its inputs. Key
// material is loaded once at process start and treated as immutable;
// rotation happens through the key id carried in signed tokens, never
// through live key reload.
package crypto
