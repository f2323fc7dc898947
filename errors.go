package authkit

import "errors"

// Collaborator decisions surfaced as sentinels so the HTTP layer can map
// them to their dedicated response statuses without string matching.
var (
	// ErrSignUpNotAllowed is returned by a UserProvisioner to veto account
	// creation, for example when sign-ups are invitation-only.
	ErrSignUpNotAllowed = errors.New("sign up not allowed")

	// ErrSignInNotAllowed is returned by a UserProvisioner to veto a
	// sign-in, for example when the account is suspended or the federated
	// integration requires an invitation the user does not hold.
	ErrSignInNotAllowed = errors.New("sign in not allowed")

	// ErrUnknownProvider indicates the requested third-party id matches no
	// registered provider and no federated integration.
	ErrUnknownProvider = errors.New("unknown identity provider")
)

// Fixed messages crossing the HTTP boundary. Everything else stays in
// server-side logs.
const (
	msgGeneralError     = "Something went wrong. Please try again later or contact support."
	msgTooManyRequests  = "Too many requests. Please try again later."
	msgEmailExists      = "This email already exists. Please sign in instead."
	msgInvalidEmail     = "Email is invalid"
	msgWeakPassword     = "Password must contain at least 8 characters, including a number"
	msgSignUpNotAllowed = "Sign ups are currently not allowed. Please contact your administrator."
	msgSignInNotAllowed = "You are not allowed to sign in. Please contact your administrator."
)
