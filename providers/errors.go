package providers

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"golang.org/x/oauth2"
)

// Provider failure sentinels. Wrapped by implementations so
// DescribeSignInError can classify without string matching.
var (
	// ErrIntegrationNotFound indicates the referenced integration does not
	// exist or was removed.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrProfileStatus indicates the userinfo endpoint answered with a
	// non-200 status.
	ErrProfileStatus = errors.New("could not retrieve profile info")

	// ErrProfileNotJSON indicates the userinfo body was not valid JSON.
	ErrProfileNotJSON = errors.New("could not parse profile response")

	// ErrProfileMissingClaims indicates the userinfo response lacked the
	// required sub or email claims.
	ErrProfileMissingClaims = errors.New("profile info missing required claims")
)

// Classification buckets returned by ClassifySignInError, used as metric
// labels.
const (
	ClassInvalidClient        = "invalid_client"
	ClassInvalidGrant         = "invalid_grant"
	ClassUnauthorizedClient   = "unauthorized_client"
	ClassInvalidRequest       = "invalid_request"
	ClassUnsupportedGrantType = "unsupported_grant_type"
	ClassInvalidScope         = "invalid_scope"
	ClassIntegrationNotFound  = "integration_not_found"
	ClassProfileStatus        = "profile_status"
	ClassProfileNotJSON       = "profile_not_json"
	ClassProfileClaims        = "profile_missing_claims"
	ClassConnectivity         = "connectivity"
	ClassUnknown              = "unknown"
)

// ClassifySignInError sorts a federated sign-in failure into one of a
// fixed set of buckets. OAuth2 error codes are read from the token
// endpoint's structured response; transport failures are detected from the
// error chain so no upstream body inspection is needed.
func ClassifySignInError(err error) string {
	if err == nil {
		return ClassUnknown
	}

	switch {
	case errors.Is(err, ErrIntegrationNotFound):
		return ClassIntegrationNotFound
	case errors.Is(err, ErrProfileStatus):
		return ClassProfileStatus
	case errors.Is(err, ErrProfileNotJSON):
		return ClassProfileNotJSON
	case errors.Is(err, ErrProfileMissingClaims):
		return ClassProfileClaims
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.ErrorCode
		if code == "" {
			// Some providers answer with a non-JSON error page; fall back
			// to scanning the body for the standard codes.
			code = firstOAuthCode(string(retrieveErr.Body))
		}
		switch code {
		case "invalid_client":
			return ClassInvalidClient
		case "invalid_grant":
			return ClassInvalidGrant
		case "unauthorized_client":
			return ClassUnauthorizedClient
		case "invalid_request":
			return ClassInvalidRequest
		case "unsupported_grant_type":
			return ClassUnsupportedGrantType
		case "invalid_scope":
			return ClassInvalidScope
		}
	}

	if isConnectivityError(err) {
		return ClassConnectivity
	}

	return ClassUnknown
}

func firstOAuthCode(body string) string {
	for _, code := range []string{
		"invalid_client",
		"invalid_grant",
		"unauthorized_client",
		"invalid_request",
		"unsupported_grant_type",
		"invalid_scope",
	} {
		if strings.Contains(body, code) {
			return code
		}
	}
	return ""
}

func isConnectivityError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Fixed administrator-actionable messages. These are the ONLY provider
// failure texts that cross the HTTP boundary; raw upstream bodies may
// embed vendor trace ids, tenant identifiers, or internal URLs and are
// never echoed.
var signInErrorMessages = map[string]string{
	ClassInvalidClient:        "Authentication with your identity provider failed due to invalid client credentials. This commonly happens when the client secret has expired or the client ID is incorrect. Please review your integration settings.",
	ClassInvalidGrant:         "The authorization could not be completed. This can happen if the authorization code has expired. Please try signing in again.",
	ClassUnauthorizedClient:   "Your identity provider rejected the client authorization. Please verify your integration configuration.",
	ClassInvalidRequest:       "Your identity provider rejected the token request as malformed. This may indicate a misconfigured token endpoint URL. Please review your integration settings.",
	ClassUnsupportedGrantType: "Your identity provider does not support the authorization code grant type. Please verify the provider supports the OAuth 2.0 authorization code flow.",
	ClassInvalidScope:         "Your identity provider rejected the requested scopes. Please review the additional scopes configured in your integration settings.",
	ClassIntegrationNotFound:  "The integration could not be found. It may have been removed or misconfigured. Please contact your organization administrator.",
	ClassProfileStatus:        "Your identity provider's user info endpoint returned an error. Please verify the user info endpoint URL in your integration settings is correct.",
	ClassProfileNotJSON:       "Your identity provider's user info endpoint returned an invalid response. Please verify the user info endpoint URL in your integration settings is correct.",
	ClassProfileClaims:        "Your identity provider's user info endpoint did not return the required fields (sub, email). Please verify your provider is configured to include these claims.",
	ClassConnectivity:         "Could not connect to your identity provider. Please verify the endpoint URLs in your integration settings are correct and the server is accessible.",
	ClassUnknown:              "An unexpected error occurred while authenticating with your identity provider. Please verify your integration configuration or contact your administrator.",
}

// DescribeSignInError maps a federated sign-in failure to a safe, fixed
// message pointing administrators toward the likely cause.
func DescribeSignInError(err error) string {
	return signInErrorMessages[ClassifySignInError(err)]
}
