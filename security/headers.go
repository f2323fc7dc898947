package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets security headers on auth endpoint responses.
// Auth responses carry tokens, so caching is disabled and framing denied.
func SetSecurityHeaders(w http.ResponseWriter, appURL string) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")

	// HSTS only makes sense when the app is actually served over HTTPS.
	if parsed, err := url.Parse(appURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
