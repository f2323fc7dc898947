package authkit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/schemahub/authkit/crypto"
	"github.com/schemahub/authkit/security"
	"github.com/schemahub/authkit/session"
)

const (
	cookieAccessToken  = "sAccessToken"
	cookieRefreshToken = "sRefreshToken"

	// frontTokenHeader carries the unsigned client-side session hint on
	// every response that establishes or rotates a session.
	frontTokenHeader = "front-token"

	// maxBodyBytes bounds request bodies; auth payloads are tiny.
	maxBodyBytes = 1 << 20
)

// Handler returns the http.Handler serving the /auth-api routes. Every
// response carries the security headers and a request id; sensitive
// endpoints are rate limited per client IP when limiting is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	base := s.apiBasePath

	mux.HandleFunc("POST "+base+"/signup", s.handleSignUp)
	mux.HandleFunc("POST "+base+"/signin", s.handleSignIn)
	mux.HandleFunc("POST "+base+"/signout", s.handleSignOut)
	mux.HandleFunc("POST "+base+"/signinup", s.handleSignInUp)
	mux.HandleFunc("POST "+base+"/session/refresh", s.handleRefresh)
	mux.HandleFunc("POST "+base+"/user/password/reset/token", s.handlePasswordResetToken)
	mux.HandleFunc("POST "+base+"/user/password/reset", s.handlePasswordReset)
	mux.HandleFunc("GET "+base+"/authorisationurl", s.handleAuthorizationURL)

	return security.RequestIDMiddleware(s.observe(mux))
}

// observe applies the security headers and records per-request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, s.appURL)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if m := s.metrics(); m != nil {
			m.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rec.status,
				float64(time.Since(start).Milliseconds()))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "signup") {
		return
	}
	var req SignUpRequest
	if !s.decode(w, r, &req) {
		return
	}

	tokens, resp := s.SignUp(r.Context(), req, s.clientIP(r))
	if tokens != nil {
		s.setSessionCookies(w, tokens)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "signin") {
		return
	}
	var req SignInRequest
	if !s.decode(w, r, &req) {
		return
	}

	tokens, resp := s.SignIn(r.Context(), req, s.clientIP(r))
	if tokens != nil {
		s.setSessionCookies(w, tokens)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSignOut revokes the session named by the access-token cookie. The
// cookies are cleared and the client told to drop its front token even
// when no usable access token accompanied the request.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	var handle, userID string
	if cookie, err := r.Cookie(cookieAccessToken); err == nil {
		if claims, err := s.verifier.Verify(cookie.Value); err == nil {
			handle, _ = claims["sessionHandle"].(string)
			userID, _ = claims["sub"].(string)
		}
	}

	s.SignOut(r.Context(), handle, userID, s.clientIP(r))

	s.clearSessionCookies(w)
	setFrontToken(w, crypto.FrontTokenRemove)
	writeJSON(w, http.StatusOK, StatusResponse{Status: StatusOK})
}

// handleRefresh rotates the refresh cookie. Any validation failure is
// terminal: 404 with both cookies cleared, forcing re-authentication.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "refresh") {
		return
	}

	cookie, err := r.Cookie(cookieRefreshToken)
	if err != nil || cookie.Value == "" {
		s.failRefresh(w)
		return
	}

	tokens, err := s.Refresh(r.Context(), cookie.Value, s.clientIP(r))
	if err != nil {
		if session.IsTerminal(err) {
			s.failRefresh(w)
			return
		}
		writeJSON(w, http.StatusInternalServerError, StatusResponse{
			Status:  StatusGeneralError,
			Message: msgGeneralError,
		})
		return
	}

	s.setSessionCookies(w, tokens)
	writeJSON(w, http.StatusOK, StatusResponse{Status: StatusOK})
}

func (s *Server) failRefresh(w http.ResponseWriter) {
	s.clearSessionCookies(w)
	setFrontToken(w, crypto.FrontTokenRemove)
	writeJSON(w, http.StatusNotFound, StatusResponse{
		Status:  StatusGeneralError,
		Message: "unauthorised",
	})
}

func (s *Server) handlePasswordResetToken(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "password_reset_token") {
		return
	}
	var req PasswordResetTokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.RequestPasswordReset(r.Context(), req.Email, s.clientIP(r)))
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "password_reset") {
		return
	}
	var req PasswordResetRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.ResetPassword(r.Context(), req.Token, req.NewPassword, s.clientIP(r)))
}

func (s *Server) handleAuthorizationURL(w http.ResponseWriter, r *http.Request) {
	thirdPartyID := r.URL.Query().Get("thirdPartyId")
	if thirdPartyID == "" {
		writeJSON(w, http.StatusBadRequest, AuthorizationURLResponse{
			Status:  StatusGeneralError,
			Message: "thirdPartyId query parameter is required",
		})
		return
	}
	writeJSON(w, http.StatusOK, s.AuthorizationURL(r.Context(), thirdPartyID))
}

func (s *Server) handleSignInUp(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "signinup") {
		return
	}
	var req SignInUpRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ThirdPartyID == "" || req.Code == "" || req.State == "" {
		writeJSON(w, http.StatusBadRequest, AuthResponse{
			Status:  StatusGeneralError,
			Message: "thirdPartyId, code and state are required",
		})
		return
	}

	tokens, resp := s.SignInUp(r.Context(), req, s.clientIP(r))
	if tokens != nil {
		s.setSessionCookies(w, tokens)
	}
	writeJSON(w, http.StatusOK, resp)
}

// allow applies the configured rate limit for the endpoint, writing the
// generic throttle response on rejection. The shared window limiter also
// rejects when it cannot consult its store.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if s.limiter == nil && s.bucket == nil {
		return true
	}

	ip := s.clientIP(r)
	key := endpoint + ":" + ip

	limiterType := "window"
	allowed := true
	if s.bucket != nil {
		limiterType = "bucket"
		allowed = s.bucket.Allow(key)
	} else if err := s.limiter.Allow(r.Context(), key); err != nil {
		allowed = !errors.Is(err, security.ErrRateLimited)
	}
	if allowed {
		return true
	}

	s.auditor.LogRateLimitExceeded(ip, endpoint)
	if m := s.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), limiterType)
	}
	writeJSON(w, http.StatusTooManyRequests, StatusResponse{
		Status:  StatusGeneralError,
		Message: msgTooManyRequests,
	})
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return security.GetClientIP(r, s.trustProxy, s.trustedProxyCount)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, StatusResponse{
			Status:  StatusGeneralError,
			Message: "request body must be valid JSON",
		})
		return false
	}
	return true
}

func (s *Server) secureCookies() bool {
	return strings.HasPrefix(s.appURL, "https://")
}

// setSessionCookies attaches the rotated token pair. The refresh cookie is
// scoped to the refresh route so the raw refresh token travels on no other
// request; the access cookie covers the whole app. Both expire with the
// session's absolute deadline.
func (s *Server) setSessionCookies(w http.ResponseWriter, tokens *session.TokenSet) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieAccessToken,
		Value:    tokens.AccessToken.Token,
		Path:     "/",
		Expires:  tokens.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     cookieRefreshToken,
		Value:    tokens.RefreshToken,
		Path:     s.apiBasePath + "/session/refresh",
		Expires:  tokens.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	setFrontToken(w, tokens.FrontToken)
}

// clearSessionCookies overwrites both cookies with a past expiry.
func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	expired := time.Unix(0, 0)
	http.SetCookie(w, &http.Cookie{
		Name:     cookieAccessToken,
		Value:    "",
		Path:     "/",
		Expires:  expired,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     cookieRefreshToken,
		Value:    "",
		Path:     s.apiBasePath + "/session/refresh",
		Expires:  expired,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func setFrontToken(w http.ResponseWriter, value string) {
	w.Header().Set(frontTokenHeader, value)
	w.Header().Set("Access-Control-Expose-Headers", frontTokenHeader)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
