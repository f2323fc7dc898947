package authkit

// Response status values returned in JSON bodies. Clients branch on
// these rather than on HTTP status codes, which stay 200 for expected
// domain outcomes.
const (
	StatusOK                 = "OK"
	StatusFieldError         = "FIELD_ERROR"
	StatusGeneralError       = "GENERAL_ERROR"
	StatusWrongCredentials   = "WRONG_CREDENTIALS_ERROR"
	StatusEmailAlreadyExists = "EMAIL_ALREADY_EXISTS_ERROR"
	StatusSignUpNotAllowed   = "SIGN_UP_NOT_ALLOWED"
	StatusSignInNotAllowed   = "SIGN_IN_NOT_ALLOWED"
	StatusResetInvalidToken  = "RESET_PASSWORD_INVALID_TOKEN_ERROR"
)

// SignUpRequest is the body of POST /auth-api/signup.
type SignUpRequest struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

// SignInRequest is the body of POST /auth-api/signin.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// FieldError reports a validation failure on one input field.
type FieldError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// UserResponse is the user object embedded in successful auth responses.
type UserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// AuthResponse is the body of signup/signin/signinup responses.
type AuthResponse struct {
	Status     string        `json:"status"`
	User       *UserResponse `json:"user,omitempty"`
	FormFields []FieldError  `json:"formFields,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// StatusResponse is the minimal `{status}` body.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AuthorizationURLResponse is the body of GET /auth-api/authorisationurl.
type AuthorizationURLResponse struct {
	Status             string `json:"status"`
	URLWithQueryParams string `json:"urlWithQueryParams,omitempty"`
	Message            string `json:"message,omitempty"`
}

// PasswordResetTokenRequest is the body of
// POST /auth-api/user/password/reset/token.
type PasswordResetTokenRequest struct {
	Email string `json:"email"`
}

// PasswordResetRequest is the body of POST /auth-api/user/password/reset.
type PasswordResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// SignInUpRequest is the body of POST /auth-api/signinup, carrying the
// provider callback parameters.
type SignInUpRequest struct {
	ThirdPartyID string `json:"thirdPartyId"`
	Code         string `json:"code"`
	State        string `json:"state"`
}
