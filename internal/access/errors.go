package access

import "net/http"

// AuthErrorCode tells the manager whether to try the next provider.
type AuthErrorCode string

const (
	// AuthErrorCodeNoCredentials: the request carried no key at all.
	AuthErrorCodeNoCredentials AuthErrorCode = "missing_api_key"
	// AuthErrorCodeInvalidCredential: a key was sent but matched nothing.
	AuthErrorCodeInvalidCredential AuthErrorCode = "invalid_api_key"
	// AuthErrorCodeNotHandled: the provider has nothing configured.
	AuthErrorCodeNotHandled AuthErrorCode = "not_handled"
)

// AuthError is a rejected client request.
type AuthError struct {
	Code    AuthErrorCode
	Message string
	Status  int
}

func (e *AuthError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Message != "":
		return e.Message
	default:
		return string(e.Code)
	}
}

// HTTPStatusCode is the status to answer with; 500 when the provider set none.
func (e *AuthError) HTTPStatusCode() int {
	if e == nil || e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

func NewNoCredentialsError() *AuthError {
	return &AuthError{Code: AuthErrorCodeNoCredentials, Message: "Missing API key", Status: http.StatusUnauthorized}
}

func NewInvalidCredentialError() *AuthError {
	return &AuthError{Code: AuthErrorCodeInvalidCredential, Message: "Invalid API key", Status: http.StatusUnauthorized}
}

// NewNotHandledError lets the manager fall through to the next provider.
func NewNotHandledError() *AuthError {
	return &AuthError{Code: AuthErrorCodeNotHandled}
}
