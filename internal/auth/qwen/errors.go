package qwen

import (
	"errors"
	"fmt"
)

// AuthErrorKind enumerates the ways an interactive login can fail.
type AuthErrorKind int

const (
	StillOnLoginPage AuthErrorKind = iota + 1
	ChallengeDetected
	Timeout
)

func (k AuthErrorKind) String() string {
	switch k {
	case StillOnLoginPage:
		return "still on login page"
	case ChallengeDetected:
		return "challenge detected"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// AuthError reports a failed credential acquisition. State is the acquisition
// step that was running when the failure happened.
type AuthError struct {
	Kind  AuthErrorKind
	State State
	Err   error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("qwen login failed (%s) during %s", e.Kind, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// TokenErrorKind enumerates claim-level token problems.
type TokenErrorKind int

const (
	Malformed TokenErrorKind = iota + 1
	Expired
)

func (k TokenErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// TokenError is returned when a token cannot be used because its claims are
// unreadable or already past their expiry.
type TokenError struct {
	Kind TokenErrorKind
	Err  error
}

func (e *TokenError) Error() string {
	if e.Err == nil {
		return "qwen token " + e.Kind.String()
	}
	return fmt.Sprintf("qwen token %s: %v", e.Kind, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// IsTokenError reports whether err carries a TokenError.
func IsTokenError(err error) bool {
	var te *TokenError
	return errors.As(err, &te)
}

// IsAuthError reports whether err carries an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ErrNoCredentials is returned when a login is needed but no account is configured.
var ErrNoCredentials = errors.New("qwen email and password are not configured")

var (
	errEmptyToken          = errors.New("token is empty")
	errMissingSessionToken = errors.New("session bundle has no local-storage token")
)
