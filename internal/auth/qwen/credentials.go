package qwen

import (
	"context"
	"strconv"
	"strings"

	"github.com/qwen-gateway/qwen-gateway/internal/codec"
)

// sessionTokenKey is the local-storage entry that holds the web session JWT.
const sessionTokenKey = "token"

// legacyCookieName is the anti-bot cookie carried by the old "jwt|cookie" token form.
const legacyCookieName = "ssxmod_itna"

// Credential is the account used for an interactive login. It only lives in memory.
type Credential struct {
	Email    string
	Password string
}

// Key identifies the account for single-flight and logging purposes.
func (c Credential) Key() string {
	return strings.ToLower(strings.TrimSpace(c.Email))
}

// CredentialProvider yields the account to log in with when a new session is needed.
type CredentialProvider interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticCredentials is a CredentialProvider backed by fixed values.
type StaticCredentials Credential

// Credential implements CredentialProvider.
func (s StaticCredentials) Credential(context.Context) (Credential, error) {
	if strings.TrimSpace(s.Email) == "" || s.Password == "" {
		return Credential{}, ErrNoCredentials
	}
	return Credential(s), nil
}

// Credentials is what an upstream call needs: the bearer JWT and the session cookies.
type Credentials struct {
	Bearer  string
	Cookies []codec.Cookie
}

// CookieHeader renders the cookies as a Cookie request header value.
func (c Credentials) CookieHeader() string {
	if len(c.Cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.Cookies))
	for _, ck := range c.Cookies {
		if ck.Name == "" {
			continue
		}
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// ParseToken extracts upstream credentials from any supported token form:
// the legacy "jwt|ssxmod_itna" pair, a bare JWT, or a compressed session bundle.
// Bundle decoding failures are returned as *codec.CodecError.
func ParseToken(token string) (Credentials, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credentials{}, &TokenError{Kind: Malformed, Err: errEmptyToken}
	}

	if jwtPart, cookie, ok := strings.Cut(token, "|"); ok && looksLikeJWT(jwtPart) {
		creds := Credentials{Bearer: jwtPart}
		if cookie = strings.TrimSpace(cookie); cookie != "" {
			creds.Cookies = []codec.Cookie{{Name: legacyCookieName, Value: cookie}}
		}
		return creds, nil
	}
	if looksLikeJWT(token) {
		return Credentials{Bearer: token}, nil
	}

	bundle, err := codec.Decode(token)
	if err != nil {
		return Credentials{}, err
	}
	return CredentialsFromBundle(bundle)
}

// CredentialsFromBundle pulls the session JWT out of local storage and keeps the cookies.
func CredentialsFromBundle(b codec.Bundle) (Credentials, error) {
	bearer := unquote(b.LocalStorage[sessionTokenKey])
	if bearer == "" {
		for _, ck := range b.Cookies {
			if ck.Name == sessionTokenKey && looksLikeJWT(ck.Value) {
				bearer = ck.Value
				break
			}
		}
	}
	if bearer == "" {
		return Credentials{}, &TokenError{Kind: Malformed, Err: errMissingSessionToken}
	}
	return Credentials{Bearer: bearer, Cookies: b.Cookies}, nil
}

func looksLikeJWT(s string) bool {
	s = strings.TrimSpace(s)
	return strings.Count(s, ".") == 2 && !strings.ContainsAny(s, " |")
}

// unquote strips JSON string quoting that some sites apply to local-storage values.
func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		if s, err := strconv.Unquote(v); err == nil {
			return s
		}
	}
	return v
}
