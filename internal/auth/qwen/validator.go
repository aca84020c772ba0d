package qwen

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/tidwall/gjson"
)

// DefaultValidatePath is the upstream endpoint answering "who am I" for a session.
const DefaultValidatePath = "/api/v1/auths/"

// Claims are the parts of the session JWT the gateway cares about.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// sessionClaims mirrors the Qwen session JWT payload. The user id lives in "id".
type sessionClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"id,omitempty"`
}

// ValidationResult carries the upstream verdict together with its raw reply.
type ValidationResult struct {
	Valid      bool
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Validator checks tokens locally from their claims and remotely against Qwen.
type Validator struct {
	baseURL      string
	validatePath string
	httpClient   *http.Client
	now          func() time.Time
}

// NewValidator creates a validator that talks to baseURL through client.
func NewValidator(baseURL string, client *http.Client) *Validator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultHomeURL
	}
	return &Validator{
		baseURL:      strings.TrimRight(baseURL, "/"),
		validatePath: DefaultValidatePath,
		httpClient:   client,
		now:          time.Now,
	}
}

// DecodeClaims reads the session JWT claims without verifying the signature;
// only Qwen holds the key. The token may be in any form ParseToken accepts.
// A token whose expiry is at or before now fails with TokenError{Expired}.
func (v *Validator) DecodeClaims(token string) (Claims, error) {
	creds, err := ParseToken(token)
	if err != nil {
		return Claims{}, err
	}
	return v.decodeJWT(creds.Bearer)
}

func (v *Validator) decodeJWT(bearer string) (Claims, error) {
	var sc sessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(bearer, &sc); err != nil {
		return Claims{}, &TokenError{Kind: Malformed, Err: err}
	}

	claims := Claims{Subject: sc.Subject}
	if claims.Subject == "" {
		claims.Subject = sc.UserID
	}
	if sc.IssuedAt != nil {
		claims.IssuedAt = sc.IssuedAt.Time
	}
	if sc.ExpiresAt != nil {
		claims.ExpiresAt = sc.ExpiresAt.Time
		if !v.now().Before(claims.ExpiresAt) {
			return claims, &TokenError{Kind: Expired, Err: fmt.Errorf("expired at %s", claims.ExpiresAt.UTC().Format(time.RFC3339))}
		}
	}
	return claims, nil
}

// ValidateRemote asks Qwen whether the session is still accepted. Revocations
// that the local expiry cannot see show up here. The upstream reply is returned
// as-is; transport failures are returned as errors.
func (v *Validator) ValidateRemote(ctx context.Context, token string) (*ValidationResult, error) {
	creds, err := ParseToken(token)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+v.validatePath, nil)
	if err != nil {
		return nil, err
	}
	ApplyWebHeaders(req, creds, v.baseURL)
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qwen validate: %w", err)
	}
	rc := DecodeBody(resp)
	defer func() { _ = rc.Close() }()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("qwen validate: read body: %w", err)
	}
	return &ValidationResult{
		Valid:      remoteVerdict(resp.StatusCode, body),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// remoteVerdict treats a 2xx reply as valid unless the body says otherwise.
func remoteVerdict(status int, body []byte) bool {
	if status < 200 || status >= 300 {
		return false
	}
	root := gjson.ParseBytes(body)
	if valid := root.Get("valid"); valid.Exists() {
		return valid.Bool()
	}
	if success := root.Get("success"); success.Exists() {
		return success.Bool()
	}
	return true
}
