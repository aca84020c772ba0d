package qwen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qwen-gateway/qwen-gateway/internal/codec"
)

func TestParseTokenForms(t *testing.T) {
	bearer := "aaa.bbb.ccc"
	cases := []struct {
		name        string
		token       string
		wantBearer  string
		wantCookies string
	}{
		{name: "jwt", token: bearer, wantBearer: bearer},
		{name: "legacy", token: bearer + "|itna", wantBearer: bearer, wantCookies: "ssxmod_itna=itna"},
		{name: "bundle", token: encodedBundle(t, bearer), wantBearer: bearer, wantCookies: "ssxmod_itna=itna-value; acw_tc=tc-value"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			creds, err := ParseToken(tc.token)
			if err != nil {
				t.Fatalf("ParseToken() error = %v", err)
			}
			if creds.Bearer != tc.wantBearer {
				t.Fatalf("Bearer = %q, want %q", creds.Bearer, tc.wantBearer)
			}
			if got := creds.CookieHeader(); got != tc.wantCookies {
				t.Fatalf("CookieHeader() = %q, want %q", got, tc.wantCookies)
			}
		})
	}
}

func TestCredentialsFromBundleUnquotesStorage(t *testing.T) {
	creds, err := CredentialsFromBundle(codec.Bundle{LocalStorage: map[string]string{"token": `"aaa.bbb.ccc"`}})
	if err != nil {
		t.Fatalf("CredentialsFromBundle() error = %v", err)
	}
	if creds.Bearer != "aaa.bbb.ccc" {
		t.Fatalf("Bearer = %q", creds.Bearer)
	}
}

func TestSessionManagerUsesStaticToken(t *testing.T) {
	acq := &countingAcquirer{bundle: bundleNumber}
	cache := newTestCache(t, acq)
	static := jwtExpiringIn(t, time.Hour)
	m := NewSessionManager(cache, NewValidator("", nil), testAccount, static, false)

	creds, err := m.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if creds.Bearer != static {
		t.Fatalf("Bearer = %q, want static token", creds.Bearer)
	}
	if n := acq.calls.Load(); n != 0 {
		t.Fatalf("acquirer called %d times, want 0", n)
	}
}

func TestSessionManagerExpiredStaticTokenWithoutAccount(t *testing.T) {
	m := NewSessionManager(newTestCache(t, &countingAcquirer{bundle: bundleNumber}), NewValidator("", nil), StaticCredentials{}, jwtExpiringIn(t, -time.Hour), false)
	_, err := m.Token(context.Background())
	var te *TokenError
	if !errors.As(err, &te) || te.Kind != Expired {
		t.Fatalf("Token() error = %v, want TokenError(Expired)", err)
	}
}

func TestSessionManagerRefreshesExpiredCachedToken(t *testing.T) {
	fresh := jwtExpiringIn(t, time.Hour)
	acq := &countingAcquirer{bundle: func(int32) codec.Bundle { return bundleWithJWT(fresh) }}
	cache := newTestCache(t, acq)
	if _, err := cache.Store(encodedBundle(t, jwtExpiringIn(t, -time.Hour))); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	m := NewSessionManager(cache, NewValidator("", nil), testAccount, "", false)

	creds, err := m.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if creds.Bearer != fresh {
		t.Fatalf("Bearer not refreshed")
	}
	if n := acq.calls.Load(); n != 1 {
		t.Fatalf("acquirer called %d times, want 1", n)
	}
}

func TestSessionManagerForceReauthOnlyOnce(t *testing.T) {
	fresh := jwtExpiringIn(t, time.Hour)
	acq := &countingAcquirer{bundle: func(int32) codec.Bundle { return bundleWithJWT(fresh) }}
	cache := newTestCache(t, acq)
	if _, err := cache.Store(encodedBundle(t, fresh)); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	m := NewSessionManager(cache, NewValidator("", nil), testAccount, "", true)
	for i := 0; i < 3; i++ {
		if _, err := m.Token(context.Background()); err != nil {
			t.Fatalf("Token() error = %v", err)
		}
	}
	if n := acq.calls.Load(); n != 1 {
		t.Fatalf("acquirer called %d times, want 1", n)
	}
}
