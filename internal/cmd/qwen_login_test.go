package cmd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/qwen-gateway/qwen-gateway/internal/config"
)

func testJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"id": "user-1", "exp": exp.Unix()}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	t.Setenv("QWEN_EMAIL", "")
	t.Setenv("QWEN_BEARER_TOKEN", "")
	t.Setenv("API_KEYS", "")
	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Qwen.BaseURL = baseURL
	cfg.Qwen.SessionsDir = t.TempDir()
	return cfg
}

func fakeQwen(t *testing.T, status int) (*httptest.Server, *string) {
	t.Helper()
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auths/" {
			http.NotFound(w, r)
			return
		}
		seen = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"id":"user-1"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestManualLoginPromptToken(t *testing.T) {
	srv, seen := fakeQwen(t, http.StatusOK)
	cfg := testConfig(t, srv.URL)
	token := testJWT(t, time.Now().Add(24*time.Hour))

	var opened string
	err := DoManualLogin(context.Background(), cfg, &LoginOptions{
		Prompt:        func(string) (string, error) { return `"` + token + `"`, nil },
		ReadClipboard: func() (string, error) { return "", errors.New("unused") },
		OpenURL:       func(u string) error { opened = u; return nil },
	})
	if err != nil {
		t.Fatalf("manual login: %v", err)
	}
	if opened != srv.URL+"/auth?action=signin" {
		t.Fatalf("opened %q", opened)
	}
	if *seen != "Bearer "+token {
		t.Fatalf("validated with %q", *seen)
	}

	session, err := NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cached, err := session.Cache.Load()
	if err != nil || cached == nil {
		t.Fatalf("cache: %v %v", cached, err)
	}
	if cached.Token != token || cached.ExpiresAt == nil {
		t.Fatalf("cached = %+v", cached)
	}
	got, err := session.Manager.Token(context.Background())
	if err != nil || got != token {
		t.Fatalf("session token = %q, %v", got, err)
	}
}

func TestManualLoginFallsBackToClipboard(t *testing.T) {
	srv, _ := fakeQwen(t, http.StatusOK)
	cfg := testConfig(t, srv.URL)
	token := testJWT(t, time.Now().Add(time.Hour))

	clipboardReads := 0
	err := DoManualLogin(context.Background(), cfg, &LoginOptions{
		NoBrowser: true,
		Prompt:    func(string) (string, error) { return "", nil },
		ReadClipboard: func() (string, error) {
			clipboardReads++
			return "  " + token + "\n", nil
		},
		OpenURL: func(string) error { t.Fatal("browser opened with NoBrowser"); return nil },
	})
	if err != nil {
		t.Fatalf("manual login: %v", err)
	}
	if clipboardReads != 1 {
		t.Fatalf("clipboard reads = %d", clipboardReads)
	}
}

func TestManualLoginRejections(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		token   func(t *testing.T) string
		wantErr string
	}{
		{"expired", http.StatusOK, func(t *testing.T) string { return testJWT(t, time.Now().Add(-time.Minute)) }, "token rejected"},
		{"garbage", http.StatusOK, func(*testing.T) string { return "not-a-token" }, "token rejected"},
		{"upstream refuses", http.StatusUnauthorized, func(t *testing.T) string { return testJWT(t, time.Now().Add(time.Hour)) }, "status 401"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := fakeQwen(t, tc.status)
			cfg := testConfig(t, srv.URL)
			token := tc.token(t)
			err := DoManualLogin(context.Background(), cfg, &LoginOptions{
				NoBrowser: true,
				Prompt:    func(string) (string, error) { return token, nil },
			})
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
			session, _ := NewSession(cfg)
			if cached, _ := session.Cache.Load(); cached != nil {
				t.Fatalf("rejected token cached: %+v", cached)
			}
		})
	}
}

func TestDoLoginRequiresAccount(t *testing.T) {
	cfg := testConfig(t, "https://chat.qwen.ai")
	if err := DoLogin(context.Background(), cfg); err == nil {
		t.Fatal("expected an error without an account")
	}
}

func TestCleanToken(t *testing.T) {
	cases := map[string]string{
		"  abc \n": "abc",
		`"abc"`:    "abc",
		`'abc'`:    "abc",
		`"abc`:     `"abc`,
		"":         "",
	}
	for in, want := range cases {
		if got := cleanToken(in); got != want {
			t.Errorf("cleanToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoginURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Qwen.BaseURL = "https://chat.qwen.ai"
	if got := loginURL(cfg); got != "https://chat.qwen.ai/auth?action=signin" {
		t.Fatalf("default login url = %q", got)
	}
	cfg.Qwen.BaseURL = "http://127.0.0.1:9000"
	if got := loginURL(cfg); got != "http://127.0.0.1:9000/auth?action=signin" {
		t.Fatalf("custom login url = %q", got)
	}
}
