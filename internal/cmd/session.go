package cmd

import (
	"fmt"
	"net/http"
	"path/filepath"

	qwenauth "github.com/qwen-gateway/qwen-gateway/internal/auth/qwen"
	"github.com/qwen-gateway/qwen-gateway/internal/browser"
	"github.com/qwen-gateway/qwen-gateway/internal/config"
	"github.com/qwen-gateway/qwen-gateway/internal/runtime/executor"
	"github.com/qwen-gateway/qwen-gateway/internal/util"
)

// Session groups the collaborators that own the gateway's Qwen session.
type Session struct {
	Client    *http.Client
	Validator *qwenauth.Validator
	Cache     *qwenauth.TokenCache
	Manager   *qwenauth.SessionManager
}

// NewSession builds the token cache, the browser-backed acquirer and the
// session manager from cfg. The cache file lives in qwen.sessions-dir.
func NewSession(cfg *config.Config) (*Session, error) {
	dir, err := util.ResolveDir(cfg.Qwen.SessionsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve sessions-dir: %w", err)
	}
	if dir == "" {
		dir = config.DefaultSessionsDir
	}

	client := executor.NewHTTPClient(cfg)
	validator := qwenauth.NewValidator(cfg.Qwen.BaseURL, client)
	factory := browser.NewChromeFactory(browser.ChromeOptions{
		ExecPath: cfg.Qwen.ChromePath,
		ProxyURL: cfg.ProxyURL,
	})
	acquirer := qwenauth.NewAcquirer(factory, qwenauth.AcquirerOptions{
		LoginURL: loginURL(cfg),
		HomeURL:  cfg.Qwen.BaseURL,
		Headless: cfg.Qwen.IsHeadless(),
		Timeout:  cfg.Qwen.LoginTimeout(),
	})
	cache := qwenauth.NewTokenCache(
		filepath.Join(dir, qwenauth.DefaultCacheFileName),
		acquirer,
		qwenauth.WithMaxAge(cfg.Qwen.CacheMaxAge()),
		qwenauth.WithClaimsDecoder(validator.DecodeClaims),
	)
	manager := qwenauth.NewSessionManager(cache, validator, credentialProvider(cfg), cfg.Qwen.BearerToken, cfg.Qwen.ForceReauth)

	return &Session{Client: client, Validator: validator, Cache: cache, Manager: manager}, nil
}

// Reload applies account and bearer-token changes from a reloaded config.
func (s *Session) Reload(cfg *config.Config) {
	s.Manager.Update(credentialProvider(cfg), cfg.Qwen.BearerToken)
}

// credentialProvider returns nil when no account is configured, which keeps
// the session manager from attempting a browser login.
func credentialProvider(cfg *config.Config) qwenauth.CredentialProvider {
	if !cfg.Qwen.HasAccount() {
		return nil
	}
	return qwenauth.StaticCredentials{Email: cfg.Qwen.Email, Password: cfg.Qwen.Password}
}

func loginURL(cfg *config.Config) string {
	if cfg.Qwen.BaseURL == "" || cfg.Qwen.BaseURL == qwenauth.DefaultHomeURL {
		return qwenauth.DefaultLoginURL
	}
	return cfg.Qwen.BaseURL + "/auth?action=signin"
}
