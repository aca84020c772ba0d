package qwen

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/qwen-gateway/qwen-gateway/internal/codec"
	log "github.com/sirupsen/logrus"
)

// SessionManager hands out a usable Qwen session for each upstream call. It
// prefers an operator-supplied bearer token and otherwise goes through the
// token cache, retrying once with a forced login when the cached token's
// claims are unusable.
type SessionManager struct {
	cache     *TokenCache
	validator *Validator

	mu          sync.RWMutex
	provider    CredentialProvider
	staticToken string

	forcePending atomic.Bool
}

// NewSessionManager wires the cache and validator together. When forceReauth is
// set, the first cache access ignores any cached token.
func NewSessionManager(cache *TokenCache, validator *Validator, provider CredentialProvider, staticToken string, forceReauth bool) *SessionManager {
	m := &SessionManager{
		cache:       cache,
		validator:   validator,
		provider:    provider,
		staticToken: strings.TrimSpace(staticToken),
	}
	m.forcePending.Store(forceReauth)
	return m
}

// Update swaps the account and static token, e.g. after a config reload.
func (m *SessionManager) Update(provider CredentialProvider, staticToken string) {
	m.mu.Lock()
	m.provider = provider
	m.staticToken = strings.TrimSpace(staticToken)
	m.mu.Unlock()
}

func (m *SessionManager) snapshot() (CredentialProvider, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.provider, m.staticToken
}

// Validator exposes the validator used for claim checks.
func (m *SessionManager) Validator() *Validator { return m.validator }

// Token returns a token whose claims decode and are not expired.
func (m *SessionManager) Token(ctx context.Context) (string, error) {
	provider, static := m.snapshot()

	if static != "" {
		_, err := m.validator.DecodeClaims(static)
		if err == nil {
			return static, nil
		}
		if !IsTokenError(err) || !m.canLogin(ctx, provider) {
			return "", err
		}
		log.Warnf("configured bearer token unusable (%v), falling back to browser login", err)
	}
	if m.cache == nil {
		return "", ErrNoCredentials
	}

	token, err := m.cache.GetOrCreate(ctx, provider, m.forcePending.CompareAndSwap(true, false))
	if err != nil {
		return "", err
	}
	if _, err = m.validator.DecodeClaims(token); err == nil {
		return token, nil
	} else if !IsTokenError(err) && !codec.IsCodecError(err) {
		return "", err
	}

	log.Infof("cached qwen token rejected (%v), forcing a new login", err)
	token, err = m.cache.GetOrCreate(ctx, provider, true)
	if err != nil {
		return "", err
	}
	if _, err = m.validator.DecodeClaims(token); err != nil {
		return "", err
	}
	return token, nil
}

// Credentials resolves Token into the bearer and cookies for an upstream call.
func (m *SessionManager) Credentials(ctx context.Context) (Credentials, error) {
	token, err := m.Token(ctx)
	if err != nil {
		return Credentials{}, err
	}
	return ParseToken(token)
}

// Refresh forces a new login and returns the freshly cached session.
func (m *SessionManager) Refresh(ctx context.Context) (*CachedSession, error) {
	if m.cache == nil {
		return nil, ErrNoCredentials
	}
	provider, _ := m.snapshot()
	if _, err := m.cache.GetOrCreate(ctx, provider, true); err != nil {
		return nil, err
	}
	s, err := m.cache.Load()
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("token cache empty after refresh")
	}
	return s, nil
}

func (m *SessionManager) canLogin(ctx context.Context, provider CredentialProvider) bool {
	if m.cache == nil || provider == nil {
		return false
	}
	_, err := provider.Credential(ctx)
	return err == nil
}
