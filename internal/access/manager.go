// Package access authenticates gateway clients against the configured API keys.
package access

import (
	"context"
	"net/http"
	"sync"
)

// Provider validates credentials for incoming requests.
type Provider interface {
	Identifier() string
	Authenticate(ctx context.Context, r *http.Request) (*Result, *AuthError)
}

// Result conveys authentication outcome.
type Result struct {
	Provider  string
	Principal string
	Metadata  map[string]string
}

// Manager coordinates authentication providers. With no providers every
// request is allowed.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewManager constructs an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// SetProviders replaces the active provider list.
func (m *Manager) SetProviders(providers ...Provider) {
	if m == nil {
		return
	}
	cloned := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			cloned = append(cloned, p)
		}
	}
	m.mu.Lock()
	m.providers = cloned
	m.mu.Unlock()
}

// Enabled reports whether any provider is active.
func (m *Manager) Enabled() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers) > 0
}

// Authenticate evaluates providers until one succeeds. A nil result with a
// nil error means authentication is disabled.
func (m *Manager) Authenticate(ctx context.Context, r *http.Request) (*Result, *AuthError) {
	if m == nil {
		return nil, nil
	}
	m.mu.RLock()
	providers := m.providers
	m.mu.RUnlock()
	if len(providers) == 0 {
		return nil, nil
	}

	invalid := false
	for _, provider := range providers {
		res, authErr := provider.Authenticate(ctx, r)
		if authErr == nil {
			return res, nil
		}
		switch authErr.Code {
		case AuthErrorCodeNotHandled, AuthErrorCodeNoCredentials:
			continue
		case AuthErrorCodeInvalidCredential:
			invalid = true
			continue
		}
		return nil, authErr
	}
	if invalid {
		return nil, NewInvalidCredentialError()
	}
	return nil, NewNoCredentialsError()
}
