package access

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/qwen-gateway/qwen-gateway/internal/config"
)

// DefaultProviderName names the config api-keys provider.
const DefaultProviderName = "config-api-keys"

// Apply configures m from cfg: the api-keys provider when keys are set,
// otherwise no providers.
func Apply(m *Manager, cfg *config.SDKConfig) {
	if m == nil {
		return
	}
	if cfg == nil {
		m.SetProviders()
		return
	}
	keys := normalizeKeys(cfg.APIKeys)
	if len(keys) == 0 {
		m.SetProviders()
		return
	}
	m.SetProviders(NewAPIKeyProvider(DefaultProviderName, keys))
}

type apiKeyProvider struct {
	name string
	keys []string
}

// NewAPIKeyProvider accepts requests carrying one of keys as a bearer token,
// an x-api-key header or a key query parameter.
func NewAPIKeyProvider(name string, keys []string) Provider {
	if strings.TrimSpace(name) == "" {
		name = DefaultProviderName
	}
	return &apiKeyProvider{name: name, keys: normalizeKeys(keys)}
}

func (p *apiKeyProvider) Identifier() string { return p.name }

func (p *apiKeyProvider) Authenticate(_ context.Context, r *http.Request) (*Result, *AuthError) {
	if len(p.keys) == 0 {
		return nil, NewNotHandledError()
	}
	authHeader := r.Header.Get("Authorization")
	headerKey := r.Header.Get("X-Api-Key")
	queryKey := ""
	if r.URL != nil {
		queryKey = r.URL.Query().Get("key")
	}
	if authHeader == "" && headerKey == "" && queryKey == "" {
		return nil, NewNoCredentialsError()
	}

	candidates := []struct {
		value  string
		source string
	}{
		{extractBearerToken(authHeader), "authorization"},
		{headerKey, "x-api-key"},
		{queryKey, "query-key"},
	}
	for _, candidate := range candidates {
		if candidate.value == "" {
			continue
		}
		if p.matches(candidate.value) {
			return &Result{
				Provider:  p.name,
				Principal: candidate.value,
				Metadata:  map[string]string{"source": candidate.source},
			}, nil
		}
	}
	return nil, NewInvalidCredentialError()
}

func (p *apiKeyProvider) matches(candidate string) bool {
	found := 0
	for _, key := range p.keys {
		found |= subtle.ConstantTimeCompare([]byte(key), []byte(candidate))
	}
	return found == 1
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return header
	}
	return strings.TrimSpace(token)
}

func normalizeKeys(keys []string) []string {
	normalized := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if _, exists := seen[trimmedKey]; exists {
			continue
		}
		seen[trimmedKey] = struct{}{}
		normalized = append(normalized, trimmedKey)
	}
	return normalized
}
