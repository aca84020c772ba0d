package qwen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/qwen-gateway/qwen-gateway/internal/codec"
	"github.com/qwen-gateway/qwen-gateway/internal/misc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheFileName is the cached-session file inside the sessions directory.
	DefaultCacheFileName = "qwen_token_cache.json"
	// DefaultCacheMaxAge is the freshness window applied when a cached token carries no expiry.
	DefaultCacheMaxAge = 7 * 24 * time.Hour
)

// BundleAcquirer performs an interactive login. *Acquirer implements it.
type BundleAcquirer interface {
	Acquire(ctx context.Context, cred Credential) (codec.Bundle, error)
}

// CachedSession is the on-disk form of the cached token.
type CachedSession struct {
	Token     string     `json:"token"`
	CachedAt  time.Time  `json:"cachedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// SourcePath is where the record was read from; it is not persisted.
	SourcePath string `json:"-"`
}

// Fresh reports whether the session may be reused at now without a new login.
// An explicit expiry wins; otherwise the age policy applies.
func (s *CachedSession) Fresh(now time.Time, maxAge time.Duration) bool {
	if s == nil || s.Token == "" {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.IsZero() {
		return now.Before(*s.ExpiresAt)
	}
	if s.CachedAt.IsZero() {
		return false
	}
	return now.Sub(s.CachedAt) < maxAge
}

// TokenCache persists one session token and refreshes it through the acquirer.
// At most one acquisition runs per account at a time; concurrent callers share
// its result.
type TokenCache struct {
	path     string
	maxAge   time.Duration
	acquirer BundleAcquirer
	claims   func(token string) (Claims, error)
	now      func() time.Time

	group singleflight.Group
	// writeMu serializes file replacement across different account keys.
	writeMu sync.Mutex

	mu          sync.Mutex
	lastRefresh map[string]time.Time
}

// TokenCacheOption customizes a TokenCache.
type TokenCacheOption func(*TokenCache)

// WithMaxAge sets the freshness window used when no expiry is known.
func WithMaxAge(d time.Duration) TokenCacheOption {
	return func(c *TokenCache) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenCacheOption {
	return func(c *TokenCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithClaimsDecoder lets the cache record the token's own expiry alongside it.
func WithClaimsDecoder(decode func(token string) (Claims, error)) TokenCacheOption {
	return func(c *TokenCache) { c.claims = decode }
}

// NewTokenCache creates a cache backed by path. The file is only written through
// an atomic rename, so readers never see a partial record.
func NewTokenCache(path string, acquirer BundleAcquirer, opts ...TokenCacheOption) *TokenCache {
	c := &TokenCache{
		path:        path,
		maxAge:      DefaultCacheMaxAge,
		acquirer:    acquirer,
		now:         time.Now,
		lastRefresh: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the cache file location.
func (c *TokenCache) Path() string { return c.path }

// Load reads the cached session. A missing file yields (nil, nil).
func (c *TokenCache) Load() (*CachedSession, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token cache: %w", err)
	}
	var s CachedSession
	if err = json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse token cache %s: %w", c.path, err)
	}
	s.SourcePath = c.path
	return &s, nil
}

// GetOrCreate returns the cached token when it is still fresh and forceNew is
// false. Otherwise it logs in through the acquirer, persists the new token and
// returns it. A failed login leaves the existing file untouched.
func (c *TokenCache) GetOrCreate(ctx context.Context, provider CredentialProvider, forceNew bool) (string, error) {
	callStart := c.now()
	if !forceNew {
		if s, err := c.Load(); err != nil {
			log.Warnf("token cache unreadable, logging in again: %v", err)
		} else if s.Fresh(callStart, c.maxAge) {
			return s.Token, nil
		}
	}

	if provider == nil {
		return "", ErrNoCredentials
	}
	cred, err := provider.Credential(ctx)
	if err != nil {
		return "", err
	}
	key := cred.Key()

	// The login is shared, so one caller going away must not abort it for the rest.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.refresh(flightCtx, key, cred, forceNew, callStart)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Store persists an externally obtained token, e.g. one pasted by an operator.
func (c *TokenCache) Store(token string) (*CachedSession, error) {
	s := c.newSession(token)
	if err := c.write(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *TokenCache) refresh(ctx context.Context, key string, cred Credential, forceNew bool, callStart time.Time) (string, error) {
	// A refresh that finished after this caller arrived already satisfies it.
	if s, err := c.Load(); err == nil && s.Fresh(c.now(), c.maxAge) {
		if !forceNew || c.refreshedSince(key, callStart) {
			return s.Token, nil
		}
	}

	bundle, err := c.acquirer.Acquire(ctx, cred)
	if err != nil {
		return "", err
	}
	token, err := codec.Encode(bundle)
	if err != nil {
		return "", err
	}
	s := c.newSession(token)
	if err = c.write(s); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.lastRefresh[key] = c.now()
	c.mu.Unlock()
	return token, nil
}

func (c *TokenCache) refreshedSince(key string, t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastRefresh[key]
	return ok && last.After(t)
}

func (c *TokenCache) newSession(token string) *CachedSession {
	s := &CachedSession{Token: token, CachedAt: c.now().UTC(), SourcePath: c.path}
	if c.claims != nil {
		if claims, err := c.claims(token); err == nil && !claims.ExpiresAt.IsZero() {
			exp := claims.ExpiresAt.UTC()
			s.ExpiresAt = &exp
		}
	}
	return s
}

// write replaces the cache file atomically with owner-only permissions.
func (c *TokenCache) write(s *CachedSession) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	misc.LogSavingCredentials(c.path, s.ExpiresAt)
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token cache: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+strings.TrimSuffix(filepath.Base(c.path), filepath.Ext(c.path))+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token cache: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()
	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp token cache: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp token cache: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp token cache: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp token cache: %w", err)
	}
	if err = os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("replace token cache: %w", err)
	}
	tmpName = ""
	return nil
}
