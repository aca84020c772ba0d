package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	SDKConfig `yaml:",inline"`

	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	Debug         bool   `yaml:"debug" json:"debug"`
	LoggingToFile bool   `yaml:"logging-to-file" json:"logging-to-file"`
	LogsDir       string `yaml:"logs-dir" json:"logs-dir"`

	Qwen QwenConfig `yaml:"qwen" json:"qwen"`

	// ModelAliases override or extend the built-in alias table.
	ModelAliases []ModelAliasConfig `yaml:"model-aliases" json:"model-aliases"`
}

// QwenConfig covers the upstream account, login browser and upstream timeouts.
type QwenConfig struct {
	Email    string `yaml:"email" json:"-"`
	Password string `yaml:"password" json:"-"`
	// BearerToken, when set, is used instead of logging in. Any supported token form is accepted.
	BearerToken string `yaml:"bearer-token" json:"-"`

	ForceReauth bool   `yaml:"force-reauth" json:"force-reauth"`
	Headless    *bool  `yaml:"headless" json:"headless"`
	ChromePath  string `yaml:"chrome-path" json:"chrome-path"`

	SessionsDir         string `yaml:"sessions-dir" json:"sessions-dir"`
	CacheMaxAgeHours    int    `yaml:"cache-max-age-hours" json:"cache-max-age-hours"`
	LoginTimeoutSeconds int    `yaml:"login-timeout-seconds" json:"login-timeout-seconds"`

	BaseURL                 string `yaml:"base-url" json:"base-url"`
	TLSFingerprint          bool   `yaml:"tls-fingerprint" json:"tls-fingerprint"`
	FirstByteTimeoutSeconds int    `yaml:"first-byte-timeout-seconds" json:"first-byte-timeout-seconds"`
	RequestTimeoutSeconds   int    `yaml:"request-timeout-seconds" json:"request-timeout-seconds"`
}

// ModelAliasConfig is one alias entry from the config file.
type ModelAliasConfig struct {
	Name      string   `yaml:"name" json:"name"`
	Model     string   `yaml:"model" json:"model"`
	Tools     []string `yaml:"tools" json:"tools"`
	Thinking  bool     `yaml:"thinking" json:"thinking"`
	MaxTokens int      `yaml:"max-tokens" json:"max-tokens"`
}

const (
	DefaultPort             = 8080
	DefaultBaseURL          = "https://chat.qwen.ai"
	DefaultSessionsDir      = ".sessions"
	defaultCacheMaxAgeHours = 168
	defaultLoginTimeout     = 90
	defaultFirstByteTimeout = 60
	defaultRequestTimeout   = 600
	defaultKeepAliveSeconds = 15
)

// LoadConfig reads the YAML file at path (a missing file is allowed), applies
// defaults and environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Streaming.KeepAliveSeconds == 0 {
		c.Streaming.KeepAliveSeconds = defaultKeepAliveSeconds
	}
	q := &c.Qwen
	if q.Headless == nil {
		headless := true
		q.Headless = &headless
	}
	if q.SessionsDir == "" {
		q.SessionsDir = DefaultSessionsDir
	}
	if q.CacheMaxAgeHours <= 0 {
		q.CacheMaxAgeHours = defaultCacheMaxAgeHours
	}
	if q.LoginTimeoutSeconds <= 0 {
		q.LoginTimeoutSeconds = defaultLoginTimeout
	}
	if q.BaseURL == "" {
		q.BaseURL = DefaultBaseURL
	}
	q.BaseURL = strings.TrimRight(q.BaseURL, "/")
	if q.FirstByteTimeoutSeconds <= 0 {
		q.FirstByteTimeoutSeconds = defaultFirstByteTimeout
	}
	if q.RequestTimeoutSeconds <= 0 {
		q.RequestTimeoutSeconds = defaultRequestTimeout
	}
}

// applyEnv overlays environment variables on the file values.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = b
		return nil
	}

	str("QWEN_EMAIL", &c.Qwen.Email)
	if v, ok := lookup("QWEN_PASSWORD"); ok && v != "" {
		c.Qwen.Password = v
	}
	str("QWEN_BEARER_TOKEN", &c.Qwen.BearerToken)
	str("QWEN_SESSIONS_DIR", &c.Qwen.SessionsDir)
	str("QWEN_BASE_URL", &c.Qwen.BaseURL)
	str("PROXY_URL", &c.ProxyURL)
	if err := boolean("QWEN_FORCE_REAUTH", &c.Qwen.ForceReauth); err != nil {
		return err
	}
	if err := boolean("QWEN_HEADLESS", c.Qwen.Headless); err != nil {
		return err
	}
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid PORT: %w", err)
		}
		c.Port = port
	}
	if v, ok := lookup("API_KEYS"); ok && strings.TrimSpace(v) != "" {
		c.APIKeys = c.APIKeys[:0]
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.APIKeys = append(c.APIKeys, k)
			}
		}
	}
	return nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	u, err := url.Parse(c.Qwen.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid qwen.base-url %q", c.Qwen.BaseURL)
	}
	if c.ProxyURL != "" {
		if _, err = url.Parse(c.ProxyURL); err != nil {
			return fmt.Errorf("invalid proxy-url: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(c.ModelAliases))
	for i, a := range c.ModelAliases {
		name := strings.ToLower(strings.TrimSpace(a.Name))
		if name == "" || strings.TrimSpace(a.Model) == "" {
			return fmt.Errorf("model-aliases[%d]: name and model are required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("model-aliases[%d]: duplicate alias %q", i, a.Name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// HasAccount reports whether email and password are both set.
func (q QwenConfig) HasAccount() bool {
	return strings.TrimSpace(q.Email) != "" && q.Password != ""
}

// IsHeadless reports the effective headless flag.
func (q QwenConfig) IsHeadless() bool { return q.Headless == nil || *q.Headless }

func (q QwenConfig) CacheMaxAge() time.Duration {
	return time.Duration(q.CacheMaxAgeHours) * time.Hour
}

func (q QwenConfig) LoginTimeout() time.Duration {
	return time.Duration(q.LoginTimeoutSeconds) * time.Second
}

func (q QwenConfig) FirstByteTimeout() time.Duration {
	return time.Duration(q.FirstByteTimeoutSeconds) * time.Second
}

func (q QwenConfig) RequestTimeout() time.Duration {
	return time.Duration(q.RequestTimeoutSeconds) * time.Second
}
