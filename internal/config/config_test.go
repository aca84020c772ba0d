package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Streaming.KeepAliveSeconds != 15 {
		t.Errorf("KeepAliveSeconds = %d, want 15", cfg.Streaming.KeepAliveSeconds)
	}
	if !cfg.Qwen.IsHeadless() {
		t.Error("headless should default to true")
	}
	if cfg.Qwen.BaseURL != DefaultBaseURL || cfg.Qwen.SessionsDir != DefaultSessionsDir {
		t.Errorf("qwen defaults = %+v", cfg.Qwen)
	}
	if cfg.Qwen.CacheMaxAgeHours != 168 || cfg.Qwen.LoginTimeoutSeconds != 90 {
		t.Errorf("timing defaults = %+v", cfg.Qwen)
	}
}

func TestLoadConfigFileValues(t *testing.T) {
	path := writeConfig(t, `
port: 9000
api-keys: ["k1"]
streaming:
  keepalive-seconds: -1
qwen:
  email: user@example.com
  password: secret
  headless: false
  base-url: http://127.0.0.1:9999/
model-aliases:
  - name: fast
    model: qwen2.5-turbo
    tools: [web_search]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 9000 || len(cfg.APIKeys) != 1 {
		t.Errorf("top-level = port %d keys %v", cfg.Port, cfg.APIKeys)
	}
	if cfg.Streaming.KeepAliveSeconds != -1 {
		t.Errorf("negative keep-alive should be kept to disable heartbeats, got %d", cfg.Streaming.KeepAliveSeconds)
	}
	if cfg.Qwen.IsHeadless() || !cfg.Qwen.HasAccount() {
		t.Errorf("qwen = %+v", cfg.Qwen)
	}
	if cfg.Qwen.BaseURL != "http://127.0.0.1:9999" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.Qwen.BaseURL)
	}
	if len(cfg.ModelAliases) != 1 || cfg.ModelAliases[0].Tools[0] != "web_search" {
		t.Errorf("ModelAliases = %+v", cfg.ModelAliases)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	env := map[string]string{
		"QWEN_EMAIL":        " env@example.com ",
		"QWEN_PASSWORD":     "pw",
		"QWEN_FORCE_REAUTH": "true",
		"QWEN_HEADLESS":     "false",
		"PORT":              "7000",
		"API_KEYS":          "a, b,,c",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Qwen.Email != "env@example.com" || cfg.Qwen.Password != "pw" {
		t.Errorf("account = %q/%q", cfg.Qwen.Email, cfg.Qwen.Password)
	}
	if !cfg.Qwen.ForceReauth || cfg.Qwen.IsHeadless() {
		t.Errorf("flags = force %v headless %v", cfg.Qwen.ForceReauth, cfg.Qwen.IsHeadless())
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if len(cfg.APIKeys) != 3 || cfg.APIKeys[2] != "c" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	for _, tc := range []struct{ key, value string }{
		{"PORT", "eighty"},
		{"QWEN_HEADLESS", "maybe"},
	} {
		cfg := &Config{}
		cfg.applyDefaults()
		lookup := func(k string) (string, bool) {
			if k == tc.key {
				return tc.value, true
			}
			return "", false
		}
		if err := cfg.applyEnv(lookup); err == nil {
			t.Errorf("%s=%q: expected error", tc.key, tc.value)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Port = 70000 }},
		{"base url", func(c *Config) { c.Qwen.BaseURL = "not a url" }},
		{"alias missing model", func(c *Config) { c.ModelAliases = []ModelAliasConfig{{Name: "x"}} }},
		{"duplicate alias", func(c *Config) {
			c.ModelAliases = []ModelAliasConfig{{Name: "x", Model: "m"}, {Name: "X", Model: "n"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
