// Package config loads the gateway configuration from YAML, the environment
// and an optional .env file, and validates it.
package config

// SDKConfig holds the settings shared by the HTTP handlers and outbound clients.
type SDKConfig struct {
	// ProxyURL is an optional http(s) or socks5 proxy for upstream calls and the login browser.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// APIKeys authenticate clients of the gateway. Empty disables client authentication.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// PassthroughHeaders forwards selected upstream response headers to clients.
	PassthroughHeaders bool `yaml:"passthrough-headers" json:"passthrough-headers"`

	// Streaming configures server-side streaming behavior.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// KeepAliveSeconds controls how often the server emits SSE heartbeats (": keep-alive\n\n").
	// <= 0 disables keep-alives.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
}
