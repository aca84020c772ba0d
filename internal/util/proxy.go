// Package util provides small helpers shared across the gateway: proxy-aware
// transports, log level management, path resolution and secret masking.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/qwen-gateway/qwen-gateway/sdk/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewTransport returns an HTTP transport honoring the configured proxy. It
// supports SOCKS5, HTTP, and HTTPS proxies; an empty or unparsable proxy URL
// yields a direct transport.
func NewTransport(cfg *config.SDKConfig, responseHeaderTimeout time.Duration) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = responseHeaderTimeout
	if cfg == nil || cfg.ProxyURL == "" {
		return transport
	}
	proxyURL, errParse := url.Parse(cfg.ProxyURL)
	if errParse != nil {
		log.Errorf("parse proxy url failed: %v", errParse)
		return transport
	}
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		dialer, errSOCKS5 := ProxyDialer(cfg)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return transport
		}
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	default:
		log.Warnf("unsupported proxy scheme %q, connecting directly", proxyURL.Scheme)
	}
	return transport
}

// ProxyDialer returns a dialer routed through the configured proxy, or a direct dialer.
func ProxyDialer(cfg *config.SDKConfig) (proxy.Dialer, error) {
	if cfg == nil || cfg.ProxyURL == "" {
		return proxy.Direct, nil
	}
	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	return proxy.FromURL(proxyURL, proxy.Direct)
}
