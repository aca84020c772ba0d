package executor

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/qwen-gateway/qwen-gateway/internal/util"
	"github.com/qwen-gateway/qwen-gateway/sdk/config"
	tls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// chromeRoundTripper speaks HTTP/2 over a utls connection carrying a Chrome
// ClientHello, so upstream sees the same TLS fingerprint as the login browser.
// Plain http URLs go through the fallback transport.
type chromeRoundTripper struct {
	mu          sync.Mutex
	connections map[string]*http2.ClientConn
	pending     map[string]*sync.Cond
	dialer      proxy.Dialer
	fallback    http.RoundTripper
}

func newChromeRoundTripper(cfg *config.SDKConfig, fallback http.RoundTripper) *chromeRoundTripper {
	dialer, err := util.ProxyDialer(cfg)
	if err != nil {
		log.Errorf("qwen transport: proxy dialer: %v, connecting directly", err)
		dialer = proxy.Direct
	}
	return &chromeRoundTripper{
		connections: make(map[string]*http2.ClientConn),
		pending:     make(map[string]*sync.Cond),
		dialer:      dialer,
		fallback:    fallback,
	}
}

// conn returns a cached connection for host or dials one. Concurrent callers
// for the same host wait for the dial in flight.
func (t *chromeRoundTripper) conn(host, addr string) (*http2.ClientConn, error) {
	t.mu.Lock()
	for {
		if c, ok := t.connections[host]; ok && c.CanTakeNewRequest() {
			t.mu.Unlock()
			return c, nil
		}
		cond, ok := t.pending[host]
		if !ok {
			break
		}
		cond.Wait()
	}
	cond := sync.NewCond(&t.mu)
	t.pending[host] = cond
	t.mu.Unlock()

	c, err := t.dial(host, addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, host)
	cond.Broadcast()
	if err != nil {
		return nil, err
	}
	t.connections[host] = c
	return c, nil
}

func (t *chromeRoundTripper) dial(host, addr string) (*http2.ClientConn, error) {
	raw, err := t.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	uconn := tls.UClient(raw, &tls.Config{ServerName: host, NextProtos: []string{"h2"}}, tls.HelloChrome_Auto)
	if err = uconn.Handshake(); err != nil {
		_ = raw.Close()
		return nil, err
	}
	c, err := (&http2.Transport{}).NewClientConn(uconn)
	if err != nil {
		_ = uconn.Close()
		return nil, err
	}
	return c, nil
}

func (t *chromeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.EqualFold(req.URL.Scheme, "https") {
		return t.fallback.RoundTrip(req)
	}
	hostname := req.URL.Hostname()
	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(hostname, "443")
	}
	c, err := t.conn(hostname, addr)
	if err != nil {
		return nil, err
	}
	resp, err := c.RoundTrip(req)
	if err != nil {
		t.mu.Lock()
		if cached, ok := t.connections[hostname]; ok && cached == c {
			delete(t.connections, hostname)
		}
		t.mu.Unlock()
		return nil, err
	}
	return resp, nil
}
