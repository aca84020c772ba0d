package handlers

import (
	"net/http"
	"strings"
)

// blockedUpstreamHeaders never reach clients: hop-by-hop headers, the Qwen
// account's cookies, and headers the gateway sets itself.
var blockedUpstreamHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},

	"Set-Cookie":                {},
	"Strict-Transport-Security": {},
	"Alt-Svc":                   {},

	"Content-Length":   {},
	"Content-Encoding": {},
	"Vary":             {},
}

// blockedUpstreamPrefixes drops CORS headers; the gateway answers CORS on its own.
var blockedUpstreamPrefixes = []string{"Access-Control-"}

// FilterUpstreamHeaders returns the Qwen response headers that may be shown to
// a client, such as Eagleeye-Traceid and X-Request-Id. Returns nil when
// nothing is left.
func FilterUpstreamHeaders(src http.Header) http.Header {
	if len(src) == 0 {
		return nil
	}
	scoped := make(map[string]struct{})
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				scoped[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}

	var dst http.Header
	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if _, blocked := blockedUpstreamHeaders[canonical]; blocked {
			continue
		}
		if _, ok := scoped[canonical]; ok || hasBlockedPrefix(canonical) {
			continue
		}
		if dst == nil {
			dst = make(http.Header)
		}
		dst[canonical] = append([]string(nil), values...)
	}
	return dst
}

func hasBlockedPrefix(key string) bool {
	for _, p := range blockedUpstreamPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// WriteUpstreamHeaders copies src into dst, leaving headers the gateway
// already set (Content-Type, X-Request-Id) alone.
func WriteUpstreamHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if dst.Get(key) != "" {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
