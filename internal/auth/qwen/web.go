package qwen

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// WebUserAgent is sent on every upstream call so requests look like the web app.
const WebUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ApplyWebHeaders sets the headers the Qwen web API expects from its own front end.
func ApplyWebHeaders(req *http.Request, creds Credentials, baseURL string) {
	origin := strings.TrimRight(baseURL, "/")
	req.Header.Set("Authorization", "Bearer "+creds.Bearer)
	if cookie := creds.CookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	req.Header.Set("User-Agent", WebUserAgent)
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", origin+"/")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	req.Header.Set("source", "web")
}

// DecodeBody returns a reader over the decoded response body. Because the
// Accept-Encoding header is set by hand, net/http leaves decompression to us.
// Closing the returned reader closes the response body.
func DecodeBody(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	body := resp.Body
	switch encoding {
	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), body: body}
	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return &decodedBody{Reader: &errReader{err: err}, body: body}
		}
		return &decodedBody{Reader: dec, body: body, release: dec.Close}
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return &decodedBody{Reader: &errReader{err: err}, body: body}
		}
		return &decodedBody{Reader: zr, body: body, release: func() { _ = zr.Close() }}
	case "deflate":
		fr := flate.NewReader(body)
		return &decodedBody{Reader: fr, body: body, release: func() { _ = fr.Close() }}
	default:
		return body
	}
}

type decodedBody struct {
	io.Reader
	body    io.Closer
	release func()
}

func (d *decodedBody) Close() error {
	if d.release != nil {
		d.release()
	}
	return d.body.Close()
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }
