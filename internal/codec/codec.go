// Package codec converts a captured browser session into an opaque, transport-safe
// token and back. The token is base64(gzip(canonical JSON)).
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// maxDecodedSize caps the inflated payload so a hostile token cannot exhaust memory.
const maxDecodedSize = 4 << 20

// Cookie is a single browser cookie captured after login.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Bundle is the raw credential material read from the browser: every local-storage
// entry of the site plus its cookies, in capture order.
type Bundle struct {
	LocalStorage map[string]string `json:"localStorage"`
	Cookies      []Cookie          `json:"cookies"`
}

// ErrorKind classifies why a token could not be decoded.
type ErrorKind int

const (
	InvalidEncoding ErrorKind = iota + 1
	InvalidCompressedData
	InvalidJSON
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidEncoding:
		return "invalid encoding"
	case InvalidCompressedData:
		return "invalid compressed data"
	case InvalidJSON:
		return "invalid json"
	default:
		return "unknown"
	}
}

// CodecError is returned by Decode for any malformed token.
type CodecError struct {
	Kind ErrorKind
	Err  error
}

func (e *CodecError) Error() string {
	if e.Err == nil {
		return "token codec: " + e.Kind.String()
	}
	return fmt.Sprintf("token codec: %s: %v", e.Kind, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// IsCodecError reports whether err carries a CodecError.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}

// Encode serializes the bundle to canonical JSON, compresses it and returns the
// standard base64 form. Map keys are emitted in sorted order and the gzip header
// carries no timestamp, so equal bundles always yield equal tokens.
func Encode(b Bundle) (string, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("token codec: marshal bundle: %w", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("token codec: gzip writer: %w", err)
	}
	if _, err = zw.Write(payload); err != nil {
		_ = zw.Close()
		return "", fmt.Errorf("token codec: compress: %w", err)
	}
	if err = zw.Close(); err != nil {
		return "", fmt.Errorf("token codec: compress: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. It never returns a partially filled bundle: on any
// failure the zero Bundle and a *CodecError are returned.
func Decode(token string) (Bundle, error) {
	raw, err := decodeBase64(strings.TrimSpace(token))
	if err != nil {
		return Bundle{}, &CodecError{Kind: InvalidEncoding, Err: err}
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return Bundle{}, &CodecError{Kind: InvalidCompressedData, Err: err}
	}
	defer func() { _ = zr.Close() }()

	payload, err := io.ReadAll(io.LimitReader(zr, maxDecodedSize+1))
	if err != nil {
		return Bundle{}, &CodecError{Kind: InvalidCompressedData, Err: err}
	}
	if len(payload) > maxDecodedSize {
		return Bundle{}, &CodecError{Kind: InvalidCompressedData, Err: errors.New("decoded payload too large")}
	}

	var b Bundle
	if err = json.Unmarshal(payload, &b); err != nil {
		return Bundle{}, &CodecError{Kind: InvalidJSON, Err: err}
	}
	return b, nil
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty token")
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	// Tokens copied out of URLs tend to lose padding or use the URL alphabet.
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.NewReplacer("+", "-", "/", "_").Replace(s), "="))
}
