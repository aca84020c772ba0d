package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/gin-gonic/gin"
)

// RequestIDHeader carries the request ID from clients and back to them.
const RequestIDHeader = "X-Request-Id"

const maxClientRequestID = 64

type requestIDKey struct{}

const (
	ginRequestIDKey = "__request_id__"
	ginModelKey     = "__model__"
)

// GenerateRequestID creates a new 8-character hex request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// clientRequestID returns v when it is usable as a log token: at most 64
// characters from [A-Za-z0-9_-]. Anything else yields "".
func clientRequestID(v string) string {
	if v == "" || len(v) > maxClientRequestID {
		return ""
	}
	for i := 0; i < len(v); i++ {
		ch := v[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return ""
		}
	}
	return v
}

// WithRequestID returns a new context with the request ID attached.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// GetGinRequestID retrieves the request ID assigned by GinLogrusLogger.
func GetGinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(ginRequestIDKey)
}

// SetGinModel records the requested model so the access log line can show it.
func SetGinModel(c *gin.Context, model string) {
	if c != nil && model != "" {
		c.Set(ginModelKey, model)
	}
}
