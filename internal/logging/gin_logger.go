// Package logging wires logrus into the gateway: the line formatter, rotating
// file output, request IDs and the gin access-log and recovery middleware.
package logging

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qwen-gateway/qwen-gateway/internal/util"
	log "github.com/sirupsen/logrus"
)

// upstreamPaths are the routes that reach Qwen. Only these get a request ID.
var upstreamPaths = []string{
	"/v1/chat/completions",
	"/v1/completions",
	"/v1/validate",
	"/v1/refresh",
	"/v1/chats/",
}

const skipGinLogKey = "__gin_skip_request_logging__"

// GinLogrusLogger logs one line per request:
//
//	[2026-01-02 15:04:05] [a1b2c3d4] [info ] | 200 |   1.234s | 127.0.0.1 | POST "/v1/chat/completions" model=qwen_think
//
// Upstream-bound requests get a request ID, taken from X-Request-Id when the
// client sent a usable one, and echoed back in the same header.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := util.MaskSensitiveQuery(c.Request.URL.RawQuery)

		var requestID string
		if isUpstreamPath(path) {
			requestID = clientRequestID(c.GetHeader(RequestIDHeader))
			if requestID == "" {
				requestID = GenerateRequestID()
			}
			c.Set(ginRequestIDKey, requestID)
			c.Header(RequestIDHeader, requestID)
			c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), requestID))
		}

		c.Next()

		if skip, _ := c.Get(skipGinLogKey); skip == true {
			return
		}
		if query != "" {
			path += "?" + query
		}

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}
		status := c.Writer.Status()
		line := fmt.Sprintf("| %3d | %10v | %15s | %-6s %q", status, latency, c.ClientIP(), c.Request.Method, path)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			line += " | " + strings.TrimSpace(errs)
		}

		if requestID == "" {
			requestID = "--------"
		}
		fields := log.Fields{"request_id": requestID}
		if model := c.GetString(ginModelKey); model != "" {
			fields["model"] = model
		}
		entry := log.WithFields(fields)
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(line)
		case status >= http.StatusBadRequest:
			entry.Warn(line)
		default:
			entry.Info(line)
		}
	}
}

func isUpstreamPath(path string) bool {
	for _, prefix := range upstreamPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// GinLogrusRecovery turns a handler panic into an OpenAI-style 500 reply and
// logs the stack. http.ErrAbortHandler is re-raised so net/http drops the connection.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			panic(http.ErrAbortHandler)
		}

		log.WithFields(log.Fields{
			"request_id": GetGinRequestID(c),
			"path":       c.Request.URL.Path,
		}).Errorf("recovered from panic: %v\n%s", recovered, debug.Stack())

		if c.Writer.Written() {
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"message": "Internal server error",
			"type":    "server_error",
			"param":   nil,
			"code":    nil,
		}})
	})
}

// SkipGinRequestLogging suppresses the access-log line for this request.
func SkipGinRequestLogging(c *gin.Context) {
	if c != nil {
		c.Set(skipGinLogKey, true)
	}
}
