// Package handlers provides the API handler plumbing shared by the gateway's
// endpoints: error envelopes, error classification, request contexts and the
// SSE stream forwarder.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	qwenauth "github.com/qwen-gateway/qwen-gateway/internal/auth/qwen"
	"github.com/qwen-gateway/qwen-gateway/internal/codec"
	"github.com/qwen-gateway/qwen-gateway/internal/interfaces"
	"github.com/qwen-gateway/qwen-gateway/internal/logging"
	"github.com/qwen-gateway/qwen-gateway/internal/normalizer"
	"github.com/qwen-gateway/qwen-gateway/internal/router"
	"github.com/qwen-gateway/qwen-gateway/internal/runtime/executor"
	"github.com/qwen-gateway/qwen-gateway/sdk/config"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ErrorResponse represents a standard error response format for the API.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides specific information about an error that occurred.
// Param and Code are always present and null when not applicable.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

const defaultStreamingKeepAliveSeconds = 0

// Upstream is the part of the Qwen executor the handlers drive.
type Upstream interface {
	ExecuteStream(ctx context.Context, req executor.Request) (*executor.StreamResult, error)
	Refresh(ctx context.Context, token string) (*executor.PassthroughResult, error)
	DeleteChats(ctx context.Context) (*executor.PassthroughResult, error)
}

// Sessions hands out and refreshes the gateway's own Qwen session.
type Sessions interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (*qwenauth.CachedSession, error)
}

// TokenValidator checks a token against upstream.
type TokenValidator interface {
	ValidateRemote(ctx context.Context, token string) (*qwenauth.ValidationResult, error)
}

// BaseAPIHandler holds what every endpoint needs: configuration, the model
// router and the upstream collaborators.
type BaseAPIHandler struct {
	// Cfg holds the current SDK configuration.
	Cfg *config.SDKConfig

	Upstream  Upstream
	Sessions  Sessions
	Validator TokenValidator

	router  atomic.Pointer[router.Router]
	started time.Time
}

// NewBaseAPIHandlers creates the shared handler state.
func NewBaseAPIHandlers(cfg *config.SDKConfig, upstream Upstream, sessions Sessions, validator TokenValidator, r *router.Router) *BaseAPIHandler {
	h := &BaseAPIHandler{
		Cfg:       cfg,
		Upstream:  upstream,
		Sessions:  sessions,
		Validator: validator,
		started:   time.Now(),
	}
	if r == nil {
		r = router.MustDefault()
	}
	h.router.Store(r)
	return h
}

// UpdateClients swaps the configuration after a reload.
func (h *BaseAPIHandler) UpdateClients(cfg *config.SDKConfig) { h.Cfg = cfg }

// SetRouter swaps the model router. In-flight requests keep the one they resolved with.
func (h *BaseAPIHandler) SetRouter(r *router.Router) {
	if r != nil {
		h.router.Store(r)
	}
}

// Router returns the current model router.
func (h *BaseAPIHandler) Router() *router.Router { return h.router.Load() }

// Started is the process start time, reported as the models' created time.
func (h *BaseAPIHandler) Started() time.Time { return h.started }

// GetContextWithCancel derives the upstream context from the client request so
// a client disconnect aborts the upstream call. The request ID travels along.
func (h *BaseAPIHandler) GetContextWithCancel(c *gin.Context) (context.Context, context.CancelFunc) {
	ctx := c.Request.Context()
	if logging.GetRequestID(ctx) == "" {
		if requestID := logging.GetGinRequestID(c); requestID != "" {
			ctx = logging.WithRequestID(ctx, requestID)
		}
	}
	return context.WithCancel(ctx)
}

// BuildErrorResponseBody builds an OpenAI-compatible JSON error response body.
// Upstream JSON that already has an "error" object is passed through; other
// JSON has its message extracted; plain text is wrapped.
func BuildErrorResponseBody(status int, errText string) []byte {
	return buildErrorBody(status, errText, "")
}

func buildErrorBody(status int, errText, param string) []byte {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	trimmed := strings.TrimSpace(errText)
	if trimmed == "" {
		trimmed = http.StatusText(status)
	}

	if json.Valid([]byte(trimmed)) {
		root := gjson.Parse(trimmed)
		if root.Get("error").IsObject() {
			return []byte(trimmed)
		}
		if root.IsObject() {
			for _, path := range []string{"message", "detail", "data.details", "msg", "error"} {
				if v := strings.TrimSpace(root.Get(path).String()); v != "" {
					trimmed = v
					break
				}
			}
		}
	}

	errType := "invalid_request_error"
	var code string
	switch status {
	case http.StatusUnauthorized:
		errType = "authentication_error"
		code = "invalid_api_key"
	case http.StatusForbidden:
		errType = "permission_error"
		code = "insufficient_quota"
	case http.StatusTooManyRequests:
		errType = "rate_limit_error"
		code = "rate_limit_exceeded"
	case http.StatusNotFound:
		code = "not_found"
	case http.StatusServiceUnavailable:
		errType = "server_error"
		code = "service_unavailable"
	case http.StatusGatewayTimeout:
		errType = "server_error"
		code = "timeout"
	default:
		if status >= http.StatusInternalServerError {
			errType = "server_error"
			code = "internal_server_error"
		}
	}

	detail := ErrorDetail{Message: trimmed, Type: errType}
	if param != "" {
		detail.Param = &param
	}
	if code != "" {
		detail.Code = &code
	}
	payload, err := json.Marshal(ErrorResponse{Error: detail})
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":{"message":%q,"type":"server_error","param":null,"code":"internal_server_error"}}`, trimmed))
	}
	return payload
}

// ErrorFromExecution classifies an error from the session, normalization or
// upstream layers into the status reported to the client. It returns nil when
// the client itself went away.
func ErrorFromExecution(err error) *interfaces.ErrorMessage {
	if err == nil {
		return nil
	}
	var (
		compat  *normalizer.CompatibilityError
		reqErr  *normalizer.RequestError
		authErr *qwenauth.AuthError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &interfaces.ErrorMessage{StatusCode: http.StatusGatewayTimeout, Error: errors.New("upstream request timed out")}
	case errors.As(err, &compat):
		return &interfaces.ErrorMessage{StatusCode: http.StatusBadRequest, Error: err, Param: "messages"}
	case errors.As(err, &reqErr):
		param := reqErr.Param
		if param == "" {
			param = "messages"
		}
		return &interfaces.ErrorMessage{StatusCode: http.StatusBadRequest, Error: err, Param: param}
	case codec.IsCodecError(err), qwenauth.IsTokenError(err):
		return &interfaces.ErrorMessage{StatusCode: http.StatusUnauthorized, Error: err}
	case errors.As(err, &authErr), errors.Is(err, qwenauth.ErrNoCredentials):
		log.Errorf("qwen session unavailable: %v", err)
		return &interfaces.ErrorMessage{StatusCode: http.StatusServiceUnavailable, Error: err}
	}
	if code := statusFromError(err); code > 0 {
		return &interfaces.ErrorMessage{StatusCode: code, Error: err}
	}
	return &interfaces.ErrorMessage{StatusCode: http.StatusBadGateway, Error: err}
}

func statusFromError(err error) int {
	var se interface{ StatusCode() int }
	if errors.As(err, &se) {
		return se.StatusCode()
	}
	return 0
}

// StreamingKeepAliveInterval returns the SSE keep-alive interval for this server.
// Returning 0 disables keep-alives.
func StreamingKeepAliveInterval(cfg *config.SDKConfig) time.Duration {
	seconds := defaultStreamingKeepAliveSeconds
	if cfg != nil {
		seconds = cfg.Streaming.KeepAliveSeconds
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// PassthroughHeadersEnabled returns whether upstream response headers should be forwarded to clients.
func PassthroughHeadersEnabled(cfg *config.SDKConfig) bool {
	return cfg != nil && cfg.PassthroughHeaders
}

// WriteErrorResponse writes an error message to the response writer using the HTTP status embedded in the message.
func (h *BaseAPIHandler) WriteErrorResponse(c *gin.Context, msg *interfaces.ErrorMessage) {
	status := http.StatusInternalServerError
	if msg != nil && msg.StatusCode > 0 {
		status = msg.StatusCode
	}
	if msg != nil && msg.Addon != nil && PassthroughHeadersEnabled(h.Cfg) {
		for key, values := range msg.Addon {
			if len(values) == 0 {
				continue
			}
			c.Writer.Header().Del(key)
			for _, value := range values {
				c.Writer.Header().Add(key, value)
			}
		}
	}

	errText := http.StatusText(status)
	param := ""
	if msg != nil {
		if msg.Error != nil {
			if v := strings.TrimSpace(msg.Error.Error()); v != "" {
				errText = v
			}
		}
		param = msg.Param
	}

	body := buildErrorBody(status, errText, param)
	if !c.Writer.Written() {
		c.Writer.Header().Set("Content-Type", "application/json")
	}
	c.Status(status)
	_, _ = c.Writer.Write(body)
}

// WritePassthrough relays an upstream reply unchanged.
func (h *BaseAPIHandler) WritePassthrough(c *gin.Context, res *executor.PassthroughResult) {
	contentType := res.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	if PassthroughHeadersEnabled(h.Cfg) {
		WriteUpstreamHeaders(c.Writer.Header(), FilterUpstreamHeaders(res.Headers))
	}
	c.Data(res.StatusCode, contentType, res.Body)
}
