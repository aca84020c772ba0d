// Package qwen provides the session administration endpoints: remote token
// validation, session refresh and upstream chat deletion. Upstream replies are
// relayed unchanged.
package qwen

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qwen-gateway/qwen-gateway/internal/constant"
	"github.com/qwen-gateway/qwen-gateway/internal/interfaces"
	"github.com/qwen-gateway/qwen-gateway/internal/logging"
	"github.com/qwen-gateway/qwen-gateway/internal/util"
	"github.com/qwen-gateway/qwen-gateway/sdk/api/handlers"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var _ interfaces.APIHandler = (*SessionAPIHandler)(nil)

// SessionAPIHandler serves /v1/validate, /v1/refresh and /v1/chats/delete.
type SessionAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewSessionAPIHandler creates the session handlers.
func NewSessionAPIHandler(apiHandlers *handlers.BaseAPIHandler) *SessionAPIHandler {
	return &SessionAPIHandler{BaseAPIHandler: apiHandlers}
}

// HandlerType returns the identifier for this handler implementation.
func (h *SessionAPIHandler) HandlerType() string { return constant.QwenSession }

// Models returns nothing; session endpoints serve no models.
func (h *SessionAPIHandler) Models() []map[string]any { return nil }

// Validate checks a token against upstream and relays the reply. Without a
// token in the body or query the gateway's own session is checked.
func (h *SessionAPIHandler) Validate(c *gin.Context) {
	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()

	if h.Validator == nil {
		h.WriteErrorResponse(c, &interfaces.ErrorMessage{StatusCode: http.StatusServiceUnavailable, Error: errors.New("token validation is not configured")})
		return
	}
	token := requestToken(c)
	if token == "" {
		own, err := h.Sessions.Token(ctx)
		if err != nil {
			h.writeError(c, err)
			return
		}
		token = own
	}

	res, err := h.Validator.ValidateRemote(ctx, token)
	if err != nil {
		h.writeError(c, err)
		return
	}
	log.WithField("request_id", logging.GetRequestID(ctx)).Debugf("token %s validated upstream: status %d", util.HideAPIKey(token), res.StatusCode)
	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	if handlers.PassthroughHeadersEnabled(h.Cfg) {
		handlers.WriteUpstreamHeaders(c.Writer.Header(), handlers.FilterUpstreamHeaders(res.Header))
	}
	c.Data(res.StatusCode, contentType, res.Body)
}

// Refresh relays an upstream refresh for the given token. Without one it
// forces a new gateway session and reports it.
func (h *SessionAPIHandler) Refresh(c *gin.Context) {
	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()

	if token := requestToken(c); token != "" {
		res, err := h.Upstream.Refresh(ctx, token)
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.WritePassthrough(c, res)
		return
	}

	session, err := h.Sessions.Refresh(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := gin.H{
		"token":    session.Token,
		"cachedAt": session.CachedAt.UTC().Format(time.RFC3339),
	}
	if session.ExpiresAt != nil {
		out["expiresAt"] = session.ExpiresAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, out)
}

// DeleteChats removes the upstream chat history of the gateway session.
func (h *SessionAPIHandler) DeleteChats(c *gin.Context) {
	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()

	res, err := h.Upstream.DeleteChats(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.WritePassthrough(c, res)
}

func (h *SessionAPIHandler) writeError(c *gin.Context, err error) {
	if msg := handlers.ErrorFromExecution(err); msg != nil {
		h.WriteErrorResponse(c, msg)
	}
}

// requestToken reads "token" from the JSON body, falling back to the query.
func requestToken(c *gin.Context) string {
	if c.Request.Body != nil {
		if raw, err := c.GetRawData(); err == nil && len(raw) > 0 {
			if token := strings.TrimSpace(gjson.GetBytes(raw, "token").String()); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(c.Query("token"))
}
