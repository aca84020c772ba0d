// Package executor talks to the Qwen web API: it creates conversations, issues
// streamed completions and passes session administration calls through.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	qwenauth "github.com/qwen-gateway/qwen-gateway/internal/auth/qwen"
	"github.com/qwen-gateway/qwen-gateway/internal/config"
	"github.com/qwen-gateway/qwen-gateway/internal/constant"
	"github.com/qwen-gateway/qwen-gateway/internal/logging"
	"github.com/qwen-gateway/qwen-gateway/internal/normalizer"
	"github.com/qwen-gateway/qwen-gateway/internal/router"
	"github.com/qwen-gateway/qwen-gateway/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	qwenNewChatPath     = "/api/v2/chats/new"
	qwenCompletionsPath = "/api/v2/chat/completions"
	qwenRefreshPath     = "/api/v1/auths/refresh"
	qwenChatsPath       = "/api/v2/chats/"

	// streamBufferSize bounds a single upstream event line.
	streamBufferSize = 52_428_800 // 50MB
)

// SessionSource yields the credentials for an upstream call.
type SessionSource interface {
	Credentials(ctx context.Context) (qwenauth.Credentials, error)
}

// Request is one completion call, already routed and normalized.
type Request struct {
	Model          string
	Messages       []normalizer.Message
	Tools          []router.ToolSpec
	MaxTokens      *int
	Thinking       bool
	ThinkingBudget *int
}

// StreamChunk is one upstream event payload (the JSON after "data:") or a
// terminal error. Index counts payloads from zero.
type StreamChunk struct {
	Index   int
	Payload []byte
	Err     error
}

// StreamResult is an open upstream stream. Chunks is closed when the upstream
// body ends, fails, or the request context is cancelled.
type StreamResult struct {
	ChatID  string
	Headers http.Header
	Chunks  <-chan StreamChunk
}

// Response is a fully collected upstream stream.
type Response struct {
	ChatID  string
	Headers http.Header
	Events  [][]byte
}

// PassthroughResult is an upstream reply relayed to the client unchanged.
type PassthroughResult struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// QwenExecutor is the upstream client for chat.qwen.ai.
type QwenExecutor struct {
	baseURL          string
	sessions         SessionSource
	client           *http.Client
	firstByteTimeout time.Duration
	requestTimeout   time.Duration
	newID            func() string
	now              func() time.Time
}

// NewQwenExecutor builds an executor using the proxy, TLS and timeout settings in cfg.
func NewQwenExecutor(cfg *config.Config, sessions SessionSource) *QwenExecutor {
	return NewQwenExecutorWithClient(cfg, sessions, NewHTTPClient(cfg))
}

// NewQwenExecutorWithClient is NewQwenExecutor with an explicit HTTP client.
func NewQwenExecutorWithClient(cfg *config.Config, sessions SessionSource, client *http.Client) *QwenExecutor {
	return &QwenExecutor{
		baseURL:          strings.TrimRight(cfg.Qwen.BaseURL, "/"),
		sessions:         sessions,
		client:           client,
		firstByteTimeout: cfg.Qwen.FirstByteTimeout(),
		requestTimeout:   cfg.Qwen.RequestTimeout(),
		newID:            func() string { return uuid.NewString() },
		now:              time.Now,
	}
}

// NewHTTPClient returns the upstream HTTP client: proxy-aware, with the
// first-byte timeout on response headers and optionally a Chrome TLS fingerprint.
func NewHTTPClient(cfg *config.Config) *http.Client {
	var transport http.RoundTripper = util.NewTransport(&cfg.SDKConfig, cfg.Qwen.FirstByteTimeout())
	if cfg.Qwen.TLSFingerprint {
		transport = newChromeRoundTripper(&cfg.SDKConfig, transport)
	}
	return &http.Client{Transport: transport}
}

// Identifier names the upstream in logs.
func (e *QwenExecutor) Identifier() string { return constant.Qwen }

// BaseURL is the upstream origin.
func (e *QwenExecutor) BaseURL() string { return e.baseURL }

// ExecuteStream creates a conversation, sends the completion and returns the
// upstream event stream. Non-2xx replies come back as a status error carrying
// the upstream body.
func (e *QwenExecutor) ExecuteStream(ctx context.Context, req Request) (_ *StreamResult, err error) {
	creds, err := e.sessions.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, e.requestTimeout, errRequestTimeout)
	ctx, cancel := context.WithCancelCause(ctx)
	defer func() {
		if err != nil {
			cancel(nil)
			cancelTimeout()
		}
	}()

	chatID := e.createChat(ctx, creds, req.Model)
	body, err := e.buildBody(req, chatID)
	if err != nil {
		return nil, err
	}

	endpoint := e.baseURL + qwenCompletionsPath + "?chat_id=" + chatID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	qwenauth.ApplyWebHeaders(httpReq, creds, e.baseURL)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-accel-buffering", "no")

	logWithRequestID(ctx).Debugf("qwen executor: model=%s chat=%s thinking=%t tools=%d", req.Model, chatID, req.Thinking, len(req.Tools))

	firstByte := time.AfterFunc(e.firstByteTimeout, func() { cancel(errFirstByteTimeout) })
	httpResp, err := e.client.Do(httpReq)
	firstByte.Stop()
	if err != nil {
		return nil, e.transportError(ctx, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data := readAllAndClose(httpResp)
		logWithRequestID(ctx).Debugf("qwen executor: upstream status %d: %s", httpResp.StatusCode, summarize(data))
		return nil, statusErr{code: httpResp.StatusCode, msg: string(data)}
	}
	if !isEventStream(httpResp.Header.Get("Content-Type")) {
		data := readAllAndClose(httpResp)
		if se, failed := envelopeFailure(data); failed {
			logWithRequestID(ctx).Debugf("qwen executor: upstream rejected request: %s", summarize(data))
			return nil, se
		}
		if len(bytes.TrimSpace(data)) > 0 {
			httpResp.Body = io.NopCloser(bytes.NewReader(data))
			httpResp.Header.Del("Content-Encoding")
		} else {
			return nil, statusErr{code: http.StatusBadGateway, msg: "qwen upstream returned an empty body"}
		}
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancelTimeout()
		defer cancel(nil)
		body := qwenauth.DecodeBody(httpResp)
		defer func() {
			if errClose := body.Close(); errClose != nil {
				log.Errorf("qwen executor: close response body error: %v", errClose)
			}
		}()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(nil, streamBufferSize)
		index := 0
		for scanner.Scan() {
			payload, ok := eventPayload(scanner.Bytes())
			if !ok {
				continue
			}
			select {
			case out <- StreamChunk{Index: index, Payload: bytes.Clone(payload)}:
				index++
			case <-parent.Done():
				return
			}
		}
		errScan := scanner.Err()
		if errScan == nil {
			return
		}
		if errors.Is(parent.Err(), context.Canceled) {
			logWithRequestID(ctx).Debug("qwen executor: stream cancelled by client")
			return
		}
		errScan = e.transportError(ctx, errScan)
		select {
		case out <- StreamChunk{Index: index, Err: errScan}:
		case <-parent.Done():
		}
	}()

	return &StreamResult{ChatID: chatID, Headers: httpResp.Header.Clone(), Chunks: out}, nil
}

// Execute runs ExecuteStream and collects every event payload.
func (e *QwenExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	stream, err := e.ExecuteStream(ctx, req)
	if err != nil {
		return Response{}, err
	}
	resp := Response{ChatID: stream.ChatID, Headers: stream.Headers}
	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			return resp, chunk.Err
		}
		resp.Events = append(resp.Events, chunk.Payload)
	}
	return resp, nil
}

// createChat asks upstream for a conversation id. The call is best effort: any
// failure falls back to a locally generated id.
func (e *QwenExecutor) createChat(ctx context.Context, creds qwenauth.Credentials, model string) string {
	body := []byte(`{"title":"New Chat","models":[],"chat_mode":"normal","chat_type":"t2t","timestamp":0}`)
	body, _ = sjson.SetBytes(body, "models.0", model)
	body, _ = sjson.SetBytes(body, "timestamp", e.now().UnixMilli())

	fallback := func(reason string) string {
		id := e.newID()
		logWithRequestID(ctx).Warnf("qwen executor: create chat failed (%s), using local id %s", reason, id)
		return id
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+qwenNewChatPath, bytes.NewReader(body))
	if err != nil {
		return fallback(err.Error())
	}
	qwenauth.ApplyWebHeaders(httpReq, creds, e.baseURL)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return fallback(err.Error())
	}
	data := readAllAndClose(httpResp)
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return fallback(fmt.Sprintf("status %d: %s", httpResp.StatusCode, summarize(data)))
	}
	root := gjson.ParseBytes(data)
	for _, path := range []string{"data.id", "id", "data.chat_id"} {
		if id := strings.TrimSpace(root.Get(path).String()); id != "" {
			return id
		}
	}
	return fallback("no id in reply: " + summarize(data))
}

// buildBody renders the completion request in the web API's format.
func (e *QwenExecutor) buildBody(req Request, chatID string) ([]byte, error) {
	body := []byte(`{"model":"","messages":[],"stream":true,"incremental_output":true,"chat_type":"t2t","session_id":"","chat_id":"","feature_config":{"output_schema":"phase","thinking_enabled":false}}`)
	var err error
	set := func(path string, value any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, value)
		}
	}
	setRaw := func(path string, raw []byte) {
		if err == nil {
			body, err = sjson.SetRawBytes(body, path, raw)
		}
	}

	set("model", req.Model)
	set("session_id", e.newID())
	set("chat_id", chatID)
	set("feature_config.thinking_enabled", req.Thinking)
	if req.Thinking && req.ThinkingBudget != nil {
		set("feature_config.thinking_budget", *req.ThinkingBudget)
	}
	for i, m := range req.Messages {
		msg, errMsg := messageJSON(m)
		if errMsg != nil {
			return nil, errMsg
		}
		setRaw(fmt.Sprintf("messages.%d", i), msg)
	}
	if req.MaxTokens != nil {
		set("max_tokens", *req.MaxTokens)
	}
	for i, t := range req.Tools {
		raw, errTool := t.MarshalJSON()
		if errTool != nil {
			return nil, errTool
		}
		setRaw(fmt.Sprintf("tools.%d", i), raw)
	}
	if err != nil {
		return nil, fmt.Errorf("qwen executor: build body: %w", err)
	}
	return body, nil
}

func messageJSON(m normalizer.Message) ([]byte, error) {
	out := []byte(`{"role":""}`)
	var err error
	set := func(path string, value any) {
		if err == nil {
			out, err = sjson.SetBytes(out, path, value)
		}
	}
	set("role", m.Role)
	if !m.IsMultipart() {
		set("content", m.Text)
	} else {
		out, err = sjson.SetRawBytes(out, "content", []byte(`[]`))
		for i, p := range m.Parts {
			prefix := fmt.Sprintf("content.%d.", i)
			set(prefix+"type", string(p.Type))
			switch p.Type {
			case normalizer.PartText:
				set(prefix+"text", p.Text)
			default:
				set(prefix+string(p.Type), p.URL)
				if p.Name != "" {
					set(prefix+"name", p.Name)
				}
			}
		}
	}
	if m.Name != "" {
		set("name", m.Name)
	}
	if m.ToolCallID != "" {
		set("tool_call_id", m.ToolCallID)
	}
	return out, err
}

// Refresh asks upstream to refresh the session behind token and relays the reply.
func (e *QwenExecutor) Refresh(ctx context.Context, token string) (*PassthroughResult, error) {
	creds, err := qwenauth.ParseToken(token)
	if err != nil {
		return nil, err
	}
	return e.passthrough(ctx, http.MethodPost, qwenRefreshPath, creds, []byte(`{}`))
}

// DeleteChats removes the account's upstream conversations using the gateway session.
func (e *QwenExecutor) DeleteChats(ctx context.Context) (*PassthroughResult, error) {
	creds, err := e.sessions.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	return e.passthrough(ctx, http.MethodDelete, qwenChatsPath, creds, nil)
}

func (e *QwenExecutor) passthrough(ctx context.Context, method, path string, creds qwenauth.Credentials, body []byte) (*PassthroughResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	qwenauth.ApplyWebHeaders(httpReq, creds, e.baseURL)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, e.transportError(ctx, err)
	}
	data := readAllAndClose(httpResp)
	logWithRequestID(ctx).Debugf("qwen executor: %s %s -> %d", method, path, httpResp.StatusCode)
	return &PassthroughResult{StatusCode: httpResp.StatusCode, Headers: httpResp.Header.Clone(), Body: data}, nil
}

// transportError turns our own timeouts into gateway timeouts and leaves
// other failures as they are.
func (e *QwenExecutor) transportError(ctx context.Context, err error) error {
	switch context.Cause(ctx) {
	case errFirstByteTimeout, errRequestTimeout:
		return statusErr{code: http.StatusGatewayTimeout, msg: context.Cause(ctx).Error()}
	}
	return err
}

// eventPayload extracts the JSON of one SSE line. Comments, event names,
// blank lines and the [DONE] marker carry nothing.
func eventPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		rest = bytes.TrimSpace(rest)
		if len(rest) == 0 || bytes.Equal(rest, []byte("[DONE]")) {
			return nil, false
		}
		return rest, true
	}
	if line[0] == '{' {
		return line, true
	}
	return nil, false
}

func isEventStream(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "text/plain")
}

func readAllAndClose(resp *http.Response) []byte {
	body := qwenauth.DecodeBody(resp)
	data, errRead := io.ReadAll(body)
	if errRead != nil {
		log.Debugf("qwen executor: read body: %v", errRead)
	}
	if errClose := body.Close(); errClose != nil {
		log.Errorf("qwen executor: close response body error: %v", errClose)
	}
	return data
}

func summarize(data []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func logWithRequestID(ctx context.Context) *log.Entry {
	return log.WithField("request_id", logging.GetRequestID(ctx))
}
