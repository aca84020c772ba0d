// Package openai provides the OpenAI-compatible endpoints of the gateway:
// chat completions, legacy completions and the model list. Requests are routed
// to a Qwen model, normalized, sent upstream and translated back.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qwen-gateway/qwen-gateway/internal/constant"
	"github.com/qwen-gateway/qwen-gateway/internal/interfaces"
	"github.com/qwen-gateway/qwen-gateway/internal/logging"
	"github.com/qwen-gateway/qwen-gateway/internal/normalizer"
	"github.com/qwen-gateway/qwen-gateway/internal/router"
	"github.com/qwen-gateway/qwen-gateway/internal/runtime/executor"
	qwentranslator "github.com/qwen-gateway/qwen-gateway/internal/translator/qwen"
	"github.com/qwen-gateway/qwen-gateway/sdk/api/handlers"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var _ interfaces.APIHandler = (*OpenAIAPIHandler)(nil)

// OpenAIAPIHandler contains the handlers for OpenAI API endpoints.
type OpenAIAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewOpenAIAPIHandler creates a new OpenAI API handlers instance.
func NewOpenAIAPIHandler(apiHandlers *handlers.BaseAPIHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{BaseAPIHandler: apiHandlers}
}

// HandlerType returns the identifier for this handler implementation.
func (h *OpenAIAPIHandler) HandlerType() string { return constant.OpenAI }

// Models lists the aliases, without the default, followed by the pass-through models.
func (h *OpenAIAPIHandler) Models() []map[string]any {
	r := h.Router()
	created := h.Started().Unix()
	seen := make(map[string]struct{})
	var models []map[string]any
	add := func(id, description string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		m := map[string]any{"id": id, "object": "model", "created": created, "owned_by": constant.Qwen}
		if description != "" {
			m["description"] = description
		}
		models = append(models, m)
	}
	for _, a := range r.Aliases() {
		add(a.Name, a.Description)
	}
	for _, id := range r.Known() {
		add(id, "")
	}
	return models
}

// OpenAIModels handles the /v1/models endpoint.
func (h *OpenAIAPIHandler) OpenAIModels(c *gin.Context) {
	allModels := h.Models()
	filtered := make([]map[string]any, len(allModels))
	for i, model := range allModels {
		filtered[i] = map[string]any{
			"id":       model["id"],
			"object":   model["object"],
			"created":  model["created"],
			"owned_by": model["owned_by"],
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   filtered,
	})
}

// ChatCompletions handles the /v1/chat/completions endpoint.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.WriteErrorResponse(c, &interfaces.ErrorMessage{StatusCode: http.StatusBadRequest, Error: fmt.Errorf("Invalid request: %v", err)})
		return
	}
	call, errMsg := h.prepare(rawJSON)
	if errMsg != nil {
		h.WriteErrorResponse(c, errMsg)
		return
	}
	logging.SetGinModel(c, call.model)
	if call.stream {
		h.handleStreamingResponse(c, call, nil)
	} else {
		h.handleNonStreamingResponse(c, call, nil)
	}
}

// Completions handles the legacy /v1/completions endpoint by mapping the
// prompt onto a chat completion and converting the replies back.
func (h *OpenAIAPIHandler) Completions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.WriteErrorResponse(c, &interfaces.ErrorMessage{StatusCode: http.StatusBadRequest, Error: fmt.Errorf("Invalid request: %v", err)})
		return
	}
	call, errMsg := h.prepare(convertCompletionsRequestToChatCompletions(rawJSON))
	if errMsg != nil {
		h.WriteErrorResponse(c, errMsg)
		return
	}
	logging.SetGinModel(c, call.model)
	if call.stream {
		h.handleStreamingResponse(c, call, convertChatCompletionsStreamChunkToCompletions)
	} else {
		h.handleNonStreamingResponse(c, call, convertChatCompletionsResponseToCompletions)
	}
}

// chatCall is a validated request ready for the upstream.
type chatCall struct {
	model        string
	alias        router.ModelAlias
	request      executor.Request
	stream       bool
	includeUsage bool
	promptTokens int64
}

// prepare resolves the model, normalizes the messages and applies the alias
// defaults for tools, thinking and max tokens.
func (h *OpenAIAPIHandler) prepare(rawJSON []byte) (*chatCall, *interfaces.ErrorMessage) {
	if !gjson.ValidBytes(rawJSON) {
		return nil, &interfaces.ErrorMessage{StatusCode: http.StatusBadRequest, Error: errors.New("request body must be valid JSON")}
	}
	root := gjson.ParseBytes(rawJSON)

	messages, err := normalizer.NormalizeRequest(rawJSON)
	if err != nil {
		return nil, handlers.ErrorFromExecution(err)
	}
	userTools, err := router.ParseTools(root.Get("tools"))
	if err != nil {
		return nil, &interfaces.ErrorMessage{StatusCode: http.StatusBadRequest, Error: err, Param: "tools"}
	}

	model := strings.TrimSpace(root.Get("model").String())
	alias := h.Router().Resolve(model)
	if model == "" {
		model = alias.TargetModel
	}

	thinking := alias.ThinkingEnabled
	if v := root.Get("enable_thinking"); v.Exists() {
		thinking = v.Bool()
	}
	var budget *int
	if v := root.Get("thinking_budget"); v.Exists() && v.Int() > 0 {
		b := int(v.Int())
		budget = &b
	}
	var clientMax *int
	for _, path := range []string{"max_tokens", "max_completion_tokens"} {
		if v := root.Get(path); v.Exists() && v.Int() > 0 {
			m := int(v.Int())
			clientMax = &m
			break
		}
	}

	tools := router.MergeTools(alias.AutoTools, userTools)
	call := &chatCall{
		model: model,
		alias: alias,
		request: executor.Request{
			Model:          alias.TargetModel,
			Messages:       messages,
			Tools:          tools,
			MaxTokens:      alias.MaxTokens(clientMax),
			Thinking:       thinking,
			ThinkingBudget: budget,
		},
		stream:       root.Get("stream").Bool(),
		includeUsage: root.Get("stream_options.include_usage").Bool(),
		promptTokens: qwentranslator.PromptTokens(messages, tools),
	}
	return call, nil
}

func (call *chatCall) translatorOptions() qwentranslator.Options {
	return qwentranslator.Options{
		Model:        call.model,
		IncludeUsage: call.includeUsage,
		PromptTokens: call.promptTokens,
	}
}

// handleNonStreamingResponse collects the upstream stream into one completion.
// convert, when set, rewrites the chat completion before it is written.
func (h *OpenAIAPIHandler) handleNonStreamingResponse(c *gin.Context, call *chatCall, convert func([]byte) []byte) {
	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()

	stream, err := h.Upstream.ExecuteStream(ctx, call.request)
	if err != nil {
		h.writeExecutionError(c, ctx, err)
		return
	}
	var events [][]byte
	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			h.writeExecutionError(c, ctx, chunk.Err)
			return
		}
		events = append(events, chunk.Payload)
	}

	resp, err := qwentranslator.BuildCompletion(call.translatorOptions(), events)
	if err != nil {
		h.writeExecutionError(c, ctx, err)
		return
	}
	if convert != nil {
		resp = convert(resp)
	}
	if handlers.PassthroughHeadersEnabled(h.Cfg) {
		handlers.WriteUpstreamHeaders(c.Writer.Header(), handlers.FilterUpstreamHeaders(stream.Headers))
	}
	c.Data(http.StatusOK, "application/json", resp)
}

// handleStreamingResponse relays the upstream stream as SSE. Headers are
// committed only once the first chunk is ready, so failures before that still
// get a proper status.
func (h *OpenAIAPIHandler) handleStreamingResponse(c *gin.Context, call *chatCall, convert func([]byte) []byte) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.WriteErrorResponse(c, &interfaces.ErrorMessage{StatusCode: http.StatusInternalServerError, Error: errors.New("Streaming not supported")})
		return
	}

	ctx, cancel := h.GetContextWithCancel(c)
	stream, err := h.Upstream.ExecuteStream(ctx, call.request)
	if err != nil {
		h.writeExecutionError(c, ctx, err)
		cancel()
		return
	}
	dataChan, errChan := translateStream(ctx, stream, qwentranslator.NewStreamState(call.translatorOptions()), convert)

	setSSEHeaders := func() {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("Access-Control-Allow-Origin", "*")
		if handlers.PassthroughHeadersEnabled(h.Cfg) {
			handlers.WriteUpstreamHeaders(c.Writer.Header(), handlers.FilterUpstreamHeaders(stream.Headers))
		}
	}

	// Peek at the first chunk to determine success or failure before setting headers.
	for {
		select {
		case <-c.Request.Context().Done():
			cancel()
			return
		case errMsg, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			if errMsg != nil {
				h.WriteErrorResponse(c, errMsg)
			}
			cancel()
			return
		case chunk, ok := <-dataChan:
			if !ok {
				// An error may be racing the close.
				select {
				case errMsg, okErr := <-errChan:
					if okErr && errMsg != nil {
						h.WriteErrorResponse(c, errMsg)
						cancel()
						return
					}
				default:
				}
				setSSEHeaders()
				_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
				flusher.Flush()
				cancel()
				return
			}
			setSSEHeaders()
			_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
			flusher.Flush()
			h.handleStreamResult(c, flusher, func(error) { cancel() }, dataChan, errChan)
			return
		}
	}
}

func (h *OpenAIAPIHandler) handleStreamResult(c *gin.Context, flusher http.Flusher, cancel func(error), data <-chan []byte, errs <-chan *interfaces.ErrorMessage) {
	h.ForwardStream(c, flusher, cancel, data, errs, handlers.StreamForwardOptions{
		WriteChunk: func(chunk []byte) {
			_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
		},
		WriteTerminalError: func(errMsg *interfaces.ErrorMessage) {
			status := http.StatusInternalServerError
			if errMsg.StatusCode > 0 {
				status = errMsg.StatusCode
			}
			errText := http.StatusText(status)
			if errMsg.Error != nil && errMsg.Error.Error() != "" {
				errText = errMsg.Error.Error()
			}
			log.WithField("request_id", logging.GetGinRequestID(c)).Warnf("stream ended with upstream error: %s", errText)
			_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", handlers.BuildErrorResponseBody(status, errText))
		},
		WriteDone: func() {
			_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		},
		DoneAfterError: true,
	})
}

// translateStream turns upstream events into client chunks. Translated chunks
// already sent stay sent when the upstream later fails; the failure arrives on
// the error channel after them.
func translateStream(ctx context.Context, stream *executor.StreamResult, state *qwentranslator.StreamState, convert func([]byte) []byte) (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	data := make(chan []byte)
	errs := make(chan *interfaces.ErrorMessage, 1)
	send := func(b []byte) bool {
		if convert != nil {
			if b = convert(b); b == nil {
				return true
			}
		}
		select {
		case data <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(errs)
		defer close(data)
		for chunk := range stream.Chunks {
			if chunk.Err != nil {
				if msg := handlers.ErrorFromExecution(chunk.Err); msg != nil {
					errs <- msg
				}
				return
			}
			out, err := state.Translate(chunk.Payload)
			if err != nil {
				errs <- handlers.ErrorFromExecution(err)
				drain(stream.Chunks)
				return
			}
			for _, c := range out {
				if !send(c.Data) {
					return
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		for _, tail := range state.Finish() {
			if !send(tail) {
				return
			}
		}
	}()
	return data, errs
}

// drain lets the executor goroutine finish after we stop reading.
func drain(ch <-chan executor.StreamChunk) {
	go func() {
		for range ch {
		}
	}()
}

func (h *OpenAIAPIHandler) writeExecutionError(c *gin.Context, ctx context.Context, err error) {
	msg := handlers.ErrorFromExecution(err)
	if msg == nil {
		log.WithField("request_id", logging.GetRequestID(ctx)).Debug("client went away before the response was ready")
		return
	}
	h.WriteErrorResponse(c, msg)
}
