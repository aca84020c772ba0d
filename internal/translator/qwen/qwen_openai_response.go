// Package qwen converts the Qwen web event stream into OpenAI Chat Completions
// chunks and completion objects.
package qwen

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const chunkTemplate = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`

// Options describe the response being produced.
type Options struct {
	ID           string
	Model        string
	Created      int64
	IncludeUsage bool
	// PromptTokens is the local estimate used when upstream reports no usage.
	PromptTokens int64
}

// Chunk is one OpenAI stream chunk. Index counts content deltas from zero.
type Chunk struct {
	Index int
	Data  []byte
}

// Usage is the token accounting for one response.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
}

// TotalTokens is prompt plus completion.
func (u Usage) TotalTokens() int64 { return u.PromptTokens + u.CompletionTokens }

// UpstreamError is an error event received inside an otherwise successful stream.
type UpstreamError struct {
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// StatusCode maps the upstream code to the HTTP status reported to clients.
func (e *UpstreamError) StatusCode() int {
	c := strings.ToLower(e.Code)
	switch {
	case strings.Contains(c, "unauthorized"), strings.Contains(c, "login"):
		return http.StatusUnauthorized
	case strings.Contains(c, "ratelimit"), strings.Contains(c, "rate_limit"), strings.Contains(c, "too_many"):
		return http.StatusTooManyRequests
	case strings.Contains(c, "bad_request"), strings.Contains(c, "invalid"):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// StreamState carries the per-response state across upstream events.
type StreamState struct {
	opts          Options
	index         int
	roleSent      bool
	finishReason  string
	upstreamUsage *Usage
	completion    int64
	reasoning     int64
	finished      bool
}

// NewStreamState starts a response. Missing id and created are filled in.
func NewStreamState(opts Options) *StreamState {
	if opts.ID == "" {
		opts.ID = "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if opts.Created == 0 {
		opts.Created = time.Now().Unix()
	}
	return &StreamState{opts: opts}
}

// ID is the response id shared by every chunk.
func (s *StreamState) ID() string { return s.opts.ID }

// Emitted is the number of content chunks produced so far.
func (s *StreamState) Emitted() int { return s.index }

// delta is the meaningful part of one upstream event.
type delta struct {
	field string
	text  string
}

// consume applies one upstream event to the state and returns its text, if any.
func (s *StreamState) consume(payload []byte) (delta, error) {
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		log.Debugf("qwen translator: skipping non-object event %q", truncate(string(payload)))
		return delta{}, nil
	}
	if errObj := root.Get("error"); errObj.Exists() {
		return delta{}, upstreamError(errObj.Get("code").String(), errObj, errObj.Raw)
	}
	if success := root.Get("success"); success.Exists() && !success.Bool() {
		data := root.Get("data")
		return delta{}, upstreamError(data.Get("code").String(), data, root.Raw)
	}

	if usage := root.Get("usage"); usage.IsObject() {
		s.captureUsage(usage)
	}
	if reason := root.Get("choices.0.finish_reason").String(); reason != "" {
		s.finishReason = reason
	}

	d := root.Get("choices.0.delta")
	text := d.Get("content").String()
	if text == "" {
		return delta{}, nil
	}
	switch phase := d.Get("phase").String(); phase {
	case "", "answer":
		s.completion += countTokens(text)
		return delta{field: "content", text: text}, nil
	case "think", "thinking", "reasoning", "thinking_summary":
		tokens := countTokens(text)
		s.completion += tokens
		s.reasoning += tokens
		return delta{field: "reasoning_content", text: text}, nil
	default:
		log.Debugf("qwen translator: dropping %s phase content", phase)
		return delta{}, nil
	}
}

func (s *StreamState) captureUsage(usage gjson.Result) {
	prompt := firstInt(usage, "input_tokens", "prompt_tokens")
	completion := firstInt(usage, "output_tokens", "completion_tokens")
	if prompt == 0 && completion == 0 {
		return
	}
	u := Usage{PromptTokens: prompt, CompletionTokens: completion}
	if r := usage.Get("output_tokens_details.reasoning_tokens"); r.Exists() {
		u.ReasoningTokens = r.Int()
	}
	s.upstreamUsage = &u
}

// Translate converts one upstream event payload into zero or one OpenAI chunks.
// An upstream error event is returned as *UpstreamError.
func (s *StreamState) Translate(payload []byte) ([]Chunk, error) {
	d, err := s.consume(payload)
	if err != nil || d.text == "" {
		return nil, err
	}
	out := s.base()
	if !s.roleSent {
		out, _ = sjson.Set(out, "choices.0.delta.role", "assistant")
		s.roleSent = true
	}
	out, _ = sjson.Set(out, "choices.0.delta."+d.field, d.text)
	chunk := Chunk{Index: s.index, Data: []byte(out)}
	s.index++
	return []Chunk{chunk}, nil
}

// Finish returns the closing chunk with the finish reason, followed by a usage
// chunk when requested. Later calls return nothing.
func (s *StreamState) Finish() [][]byte {
	if s.finished {
		return nil
	}
	s.finished = true

	out := s.base()
	if !s.roleSent {
		out, _ = sjson.Set(out, "choices.0.delta.role", "assistant")
		s.roleSent = true
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", s.FinishReason())
	chunks := [][]byte{[]byte(out)}
	if s.opts.IncludeUsage {
		usage := s.base()
		usage, _ = sjson.SetRaw(usage, "choices", "[]")
		usage, _ = sjson.SetRaw(usage, "usage", string(usageJSON(s.Usage())))
		chunks = append(chunks, []byte(usage))
	}
	return chunks
}

// FinishReason is the upstream reason when one was sent, otherwise "stop".
func (s *StreamState) FinishReason() string {
	if s.finishReason != "" {
		return s.finishReason
	}
	return "stop"
}

// Usage prefers upstream-reported counts and falls back to local estimates.
func (s *StreamState) Usage() Usage {
	if s.upstreamUsage != nil {
		return *s.upstreamUsage
	}
	return Usage{PromptTokens: s.opts.PromptTokens, CompletionTokens: s.completion, ReasoningTokens: s.reasoning}
}

func (s *StreamState) base() string {
	out := chunkTemplate
	out, _ = sjson.Set(out, "id", s.opts.ID)
	out, _ = sjson.Set(out, "created", s.opts.Created)
	out, _ = sjson.Set(out, "model", s.opts.Model)
	return out
}

// BuildCompletion collects a whole upstream stream into one chat.completion object.
func BuildCompletion(opts Options, events [][]byte) ([]byte, error) {
	s := NewStreamState(opts)
	var content, reasoning strings.Builder
	for _, ev := range events {
		d, err := s.consume(ev)
		if err != nil {
			return nil, err
		}
		switch d.field {
		case "content":
			content.WriteString(d.text)
		case "reasoning_content":
			reasoning.WriteString(d.text)
		}
	}

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{}}`
	out, _ = sjson.Set(out, "id", s.opts.ID)
	out, _ = sjson.Set(out, "created", s.opts.Created)
	out, _ = sjson.Set(out, "model", s.opts.Model)
	out, _ = sjson.Set(out, "choices.0.message.content", content.String())
	if reasoning.Len() > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", reasoning.String())
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", s.FinishReason())
	out, _ = sjson.SetRaw(out, "usage", string(usageJSON(s.Usage())))
	return []byte(out), nil
}

func usageJSON(u Usage) []byte {
	out := fmt.Sprintf(`{"prompt_tokens":%d,"completion_tokens":%d,"total_tokens":%d}`, u.PromptTokens, u.CompletionTokens, u.TotalTokens())
	if u.ReasoningTokens > 0 {
		out, _ = sjson.Set(out, "completion_tokens_details.reasoning_tokens", u.ReasoningTokens)
	}
	return []byte(out)
}

func upstreamError(code string, detail gjson.Result, raw string) *UpstreamError {
	msg := ""
	for _, path := range []string{"message", "details", "detail", "msg"} {
		if v := detail.Get(path).String(); v != "" {
			msg = v
			break
		}
	}
	if msg == "" {
		msg = raw
	}
	return &UpstreamError{Code: code, Message: msg}
}

func firstInt(r gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
