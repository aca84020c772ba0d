package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	qwenauth "github.com/qwen-gateway/qwen-gateway/internal/auth/qwen"
	"github.com/qwen-gateway/qwen-gateway/internal/codec"
	"github.com/qwen-gateway/qwen-gateway/internal/config"
	"github.com/qwen-gateway/qwen-gateway/internal/normalizer"
	"github.com/qwen-gateway/qwen-gateway/internal/router"
	"github.com/tidwall/gjson"
)

type staticSession struct {
	creds qwenauth.Credentials
	err   error
}

func (s staticSession) Credentials(context.Context) (qwenauth.Credentials, error) {
	return s.creds, s.err
}

var testCreds = qwenauth.Credentials{
	Bearer:  "header.payload.signature",
	Cookies: []codec.Cookie{{Name: "ssxmod_itna", Value: "itna-value"}},
}

func newTestExecutor(t *testing.T, handler http.Handler) *QwenExecutor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.Config{}
	cfg.Qwen.BaseURL = srv.URL
	cfg.Qwen.FirstByteTimeoutSeconds = 5
	cfg.Qwen.RequestTimeoutSeconds = 30
	e := NewQwenExecutorWithClient(cfg, staticSession{creds: testCreds}, srv.Client())
	e.newID = func() string { return "local-id" }
	e.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return e
}

func sseBody(events ...string) string {
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString("data: ")
		sb.WriteString(ev)
		sb.WriteString("\n\n")
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func collect(t *testing.T, res *StreamResult) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-res.Chunks:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestExecuteStreamSendsWebRequest(t *testing.T) {
	var (
		mu        sync.Mutex
		newChat   []byte
		completed []byte
		query     string
		headers   http.Header
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/chats/new", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		newChat = body
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"data":{"id":"chat-123"}}`)
	})
	mux.HandleFunc("/api/v2/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		completed, query, headers = body, r.URL.RawQuery, r.Header.Clone()
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody(
			`{"choices":[{"delta":{"content":"Hel","phase":"answer"}}]}`,
			`{"choices":[{"delta":{"content":"lo","phase":"answer"}}]}`,
			`{"choices":[{"delta":{"content":"","phase":"answer","status":"finished"}}],"usage":{"input_tokens":3,"output_tokens":2}}`,
		))
	})
	e := newTestExecutor(t, mux)

	maxTokens, budget := 100, 1024
	res, err := e.ExecuteStream(context.Background(), Request{
		Model:          "qwen3-max-latest",
		Messages:       []normalizer.Message{{Role: "user", Text: "hi"}},
		Tools:          []router.ToolSpec{router.Tool("web_search")},
		MaxTokens:      &maxTokens,
		Thinking:       true,
		ThinkingBudget: &budget,
	})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	if res.ChatID != "chat-123" {
		t.Fatalf("ChatID = %q, want chat-123", res.ChatID)
	}
	chunks := collect(t, res)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Err != nil || c.Index != i {
			t.Fatalf("chunk %d = %+v", i, c)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	chat := gjson.ParseBytes(newChat)
	if chat.Get("models.0").String() != "qwen3-max-latest" || chat.Get("chat_type").String() != "t2t" || chat.Get("timestamp").Int() != 1700000000000 {
		t.Errorf("create chat body = %s", newChat)
	}
	if query != "chat_id=chat-123" {
		t.Errorf("completion query = %q", query)
	}
	if got := headers.Get("Authorization"); got != "Bearer header.payload.signature" {
		t.Errorf("Authorization = %q", got)
	}
	if got := headers.Get("Cookie"); got != "ssxmod_itna=itna-value" {
		t.Errorf("Cookie = %q", got)
	}
	if headers.Get("source") != "web" || headers.Get("Origin") == "" {
		t.Errorf("web headers missing: %v", headers)
	}

	body := gjson.ParseBytes(completed)
	checks := map[string]string{
		"model":                           "qwen3-max-latest",
		"chat_id":                         "chat-123",
		"session_id":                      "local-id",
		"stream":                          "true",
		"incremental_output":              "true",
		"feature_config.output_schema":    "phase",
		"feature_config.thinking_enabled": "true",
		"feature_config.thinking_budget":  "1024",
		"max_tokens":                      "100",
		"tools.0.type":                    "web_search",
		"messages.0.role":                 "user",
		"messages.0.content":              "hi",
	}
	for path, want := range checks {
		if got := body.Get(path).String(); got != want {
			t.Errorf("body %s = %q, want %q", path, got, want)
		}
	}
}

func TestCreateChatFailureFallsBackToLocalID(t *testing.T) {
	var chatID string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/chats/new", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success":false,"data":{"code":"Internal_Server_Error"}}`, http.StatusInternalServerError)
	})
	mux.HandleFunc("/api/v2/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		chatID = gjson.GetBytes(body, "chat_id").String() + "|" + r.URL.Query().Get("chat_id")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody(`{"choices":[{"delta":{"content":"ok"}}]}`))
	})
	e := newTestExecutor(t, mux)

	resp, err := e.Execute(context.Background(), Request{Model: "qwen-max-latest", Messages: []normalizer.Message{{Role: "user", Text: "x"}}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.ChatID != "local-id" || chatID != "local-id|local-id" {
		t.Fatalf("chat id = %q (upstream saw %q), want local-id", resp.ChatID, chatID)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(resp.Events))
	}
}

func TestExecuteStreamPassesUpstreamStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/chats/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":"c"}}`)
	})
	mux.HandleFunc("/api/v2/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	})
	e := newTestExecutor(t, mux)

	_, err := e.ExecuteStream(context.Background(), Request{Model: "m"})
	se, ok := AsStatusError(err)
	if !ok {
		t.Fatalf("err = %v, want status error", err)
	}
	if se.StatusCode() != http.StatusTooManyRequests || se.Error() != `{"error":{"message":"slow down"}}` {
		t.Fatalf("status error = %d %q", se.StatusCode(), se.Error())
	}
}

func TestExecuteStreamDetectsJSONFailureEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/chats/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":"c"}}`)
	})
	mux.HandleFunc("/api/v2/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":false,"data":{"code":"Unauthorized","details":"login required"}}`)
	})
	e := newTestExecutor(t, mux)

	_, err := e.ExecuteStream(context.Background(), Request{Model: "m"})
	se, ok := AsStatusError(err)
	if !ok || se.StatusCode() != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 status error", err)
	}
}

func TestExecuteStreamDecodesGzip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/chats/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":"c"}}`)
	})
	mux.HandleFunc("/api/v2/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = io.WriteString(zw, sseBody(`{"choices":[{"delta":{"content":"zipped"}}]}`))
		_ = zw.Close()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	})
	e := newTestExecutor(t, mux)

	resp, err := e.Execute(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(resp.Events) != 1 || gjson.GetBytes(resp.Events[0], "choices.0.delta.content").String() != "zipped" {
		t.Fatalf("events = %q", resp.Events)
	}
}

func TestExecuteStreamClientCancelAbortsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/chats/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":"c"}}`)
	})
	mux.HandleFunc("/api/v2/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	e := newTestExecutor(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := e.ExecuteStream(ctx, Request{Model: "m"})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	first := <-res.Chunks
	if first.Err != nil || first.Index != 0 {
		t.Fatalf("first chunk = %+v", first)
	}
	cancel()

	collect(t, res)
	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not aborted after client cancel")
	}
}

func TestExecuteStreamFirstByteTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/chats/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":"c"}}`)
	})
	mux.HandleFunc("/api/v2/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	e := newTestExecutor(t, mux)
	e.firstByteTimeout = 50 * time.Millisecond

	_, err := e.ExecuteStream(context.Background(), Request{Model: "m"})
	se, ok := AsStatusError(err)
	if !ok || se.StatusCode() != http.StatusGatewayTimeout {
		t.Fatalf("err = %v, want 504 status error", err)
	}
}

func TestExecuteStreamSessionFailure(t *testing.T) {
	e := newTestExecutor(t, http.NotFoundHandler())
	e.sessions = staticSession{err: qwenauth.ErrNoCredentials}
	if _, err := e.ExecuteStream(context.Background(), Request{Model: "m"}); err != qwenauth.ErrNoCredentials {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestPassthroughCalls(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s %s %s", r.Method, r.URL.Path, r.Header.Get("Authorization")))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"success":true}`)
	})
	e := newTestExecutor(t, handler)

	del, err := e.DeleteChats(context.Background())
	if err != nil {
		t.Fatalf("DeleteChats: %v", err)
	}
	ref, err := e.Refresh(context.Background(), "other.jwt.token")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if del.StatusCode != http.StatusAccepted || string(ref.Body) != `{"success":true}` {
		t.Fatalf("results = %+v / %+v", del, ref)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"DELETE /api/v2/chats/ Bearer header.payload.signature",
		"POST /api/v1/auths/refresh Bearer other.jwt.token",
	}
	if strings.Join(seen, "\n") != strings.Join(want, "\n") {
		t.Fatalf("calls =\n%s\nwant\n%s", strings.Join(seen, "\n"), strings.Join(want, "\n"))
	}
}

func TestEventPayload(t *testing.T) {
	cases := []struct {
		line string
		want string
		ok   bool
	}{
		{`data: {"a":1}`, `{"a":1}`, true},
		{`data:{"a":1}`, `{"a":1}`, true},
		{`data: [DONE]`, ``, false},
		{`: keep-alive`, ``, false},
		{`event: message`, ``, false},
		{``, ``, false},
		{`{"success":false}`, `{"success":false}`, true},
	}
	for _, tc := range cases {
		got, ok := eventPayload([]byte(tc.line))
		if ok != tc.ok || string(got) != tc.want {
			t.Errorf("eventPayload(%q) = %q, %v; want %q, %v", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestMessageJSONMultipart(t *testing.T) {
	raw, err := messageJSON(normalizer.Message{
		Role: "user",
		Parts: []normalizer.ContentPart{
			{Type: normalizer.PartText, Text: "describe"},
			{Type: normalizer.PartImage, URL: "https://example.com/a.png"},
			{Type: normalizer.PartFile, URL: "https://example.com/a.pdf", Name: "a.pdf"},
		},
	})
	if err != nil {
		t.Fatalf("messageJSON: %v", err)
	}
	got := gjson.ParseBytes(raw)
	if got.Get("content.0.text").String() != "describe" ||
		got.Get("content.1.image").String() != "https://example.com/a.png" ||
		got.Get("content.2.file").String() != "https://example.com/a.pdf" ||
		got.Get("content.2.name").String() != "a.pdf" {
		t.Fatalf("message = %s", raw)
	}
}
