package logging

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevFormatter := log.StandardLogger().Out, log.StandardLogger().Formatter
	log.SetOutput(&buf)
	log.SetFormatter(&LogFormatter{})
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFormatter(prevFormatter)
	})
	return &buf
}

func TestGinLogrusLoggerRequestIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	var seen string
	engine := gin.New()
	engine.Use(GinLogrusLogger())
	engine.POST("/v1/chat/completions", func(c *gin.Context) {
		seen = GetRequestID(c.Request.Context())
		SetGinModel(c, "qwen_think")
		c.Status(http.StatusOK)
	})
	engine.GET("/v1/models", func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		name     string
		method   string
		path     string
		header   string
		wantEcho func(string) bool
	}{
		{"generated", http.MethodPost, "/v1/chat/completions", "", func(id string) bool { return len(id) == 8 }},
		{"client supplied", http.MethodPost, "/v1/chat/completions", "trace-42_x", func(id string) bool { return id == "trace-42_x" }},
		{"client unusable", http.MethodPost, "/v1/chat/completions", "bad id!", func(id string) bool { return len(id) == 8 }},
		{"not upstream", http.MethodGet, "/v1/models", "trace-1", func(id string) bool { return id == "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.header != "" {
				req.Header.Set(RequestIDHeader, tc.header)
			}
			resp := httptest.NewRecorder()
			engine.ServeHTTP(resp, req)
			echo := resp.Header().Get(RequestIDHeader)
			if !tc.wantEcho(echo) {
				t.Fatalf("echoed request id %q", echo)
			}
			if echo != seen {
				t.Fatalf("context id %q != header %q", seen, echo)
			}
		})
	}
	if !strings.Contains(buf.String(), "model=qwen_think") {
		t.Fatalf("model missing from access log:\n%s", buf.String())
	}
}

func TestGinLogrusLoggerSkipAndMask(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	engine := gin.New()
	engine.Use(GinLogrusLogger())
	engine.GET("/health", func(c *gin.Context) {
		SkipGinRequestLogging(c)
		c.Status(http.StatusOK)
	})
	engine.POST("/v1/validate", func(c *gin.Context) { c.Status(http.StatusUnauthorized) })

	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if buf.Len() != 0 {
		t.Fatalf("skipped request logged: %s", buf.String())
	}
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/validate?token=eyJsecretvalue", nil))
	out := buf.String()
	if strings.Contains(out, "eyJsecretvalue") {
		t.Fatalf("token leaked into log: %s", out)
	}
	if !strings.Contains(out, "[warn ]") || !strings.Contains(out, "401") {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestGinLogrusRecoveryRepanicsErrAbortHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(GinLogrusRecovery())
	engine.GET("/abort", func(c *gin.Context) { panic(http.ErrAbortHandler) })

	defer func() {
		err, ok := recover().(error)
		if !ok || !errors.Is(err, http.ErrAbortHandler) {
			t.Fatalf("expected ErrAbortHandler panic, got %v", err)
		}
	}()
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", nil))
}

func TestGinLogrusRecoveryWritesErrorEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	captureLogs(t)
	engine := gin.New()
	engine.Use(GinLogrusRecovery())
	engine.GET("/panic", func(c *gin.Context) { panic("boom") })

	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.Code)
	}
	if gjson.Get(resp.Body.String(), "error.type").String() != "server_error" {
		t.Fatalf("body = %s", resp.Body.String())
	}
}
