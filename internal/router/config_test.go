package router

import (
	"testing"

	"github.com/qwen-gateway/qwen-gateway/internal/config"
)

func TestFromConfigOverridesAndExtends(t *testing.T) {
	cfg := &config.Config{ModelAliases: []config.ModelAliasConfig{
		{Name: "QWEN_CODE", Model: "qwen-coder-turbo"},
		{Name: "fast", Model: "qwen2.5-turbo", Tools: []string{"web_search", " "}, MaxTokens: 2048},
	}}
	r, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	code := r.Resolve("qwen_code")
	if code.TargetModel != "qwen-coder-turbo" || len(code.AutoTools) != 0 {
		t.Fatalf("qwen_code = %+v, want override without tools", code)
	}

	fast := r.Resolve("Fast")
	if fast.TargetModel != "qwen2.5-turbo" {
		t.Fatalf("fast.TargetModel = %q", fast.TargetModel)
	}
	if len(fast.AutoTools) != 1 || fast.AutoTools[0].Type != "web_search" {
		t.Fatalf("fast.AutoTools = %+v", fast.AutoTools)
	}
	if fast.MaxTokensOverride == nil || *fast.MaxTokensOverride != 2048 {
		t.Fatalf("fast.MaxTokensOverride = %v", fast.MaxTokensOverride)
	}

	if got := r.Resolve("qwen_research"); got.TargetModel != "qwen-deep-research" {
		t.Fatalf("built-in alias lost: %+v", got)
	}
}

func TestFromConfigNilUsesDefaults(t *testing.T) {
	r, err := FromConfig(nil)
	if err != nil {
		t.Fatalf("FromConfig(nil): %v", err)
	}
	if got := r.Resolve("anything"); got.TargetModel != "qwen3-max-latest" {
		t.Fatalf("default = %+v", got)
	}
}
