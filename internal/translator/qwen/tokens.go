package qwen

import (
	"strings"
	"sync"

	"github.com/qwen-gateway/qwen-gateway/internal/normalizer"
	"github.com/qwen-gateway/qwen-gateway/internal/router"
	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Qwen publishes no tokenizer for its web models; o200k_base is close enough
// for usage estimates.
var encoder = sync.OnceValues(func() (tokenizer.Codec, error) {
	return tokenizer.Get(tokenizer.O200kBase)
})

func countTokens(text string) int64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	enc, err := encoder()
	if err != nil {
		log.Debugf("qwen translator: tokenizer unavailable: %v", err)
		return int64(len(text) / 4)
	}
	n, err := enc.Count(text)
	if err != nil {
		return int64(len(text) / 4)
	}
	return int64(n)
}

// PromptTokens estimates the prompt size of a normalized request. Non-text
// parts count by their reference only.
func PromptTokens(messages []normalizer.Message, tools []router.ToolSpec) int64 {
	segments := make([]string, 0, len(messages)*2+len(tools))
	add := func(v string) {
		if v = strings.TrimSpace(v); v != "" {
			segments = append(segments, v)
		}
	}
	for _, m := range messages {
		add(m.Role)
		add(m.Name)
		if !m.IsMultipart() {
			add(m.Text)
			continue
		}
		for _, p := range m.Parts {
			if p.Type == normalizer.PartText {
				add(p.Text)
			} else {
				add(p.Name)
			}
		}
	}
	for _, t := range tools {
		if raw, err := t.MarshalJSON(); err == nil {
			add(string(raw))
		}
	}
	return countTokens(strings.Join(segments, "\n"))
}
