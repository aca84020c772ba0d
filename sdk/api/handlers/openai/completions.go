package openai

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// convertCompletionsRequestToChatCompletions converts a legacy completions
// request into a chat completions request. The prompt is kept as is and
// becomes the user message during normalization.
func convertCompletionsRequestToChatCompletions(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	if !root.IsObject() {
		return rawJSON
	}

	out := `{"model":""}`
	if model := root.Get("model"); model.Exists() {
		out, _ = sjson.Set(out, "model", model.String())
	}

	prompt := root.Get("prompt")
	switch {
	case !prompt.Exists() || (prompt.Type == gjson.String && prompt.String() == ""):
		out, _ = sjson.Set(out, "prompt", "Complete this:")
	default:
		out, _ = sjson.SetRaw(out, "prompt", prompt.Raw)
	}

	for _, key := range []string{"max_tokens", "temperature", "top_p", "stop", "stream", "stream_options", "enable_thinking", "thinking_budget"} {
		if v := root.Get(key); v.Exists() {
			out, _ = sjson.SetRaw(out, key, v.Raw)
		}
	}
	return []byte(out)
}

// convertChatCompletionsResponseToCompletions converts a chat completion back
// to the text_completion shape.
func convertChatCompletionsResponseToCompletions(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"text_completion","created":0,"model":"","choices":[]}`
	if id := root.Get("id"); id.Exists() {
		out, _ = sjson.Set(out, "id", id.String())
	}
	if created := root.Get("created"); created.Exists() {
		out, _ = sjson.Set(out, "created", created.Int())
	}
	if model := root.Get("model"); model.Exists() {
		out, _ = sjson.Set(out, "model", model.String())
	}
	if usage := root.Get("usage"); usage.Exists() {
		out, _ = sjson.SetRaw(out, "usage", usage.Raw)
	}

	var choices []any
	root.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		completionsChoice := map[string]any{
			"index":         choice.Get("index").Int(),
			"text":          choice.Get("message.content").String(),
			"logprobs":      nil,
			"finish_reason": nil,
		}
		if finishReason := choice.Get("finish_reason"); finishReason.Exists() && finishReason.Type != gjson.Null {
			completionsChoice["finish_reason"] = finishReason.String()
		}
		choices = append(choices, completionsChoice)
		return true
	})
	if len(choices) > 0 {
		choicesJSON, _ := json.Marshal(choices)
		out, _ = sjson.SetRaw(out, "choices", string(choicesJSON))
	}
	return []byte(out)
}

// convertChatCompletionsStreamChunkToCompletions converts one streamed chat
// chunk. It returns nil for chunks with nothing to say, such as role-only or
// reasoning-only deltas.
func convertChatCompletionsStreamChunkToCompletions(chunkData []byte) []byte {
	root := gjson.ParseBytes(chunkData)

	hasContent := false
	hasUsage := root.Get("usage").IsObject()
	root.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		if content := choice.Get("delta.content"); content.String() != "" {
			hasContent = true
			return false
		}
		if finishReason := choice.Get("finish_reason"); finishReason.Type == gjson.String && finishReason.String() != "" {
			hasContent = true
			return false
		}
		return true
	})
	if !hasContent && !hasUsage {
		return nil
	}

	out := `{"id":"","object":"text_completion","created":0,"model":"","choices":[]}`
	if id := root.Get("id"); id.Exists() {
		out, _ = sjson.Set(out, "id", id.String())
	}
	if created := root.Get("created"); created.Exists() {
		out, _ = sjson.Set(out, "created", created.Int())
	}
	if model := root.Get("model"); model.Exists() {
		out, _ = sjson.Set(out, "model", model.String())
	}

	var choices []any
	root.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		completionsChoice := map[string]any{
			"index":         choice.Get("index").Int(),
			"text":          choice.Get("delta.content").String(),
			"logprobs":      nil,
			"finish_reason": nil,
		}
		if finishReason := choice.Get("finish_reason"); finishReason.Type == gjson.String {
			completionsChoice["finish_reason"] = finishReason.String()
		}
		choices = append(choices, completionsChoice)
		return true
	})
	if len(choices) > 0 {
		choicesJSON, _ := json.Marshal(choices)
		out, _ = sjson.SetRaw(out, "choices", string(choicesJSON))
	}
	if usage := root.Get("usage"); usage.IsObject() {
		out, _ = sjson.SetRaw(out, "usage", usage.Raw)
	}
	return []byte(out)
}
