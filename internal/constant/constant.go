// Package constant defines the identifiers shared by the handlers, the
// executor and the logs.
package constant

const (
	// OpenAI identifies the OpenAI-compatible handler family.
	OpenAI = "openai"

	// QwenSession identifies the session administration handlers.
	QwenSession = "qwen-session"

	// Qwen identifies the chat.qwen.ai upstream.
	Qwen = "qwen"
)
