// Package normalizer turns the different OpenAI request shapes into one list of
// canonical messages and enforces which content types may be mixed.
package normalizer

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// PartType is the canonical kind of a content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartAudio PartType = "audio"
	PartVideo PartType = "video"
	PartFile  PartType = "file"
)

// Category groups part types for the mixing rule.
type Category int

const (
	CategoryText Category = iota
	CategoryMedia
	CategoryDocument
)

// Category returns the mixing category of the part type.
func (p PartType) Category() Category {
	switch p {
	case PartImage, PartAudio, PartVideo:
		return CategoryMedia
	case PartFile:
		return CategoryDocument
	default:
		return CategoryText
	}
}

// ContentPart is one typed element of a multipart message. URL holds the
// resource reference for non-text parts; data URLs are kept as-is.
type ContentPart struct {
	Type PartType
	Text string
	URL  string
	Name string
}

// Message is the canonical chat message. Parts is nil for plain-text content.
type Message struct {
	Role       string
	Text       string
	Parts      []ContentPart
	Name       string
	ToolCallID string
}

// IsMultipart reports whether the message carries typed parts.
func (m Message) IsMultipart() bool { return m.Parts != nil }

// PlainText joins all text of the message.
func (m Message) PlainText() string {
	if !m.IsMultipart() {
		return m.Text
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// RequestError reports a request body that does not have a usable shape.
type RequestError struct {
	Param   string
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// CompatibilityError reports media part types that may not share a request.
type CompatibilityError struct {
	Types []PartType
}

func (e *CompatibilityError) Error() string {
	names := make([]string, len(e.Types))
	for i, t := range e.Types {
		names[i] = string(t)
	}
	return fmt.Sprintf("incompatible content types in one request: %s; only one of image, audio or video may be used, documents may accompany it",
		strings.Join(names, " + "))
}

var validRoles = map[string]string{
	"system":    "system",
	"developer": "system",
	"user":      "user",
	"assistant": "assistant",
	"tool":      "tool",
	"function":  "tool",
}

// NormalizeRequest extracts messages from a chat or completions style body:
// "messages", else "input" (string or message array), else "prompt".
func NormalizeRequest(body []byte) ([]Message, error) {
	root := gjson.ParseBytes(body)
	if msgs := root.Get("messages"); msgs.Exists() {
		return normalizeArray(msgs)
	}
	if input := root.Get("input"); input.Exists() {
		if input.IsArray() {
			return normalizeArray(input)
		}
		if input.Type == gjson.String {
			return []Message{{Role: "user", Text: input.String()}}, nil
		}
		return nil, &RequestError{Param: "input", Message: "input must be a string or an array of messages"}
	}
	if prompt := root.Get("prompt"); prompt.Exists() {
		return promptMessages(prompt)
	}
	return nil, &RequestError{Param: "messages", Message: "request has no messages, input or prompt"}
}

// Normalize canonicalizes a raw JSON array of OpenAI messages.
func Normalize(rawMessages []byte) ([]Message, error) {
	return normalizeArray(gjson.ParseBytes(rawMessages))
}

func promptMessages(prompt gjson.Result) ([]Message, error) {
	switch {
	case prompt.Type == gjson.String:
		return []Message{{Role: "user", Text: prompt.String()}}, nil
	case prompt.IsArray():
		lines := make([]string, 0, len(prompt.Array()))
		for _, p := range prompt.Array() {
			if p.Type != gjson.String {
				return nil, &RequestError{Param: "prompt", Message: "prompt array must contain strings"}
			}
			lines = append(lines, p.String())
		}
		return []Message{{Role: "user", Text: strings.Join(lines, "\n")}}, nil
	default:
		return nil, &RequestError{Param: "prompt", Message: "prompt must be a string or an array of strings"}
	}
}

func normalizeArray(arr gjson.Result) ([]Message, error) {
	if !arr.IsArray() {
		return nil, &RequestError{Param: "messages", Message: "messages must be an array"}
	}
	items := arr.Array()
	if len(items) == 0 {
		return nil, &RequestError{Param: "messages", Message: "messages must not be empty"}
	}

	out := make([]Message, 0, len(items))
	for i, item := range items {
		msg, err := normalizeMessage(i, item)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := checkCompatibility(out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeMessage(i int, item gjson.Result) (Message, error) {
	if !item.IsObject() {
		return Message{}, &RequestError{Param: fmt.Sprintf("messages[%d]", i), Message: "message must be an object"}
	}
	rawRole := strings.ToLower(strings.TrimSpace(item.Get("role").String()))
	role, ok := validRoles[rawRole]
	if !ok {
		return Message{}, &RequestError{Param: fmt.Sprintf("messages[%d].role", i), Message: fmt.Sprintf("unsupported role %q", rawRole)}
	}
	msg := Message{
		Role:       role,
		Name:       item.Get("name").String(),
		ToolCallID: item.Get("tool_call_id").String(),
	}

	content := item.Get("content")
	switch {
	case !content.Exists() || content.Type == gjson.Null:
	case content.Type == gjson.String:
		msg.Text = content.String()
	case content.IsArray():
		parts := make([]ContentPart, 0, len(content.Array()))
		for j, raw := range content.Array() {
			part, err := normalizePart(raw)
			if err != nil {
				return Message{}, &RequestError{Param: fmt.Sprintf("messages[%d].content[%d]", i, j), Message: err.Error()}
			}
			parts = append(parts, part)
		}
		msg.Parts = parts
	case content.IsObject():
		part, err := normalizePart(content)
		if err != nil {
			return Message{}, &RequestError{Param: fmt.Sprintf("messages[%d].content", i), Message: err.Error()}
		}
		msg.Parts = []ContentPart{part}
	default:
		return Message{}, &RequestError{Param: fmt.Sprintf("messages[%d].content", i), Message: "content must be a string or an array of parts"}
	}
	return msg, nil
}

func normalizePart(raw gjson.Result) (ContentPart, error) {
	if raw.Type == gjson.String {
		return ContentPart{Type: PartText, Text: raw.String()}, nil
	}
	partType := raw.Get("type").String()
	switch partType {
	case "text", "input_text":
		return ContentPart{Type: PartText, Text: raw.Get("text").String()}, nil
	case "image_url", "input_image", "image":
		return mediaPart(PartImage, firstURL(raw, "image_url.url", "image_url", "image"))
	case "input_audio":
		data := raw.Get("input_audio.data").String()
		if data == "" {
			return ContentPart{}, fmt.Errorf("input_audio part has no data")
		}
		format := raw.Get("input_audio.format").String()
		if format == "" {
			format = "wav"
		}
		return ContentPart{Type: PartAudio, URL: "data:audio/" + format + ";base64," + data}, nil
	case "audio_url", "audio":
		return mediaPart(PartAudio, firstURL(raw, "audio_url.url", "audio_url", "audio"))
	case "video_url", "video":
		return mediaPart(PartVideo, firstURL(raw, "video_url.url", "video_url", "video"))
	case "file", "file_url", "input_file":
		part, err := mediaPart(PartFile, firstURL(raw, "file.file_data", "file.url", "file.file_id", "file_url.url", "file_url", "file_data"))
		if err != nil {
			return part, err
		}
		part.Name = firstURL(raw, "file.filename", "filename")
		return part, nil
	case "":
		return ContentPart{}, fmt.Errorf("content part has no type")
	default:
		return ContentPart{}, fmt.Errorf("unsupported content part type %q", partType)
	}
}

func mediaPart(t PartType, url string) (ContentPart, error) {
	if strings.TrimSpace(url) == "" {
		return ContentPart{}, fmt.Errorf("%s part has no url", t)
	}
	return ContentPart{Type: t, URL: url}, nil
}

// firstURL returns the first non-empty string among paths.
func firstURL(raw gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := raw.Get(p); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// checkCompatibility allows at most one media part type across the request.
func checkCompatibility(msgs []Message) error {
	var media []PartType
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type.Category() != CategoryMedia {
				continue
			}
			seen := false
			for _, t := range media {
				if t == p.Type {
					seen = true
					break
				}
			}
			if !seen {
				media = append(media, p.Type)
			}
		}
	}
	if len(media) > 1 {
		return &CompatibilityError{Types: media}
	}
	return nil
}
