package normalizer

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestNormalizePlainAndMultipart(t *testing.T) {
	raw := `[
		{"role":"system","content":"be brief"},
		{"role":"user","content":[
			{"type":"text","text":"what is this?"},
			{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}
		]},
		{"role":"assistant","content":null},
		{"role":"tool","tool_call_id":"call_1","content":"42"}
	]`
	got, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := []Message{
		{Role: "system", Text: "be brief"},
		{Role: "user", Parts: []ContentPart{
			{Type: PartText, Text: "what is this?"},
			{Type: PartImage, URL: "https://example.com/cat.png"},
		}},
		{Role: "assistant"},
		{Role: "tool", Text: "42", ToolCallID: "call_1"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Normalize() =\n%#v\nwant\n%#v", got, want)
	}
	if got[1].PlainText() != "what is this?" {
		t.Fatalf("PlainText() = %q", got[1].PlainText())
	}
}

func TestNormalizeCompatibility(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
		types   []PartType
	}{
		{
			name:    "image and video",
			raw:     `[{"role":"user","content":[{"type":"image_url","image_url":{"url":"a.png"}},{"type":"video_url","video_url":{"url":"b.mp4"}}]}]`,
			wantErr: true,
			types:   []PartType{PartImage, PartVideo},
		},
		{
			name: "image and pdf",
			raw:  `[{"role":"user","content":[{"type":"image_url","image_url":"a.png"},{"type":"file","file":{"file_data":"data:application/pdf;base64,JVBE","filename":"doc.pdf"}}]}]`,
		},
		{
			name: "two images",
			raw:  `[{"role":"user","content":[{"type":"image_url","image_url":{"url":"a.png"}},{"type":"image_url","image_url":{"url":"b.png"}}]}]`,
		},
		{
			name:    "audio and image across messages",
			raw:     `[{"role":"user","content":[{"type":"input_audio","input_audio":{"data":"UklG","format":"mp3"}}]},{"role":"user","content":[{"type":"image_url","image_url":{"url":"a.png"}}]}]`,
			wantErr: true,
			types:   []PartType{PartAudio, PartImage},
		},
		{
			name: "document only",
			raw:  `[{"role":"user","content":[{"type":"file_url","file_url":{"url":"https://example.com/a.pdf"}},{"type":"file_url","file_url":{"url":"https://example.com/b.pdf"}}]}]`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize([]byte(tc.raw))
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("Normalize() error = %v", err)
				}
				return
			}
			var ce *CompatibilityError
			if !errors.As(err, &ce) {
				t.Fatalf("Normalize() error = %v, want *CompatibilityError", err)
			}
			if !reflect.DeepEqual(ce.Types, tc.types) {
				t.Fatalf("conflicting types = %v, want %v", ce.Types, tc.types)
			}
			for _, pt := range tc.types {
				if !strings.Contains(ce.Error(), string(pt)) {
					t.Fatalf("error %q does not name %s", ce.Error(), pt)
				}
			}
		})
	}
}

func TestNormalizeRequestShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []Message
	}{
		{name: "messages", body: `{"messages":[{"role":"user","content":"hi"}]}`, want: []Message{{Role: "user", Text: "hi"}}},
		{name: "input string", body: `{"input":"hello"}`, want: []Message{{Role: "user", Text: "hello"}}},
		{name: "input array", body: `{"input":[{"role":"developer","content":"rules"}]}`, want: []Message{{Role: "system", Text: "rules"}}},
		{name: "prompt string", body: `{"prompt":"complete me"}`, want: []Message{{Role: "user", Text: "complete me"}}},
		{name: "prompt array", body: `{"prompt":["a","b"]}`, want: []Message{{Role: "user", Text: "a\nb"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeRequest([]byte(tc.body))
			if err != nil {
				t.Fatalf("NormalizeRequest() error = %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("NormalizeRequest() = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestNormalizeRequestErrors(t *testing.T) {
	cases := map[string]string{
		"no messages":  `{"model":"x"}`,
		"empty":        `{"messages":[]}`,
		"bad role":     `{"messages":[{"role":"robot","content":"x"}]}`,
		"bad part":     `{"messages":[{"role":"user","content":[{"type":"hologram"}]}]}`,
		"missing url":  `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{}}]}]}`,
		"number":       `{"messages":[{"role":"user","content":5}]}`,
		"prompt mixed": `{"prompt":["a",1]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeRequest([]byte(body))
			var re *RequestError
			if !errors.As(err, &re) {
				t.Fatalf("NormalizeRequest() error = %v, want *RequestError", err)
			}
			if re.Param == "" {
				t.Fatal("RequestError.Param is empty")
			}
		})
	}
}

func TestInputAudioBecomesDataURL(t *testing.T) {
	got, err := Normalize([]byte(`[{"role":"user","content":[{"type":"input_audio","input_audio":{"data":"UklG","format":"mp3"}}]}]`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if url := got[0].Parts[0].URL; url != "data:audio/mp3;base64,UklG" {
		t.Fatalf("URL = %q", url)
	}
}
