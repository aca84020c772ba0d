package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"reflect"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func sampleBundle() Bundle {
	return Bundle{
		LocalStorage: map[string]string{
			"token":    "eyJhbGciOiJIUzI1NiJ9.eyJpZCI6InUtMSJ9.c2ln",
			"language": "en-US",
			"theme":    `{"mode":"dark"}`,
		},
		Cookies: []Cookie{
			{Name: "ssxmod_itna", Value: "abc==", Domain: ".qwen.ai", Path: "/", Secure: true},
			{Name: "token", Value: "xyz", Domain: "chat.qwen.ai", Expires: 1893456000, HTTPOnly: true, SameSite: "Lax"},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		bundle Bundle
	}{
		{name: "full", bundle: sampleBundle()},
		{name: "zero", bundle: Bundle{}},
		{name: "empty collections", bundle: Bundle{LocalStorage: map[string]string{}, Cookies: []Cookie{}}},
		{name: "unicode", bundle: Bundle{LocalStorage: map[string]string{"名字": "通义千问 ✓"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := Encode(tc.bundle)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(token)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tc.bundle) {
				t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, tc.bundle)
			}
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	first, err := Encode(sampleBundle())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, errAgain := Encode(sampleBundle())
		if errAgain != nil {
			t.Fatalf("Encode() error = %v", errAgain)
		}
		if again != first {
			t.Fatalf("Encode() not deterministic: %q != %q", again, first)
		}
	}
}

func TestDecodeAcceptsURLSafeAlphabet(t *testing.T) {
	token, err := Encode(sampleBundle())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(token)
	urlSafe := base64.RawURLEncoding.EncodeToString(raw)

	got, err := Decode(urlSafe)
	if err != nil {
		t.Fatalf("Decode(url-safe) error = %v", err)
	}
	if !reflect.DeepEqual(got, sampleBundle()) {
		t.Fatalf("Decode(url-safe) mismatch: %#v", got)
	}
}

func gzipped(t *testing.T, payload string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(payload)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name  string
		token string
		want  ErrorKind
	}{
		{name: "empty", token: "", want: InvalidEncoding},
		{name: "not base64", token: "%%%not-base64%%%", want: InvalidEncoding},
		{name: "not gzip", token: base64.StdEncoding.EncodeToString([]byte("plain text")), want: InvalidCompressedData},
		{name: "not json", token: gzipped(t, "{broken"), want: InvalidJSON},
		{name: "wrong shape", token: gzipped(t, `{"localStorage":[1,2]}`), want: InvalidJSON},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.token)
			if err == nil {
				t.Fatalf("Decode() expected error, got bundle %#v", got)
			}
			var ce *CodecError
			if !errors.As(err, &ce) {
				t.Fatalf("Decode() error type = %T, want *CodecError", err)
			}
			if ce.Kind != tc.want {
				t.Fatalf("Decode() kind = %v, want %v", ce.Kind, tc.want)
			}
			if !reflect.DeepEqual(got, Bundle{}) {
				t.Fatalf("Decode() returned partial bundle %#v", got)
			}
		})
	}
}
