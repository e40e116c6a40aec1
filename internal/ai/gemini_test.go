package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func geminiTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *GeminiProvider) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewGeminiProvider(srv.URL, "test-key", "gemini-2.5-flash")
	return srv, p
}

func TestGeminiChat_PayloadShape(t *testing.T) {
	var got geminiGenReq
	_, p := geminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/models/gemini-2.5-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key in query")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hi there"}]}}]}`))
	})

	msgs := []Message{
		{Role: "system", Content: "you are RansGPT"},
		{Role: "user", Content: "hello", Images: []string{"data:image/png;base64,QUJD"}},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "again"},
	}
	reply, err := p.Chat(context.Background(), msgs)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("reply = %q", reply)
	}

	// system turn expands into user instruction + model acknowledgment
	if len(got.Contents) != 5 {
		t.Fatalf("expected 5 contents, got %d", len(got.Contents))
	}
	if got.Contents[0].Role != "user" || got.Contents[0].Parts[0].Text != "you are RansGPT" {
		t.Fatalf("first content must carry the instruction, got %+v", got.Contents[0])
	}
	if got.Contents[1].Role != "model" {
		t.Fatalf("second content must be the model acknowledgment, got role %q", got.Contents[1].Role)
	}

	// image rides as inline_data
	img := got.Contents[2]
	if img.Role != "user" || len(img.Parts) != 2 {
		t.Fatalf("image turn: role=%q parts=%d", img.Role, len(img.Parts))
	}
	if img.Parts[1].InlineData == nil ||
		img.Parts[1].InlineData.MimeType != "image/png" ||
		img.Parts[1].InlineData.Data != "QUJD" {
		t.Fatalf("bad inline data: %+v", img.Parts[1].InlineData)
	}

	// assistant maps to the model role
	if got.Contents[3].Role != "model" {
		t.Fatalf("assistant turn role = %q", got.Contents[3].Role)
	}

	if got.GenerationConfig.MaxOutputTokens != 2048 || got.GenerationConfig.TopK != 40 {
		t.Fatalf("unexpected generation config: %+v", got.GenerationConfig)
	}
}

func TestGeminiChat_EmptyCandidatesYieldFallback(t *testing.T) {
	_, p := geminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	})

	reply, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", reply)
	}
}

func TestGeminiChat_Non2xxIsUpstreamError(t *testing.T) {
	_, p := geminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	})

	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.Provider != "gemini" || ue.Status != http.StatusTooManyRequests {
		t.Fatalf("got provider=%s status=%d", ue.Provider, ue.Status)
	}
}

func TestGeminiChat_MissingKey(t *testing.T) {
	p := NewGeminiProvider("", "", "")
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestSplitDataURL(t *testing.T) {
	mime, data, ok := splitDataURL("data:image/jpeg;base64,SGVsbG8=")
	if !ok || mime != "image/jpeg" || data != "SGVsbG8=" {
		t.Fatalf("got mime=%q data=%q ok=%v", mime, data, ok)
	}

	for _, bad := range []string{"", "not a url", "data:image/png,raw", "https://example.com/a.png"} {
		if _, _, ok := splitDataURL(bad); ok {
			t.Fatalf("%q must not parse as a data URL", bad)
		}
	}
}
