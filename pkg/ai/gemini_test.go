package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testGeminiClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewGeminiClient("test-key", "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.baseURL = srv.URL
	return client
}

func TestGeminiGenerateReturnsRawText(t *testing.T) {
	var gotBody generateRequest
	client := testGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-2.0-flash") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"parts": []map[string]any{{"text": `["a","b","c"]`}}},
			}},
		})
	})

	out, err := client.Generate(context.Background(), CaptionPrompt{
		Mood:     "wistful",
		ImageURL: "https://blobs.example/img.jpg",
		Count:    3,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Unsafe {
		t.Fatalf("unexpected unsafe flag")
	}
	if out.Raw != `["a","b","c"]` {
		t.Fatalf("raw = %q", out.Raw)
	}
	if len(gotBody.Contents) != 1 || len(gotBody.Contents[0].Parts) != 2 {
		t.Fatalf("request must carry text and image parts: %+v", gotBody.Contents)
	}
	if gotBody.Contents[0].Parts[1].FileData == nil || gotBody.Contents[0].Parts[1].FileData.FileURI != "https://blobs.example/img.jpg" {
		t.Fatalf("image part missing file uri")
	}
}

func TestGeminiGenerateMapsSafetyBlocks(t *testing.T) {
	client := testGeminiClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"promptFeedback": map[string]any{"blockReason": "SAFETY"},
		})
	})
	out, err := client.Generate(context.Background(), CaptionPrompt{Mood: "edgy"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !out.Unsafe || out.UnsafeReason != "SAFETY" {
		t.Fatalf("expected unsafe output, got %+v", out)
	}
}

func TestGeminiGenerateMapsCandidateSafetyFinish(t *testing.T) {
	client := testGeminiClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{"finishReason": "SAFETY"}},
		})
	})
	out, err := client.Generate(context.Background(), CaptionPrompt{Mood: "edgy"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !out.Unsafe {
		t.Fatalf("expected unsafe output, got %+v", out)
	}
}

func TestGeminiGenerateSurfacesAPIErrors(t *testing.T) {
	client := testGeminiClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "overloaded"},
		})
	})
	if _, err := client.Generate(context.Background(), CaptionPrompt{Mood: "calm"}); err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestNewGeminiClientValidation(t *testing.T) {
	if _, err := NewGeminiClient("", "gemini-2.0-flash"); err == nil {
		t.Fatalf("expected missing api key to fail")
	}
	if _, err := NewGeminiClient("key", "  "); err == nil {
		t.Fatalf("expected missing model to fail")
	}
}
