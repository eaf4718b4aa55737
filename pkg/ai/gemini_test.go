package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateVisionSendsImageAndReadsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || len(req.Contents[0].Parts) != 2 {
			t.Fatalf("unexpected request shape: %+v", req)
		}
		if req.Contents[0].Parts[1].InlineData == nil {
			t.Fatalf("missing inline image data")
		}
		if req.GenerationConfig == nil || req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Fatalf("expected JSON response mime type")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": `{"is_relevant": true}`}}}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewGeminiClient("test-key")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.WithBaseURL(srv.URL)

	text, err := client.GenerateVision(context.Background(), "gemini-2.5-pro", "system", "prompt", []byte("img"), "")
	if err != nil {
		t.Fatalf("generate vision: %v", err)
	}
	if text != `{"is_relevant": true}` {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestGenerateVisionClassifiesQuotaAndOutage(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "busy"}})
		}))
		client, err := NewGeminiClient("test-key")
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		client.WithBaseURL(srv.URL)
		_, err = client.GenerateVision(context.Background(), "m", "", "p", []byte("x"), "")
		srv.Close()
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("status %d: expected ErrUnavailable, got: %v", status, err)
		}
	}
}

func TestGenerateVisionBadRequestIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "bad image"}})
	}))
	defer srv.Close()

	client, err := NewGeminiClient("test-key")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.WithBaseURL(srv.URL)
	_, err = client.GenerateVision(context.Background(), "m", "", "p", []byte("x"), "")
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected permanent error, got: %v", err)
	}
}
