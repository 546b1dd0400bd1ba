package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestModelSelectionAndFallback(t *testing.T) {
	// returns 500 for model "gpt-5" and 200 for others
	var seen []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&p)
		seen = append(seen, p.Model)
		if p.Model == "gpt-5" {
			http.Error(w, "server error", 500)
			return
		}
		resp := map[string]interface{}{"id": "abc", "choices": []map[string]interface{}{{"message": map[string]string{"content": "ok from " + p.Model}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL + "/", Model: "gpt-5", FallbackModel: "local"})
	client.fallbackDelay = 0
	resp, err := client.CreateChatCompletion(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("expected success via fallback, got err: %v", err)
	}
	if resp.Content != "ok from local" {
		t.Fatalf("unexpected content: want=%q got=%q", "ok from local", resp.Content)
	}
	if len(seen) != 2 || seen[0] != "gpt-5" || seen[1] != "local" {
		t.Fatalf("model order mismatch: got=%v", seen)
	}
}

func TestPermanentError(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "unauthorized", 401)
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL, Model: "gpt-5", FallbackModel: "local"})
	_, err := client.CreateChatCompletion(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got: %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not fall back: want=1 got=%d", calls)
	}
}

func TestMaxTokensClamped(t *testing.T) {
	var got ChatRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"x"}}]}`))
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL, MaxTokensCap: 100})
	if _, err := client.CreateChatCompletion(context.Background(), ChatRequest{MaxTokens: 5000}); err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if got.MaxTokens != 100 || got.Model != "local" {
		t.Fatalf("request mismatch: want=(100,local) got=(%d,%s)", got.MaxTokens, got.Model)
	}
}
