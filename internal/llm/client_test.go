package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func completionBody(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini", Timeout: timeout})
}

func TestScore(t *testing.T) {
	var gotFormat string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotFormat = req.ResponseFormat.Type
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody(
			`{"dynamics": 20, "objections": 18, "brand": 15, "outcome": 12, "coaching_tips": ["ask for the meeting earlier", " "]}`))
	}, time.Second)

	got, err := c.Score(context.Background(), "transcript")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got.Scores.Total() != 65 {
		t.Fatalf("total = %v, want 65", got.Scores.Total())
	}
	if len(got.CoachingTips) != 1 {
		t.Fatalf("blank tips should be dropped: %v", got.CoachingTips)
	}
	if got.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", got.Model)
	}
	if got.TokensUsed != 15 {
		t.Fatalf("tokens used = %d, want 15", got.TokensUsed)
	}
	if gotFormat != "json_object" {
		t.Fatalf("response_format = %q, want json_object", gotFormat)
	}
}

func TestScoreRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "Rate limit reached", "type": "requests", "code": "rate_limit_exceeded"}}`))
	}, time.Second)

	_, err := c.Score(context.Background(), "transcript")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestScoreTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	_, err := c.Score(context.Background(), "transcript")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", `{"dynamics": 1, "objections": 2, "brand": 3, "outcome": 4}`, false},
		{"fenced", "```json\n{\"dynamics\": 1, \"objections\": 2, \"brand\": 3, \"outcome\": 4}\n```", false},
		{"not json", `the call went well`, true},
		{"missing dimension", `{"dynamics": 1, "objections": 2, "brand": 3}`, true},
		{"above range", `{"dynamics": 26, "objections": 2, "brand": 3, "outcome": 4}`, true},
		{"negative", `{"dynamics": -1, "objections": 2, "brand": 3, "outcome": 4}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseScore(tt.content)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedScore) {
					t.Fatalf("expected ErrMalformedScore, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
