package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/masamong/masamong/pkg/masamong/memory"
)

func TestSystemPromptIncludesContext(t *testing.T) {
	t.Parallel()

	a := NewAssistant(DefaultConfig(), nil, nil, nil)
	blocks := []memory.ContextBlock{
		{Text: "[lena][15:04] 내일 제주도 간다", Score: 0.8, Strong: true},
		{Text: "[kim][15:10] 숙소는 정했어?", Score: 0.65},
	}

	prompt := a.systemPrompt(blocks)
	if !strings.Contains(prompt, "[대화 1]") || !strings.Contains(prompt, "[대화 2]") {
		t.Errorf("prompt missing numbered context blocks:\n%s", prompt)
	}
	if !strings.Contains(prompt, "제주도") {
		t.Errorf("prompt missing retrieved text:\n%s", prompt)
	}
	if !strings.Contains(prompt, "우선해") {
		t.Errorf("strong context did not tighten the grounding instruction:\n%s", prompt)
	}
}

func TestSystemPromptWithoutContext(t *testing.T) {
	t.Parallel()

	a := NewAssistant(DefaultConfig(), nil, nil, nil)
	prompt := a.systemPrompt(nil)
	if strings.Contains(prompt, "[대화") {
		t.Errorf("empty retrieval still rendered context blocks:\n%s", prompt)
	}
}

func TestHasStrongContext(t *testing.T) {
	t.Parallel()

	if HasStrongContext([]memory.ContextBlock{{Score: 0.65}}) {
		t.Error("weak-only blocks reported strong")
	}
	if !HasStrongContext([]memory.ContextBlock{{Score: 0.65}, {Score: 0.8, Strong: true}}) {
		t.Error("strong block not detected")
	}
	if HasStrongContext(nil) {
		t.Error("empty blocks reported strong")
	}
}

func TestChatClientParaphrase(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v, want system then user", req.Messages)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "서울 기상 상황\n수도권 날씨"}},
			},
		})
	}))
	defer srv.Close()

	c := NewChatClient(APIConfig{BaseURL: srv.URL, Model: "test-model"})
	got, err := c.Paraphrase(context.Background(), "서울 날씨")
	if err != nil {
		t.Fatalf("Paraphrase failed: %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Errorf("paraphrase lines = %v, want one rewrite per line", lines)
	}
}

func TestChatClientAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewChatClient(APIConfig{BaseURL: srv.URL, Model: "test-model"})
	if _, err := c.Chat(context.Background(), "", "hello"); err == nil {
		t.Fatal("Chat accepted a 429 response")
	}
}
