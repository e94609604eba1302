// Package bot – llm.go is the chat model client. One client serves both the
// answer path and query paraphrasing for retrieval.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatClient calls an OpenAI-compatible /chat/completions endpoint.
type ChatClient struct {
	cfg    APIConfig
	client *http.Client
}

// NewChatClient creates the client.
func NewChatClient(cfg APIConfig) *ChatClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &ChatClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends a system and user message and returns the assistant reply.
func (c *ChatClient) Chat(ctx context.Context, system, user string) (string, error) {
	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	payload, err := json.Marshal(map[string]any{
		"model":       c.cfg.Model,
		"messages":    messages,
		"temperature": c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat API status %d: %s", resp.StatusCode, string(body))
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("unmarshal chat response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("chat API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat API returned no choices")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

const paraphrasePrompt = `다음 검색 질의를 같은 의미의 다른 표현으로 바꿔 쓰세요.
표현을 한 줄에 하나씩, 최대 2개까지만 출력하고 다른 설명은 쓰지 마세요.`

// Paraphrase rewrites a retrieval query into alternate phrasings, one per
// line. This satisfies the memory package's Paraphraser interface.
func (c *ChatClient) Paraphrase(ctx context.Context, query string) (string, error) {
	return c.Chat(ctx, paraphrasePrompt, query)
}
