// Package bot – assistant.go assembles retrieved conversation context into a
// prompt and produces the reply. The assistant is channel-agnostic; the
// Discord adapter feeds it messages and ships its answers back.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/masamong/masamong/pkg/masamong/memory"
)

// Assistant answers user queries with conversational memory behind them.
type Assistant struct {
	cfg    *Config
	memory *memory.Service
	llm    *ChatClient
	logger *slog.Logger
}

// NewAssistant wires the assistant. llm may be nil for retrieval-only use
// (the search CLI), in which case Answer returns an error.
func NewAssistant(cfg *Config, svc *memory.Service, llm *ChatClient, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{cfg: cfg, memory: svc, llm: llm, logger: logger.With("component", "assistant")}
}

// Memory exposes the underlying memory service.
func (a *Assistant) Memory() *memory.Service { return a.memory }

// Ingest records a message into conversational memory.
func (a *Assistant) Ingest(ctx context.Context, msg memory.Message) (memory.Message, error) {
	return a.memory.Ingest(ctx, msg)
}

// Answer retrieves relevant past conversation for the query and asks the
// chat model for a reply grounded in it.
func (a *Assistant) Answer(ctx context.Context, scope memory.Scope, userName, query string) (string, error) {
	if a.llm == nil {
		return "", fmt.Errorf("assistant: no chat model configured")
	}

	blocks, err := a.memory.Retrieve(ctx, scope, query)
	if err != nil {
		// Retrieval trouble is not a reason to go silent; answer without
		// memory context.
		a.logger.Warn("retrieval failed, answering without context", "error", err)
		blocks = nil
	}

	system := a.systemPrompt(blocks)
	reply, err := a.llm.Chat(ctx, system, fmt.Sprintf("%s: %s", userName, query))
	if err != nil {
		return "", fmt.Errorf("assistant: %w", err)
	}
	return reply, nil
}

// HasStrongContext reports whether retrieval produced a match confident
// enough that external lookups (web search and the like) can be skipped and
// the stored conversation treated as the answer source.
func HasStrongContext(blocks []memory.ContextBlock) bool {
	for _, b := range blocks {
		if b.Strong {
			return true
		}
	}
	return false
}

// systemPrompt renders instructions plus the retrieved context blocks.
func (a *Assistant) systemPrompt(blocks []memory.ContextBlock) string {
	var b strings.Builder
	if a.cfg.Instructions != "" {
		b.WriteString(a.cfg.Instructions)
	} else {
		fmt.Fprintf(&b, "너는 %s라는 이름의 디스코드 어시스턴트다.", a.cfg.Name)
	}
	if a.cfg.Language != "" {
		fmt.Fprintf(&b, "\n답변 언어: %s", a.cfg.Language)
	}

	if len(blocks) > 0 {
		b.WriteString("\n\n아래는 이 채널의 과거 대화 중 질문과 관련된 부분이다.\n")
		for i, blk := range blocks {
			fmt.Fprintf(&b, "\n[대화 %d]\n%s\n", i+1, blk.Text)
		}
		if HasStrongContext(blocks) {
			b.WriteString("\n과거 대화에 충분한 근거가 있으니 추측하지 말고 위 내용을 우선해 답하라.")
		} else {
			b.WriteString("\n과거 대화는 참고용이며, 질문과 무관하면 무시하라.")
		}
	}
	return b.String()
}
