package main

// Geração da resposta do bot via OpenAI. Único ponto do sistema com
// contagem REAL de tokens (resp.Usage); quando presente ela tem
// precedência sobre a heurística de tokens.go.

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type replier interface {
	// Reply devolve o texto gerado e o total real de tokens reportado pelo
	// provedor (0 quando indisponível).
	Reply(ctx context.Context, t tenant, userText string) (string, int64, error)
}

type openaiReplier struct {
	client *openai.Client
	model  string // fallback quando o chatbot não define modelo
}

func newOpenAIReplier(apiKey string) *openaiReplier {
	return &openaiReplier{
		client: openai.NewClient(apiKey),
		model:  getenv("TEXT_MODEL", "gpt-4o-mini"),
	}
}

// Reply chama o chat completion com o system prompt do chatbot. Timeout
// limitado e uma repetição para falha transitória; a chamada acontece
// sempre fora da transação de débito.
func (o *openaiReplier) Reply(ctx context.Context, t tenant, userText string) (string, int64, error) {
	model := t.Model
	if model == "" {
		model = o.model
	}

	var msgs []openai.ChatCompletionMessage
	if s := strings.TrimSpace(t.SystemPrompt); s != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: s,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return "", 0, fmt.Errorf("%w: %v", errUpstream, ctx.Err())
			}
		}
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resp, err := o.client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    msgs,
			Temperature: t.Temperature,
		})
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("openai: empty choices")
			continue
		}
		text := strings.TrimSpace(resp.Choices[0].Message.Content)
		return text, int64(resp.Usage.TotalTokens), nil
	}
	return "", 0, fmt.Errorf("%w: openai: %v", errUpstream, lastErr)
}
