package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mlowden/strand/internal/models"
)

const chatOnlySystemPrompt = "You are a conversational assistant. Reply in plain text; do not attempt tool use."

// Anthropic is a Runner backed by the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
	system string
}

// NewAnthropic creates an API-backed runner. An empty model selects the
// SDK's current Sonnet model.
func NewAnthropic(apiKey, model, systemPrompt string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic runner requires an API key")
	}

	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaudeSonnet4_20250514
	}
	if systemPrompt == "" {
		systemPrompt = "You are an assistant executing dashboard tasks. Be concise."
	}

	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  m,
		system: systemPrompt,
	}, nil
}

// Name returns the runner identifier.
func (a *Anthropic) Name() string {
	return "anthropic"
}

// Run executes one prompt with the thread history folded into the message
// sequence. Network-level failures are reported as ErrUnavailable so the
// scheduler retries them.
func (a *Anthropic) Run(ctx context.Context, req Request) (*Result, error) {
	var messages []anthropic.MessageParam
	for _, h := range req.History {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(h)))
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	system := a.system
	if req.Mode == models.ThreadModeChatOnly {
		system = chatOnlySystemPrompt
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: messages,
	})
	if err != nil {
		if isTransient(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("anthropic call: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}

	return &Result{
		Response:     text.String(),
		ActionsTaken: []string{"model_response"},
	}, nil
}

// isTransient classifies network-level errors as retryable.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "529")
}
