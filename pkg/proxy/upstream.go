package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/voocel/litellm"

	"github.com/promptgate/promptgate/pkg/config"
)

// Upstream forwards chat completion requests to an LLM provider.
type Upstream interface {
	Complete(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
}

// LiteLLMUpstream forwards completions through the litellm client.
type LiteLLMUpstream struct {
	client       *litellm.Client
	defaultModel string
}

// NewLiteLLMUpstream builds an upstream for the configured provider.
func NewLiteLLMUpstream(cfg config.UpstreamConfig) (*LiteLLMUpstream, error) {
	var client *litellm.Client

	switch cfg.Provider {
	case "anthropic":
		if cfg.BaseURL != "" {
			client = litellm.New(litellm.WithAnthropic(cfg.APIKey, cfg.BaseURL))
		} else {
			client = litellm.New(litellm.WithAnthropic(cfg.APIKey))
		}
	case "openai", "":
		if cfg.BaseURL != "" {
			client = litellm.New(litellm.WithOpenAI(cfg.APIKey, cfg.BaseURL))
		} else {
			client = litellm.New(litellm.WithOpenAI(cfg.APIKey))
		}
	default:
		return nil, fmt.Errorf("unsupported upstream provider: %s", cfg.Provider)
	}

	return &LiteLLMUpstream{
		client:       client,
		defaultModel: cfg.Model,
	}, nil
}

// Complete implements Upstream.
func (u *LiteLLMUpstream) Complete(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = u.defaultModel
	}

	messages := make([]litellm.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = litellm.Message{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	upstreamReq := &litellm.Request{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != nil {
		upstreamReq.Temperature = litellm.Float64Ptr(*req.Temperature)
	}
	if req.MaxTokens != nil {
		upstreamReq.MaxTokens = litellm.IntPtr(*req.MaxTokens)
	}

	resp, err := u.client.Chat(ctx, upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("upstream completion failed: %w", err)
	}

	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    "assistant",
					Content: resp.Content,
				},
				FinishReason: "stop",
			},
		},
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
	}, nil
}
