// Package proxy implements the guarded LLM proxy and the HTTP API.
package proxy

import "github.com/promptgate/promptgate/pkg/engine"

// ChatMessage is one message in a chat completion conversation.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the OpenAI-shaped request body accepted by
// the guarded completions endpoint.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	User        string        `json:"user,omitempty"`
}

// ChatCompletionChoice is one completion choice.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the OpenAI-shaped completion response,
// extended with the guard verdicts that produced it.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`

	// Guardrail carries the evaluation verdicts attached by the proxy.
	Guardrail *GuardSummary `json:"guardrail,omitempty"`
}

// GuardSummary condenses the evaluation results attached to a proxied
// request.
type GuardSummary struct {
	RequestEvaluationID  string  `json:"request_evaluation_id,omitempty"`
	ResponseEvaluationID string  `json:"response_evaluation_id,omitempty"`
	HasViolations        bool    `json:"has_violations"`
	OverallScore         float64 `json:"overall_score"`
}

// BlockedError is the response body returned when the guard blocks
// traffic.
type BlockedError struct {
	Error        string                          `json:"error"`
	Stage        string                          `json:"stage"`
	BlockedBy    string                          `json:"blocked_by,omitempty"`
	EvaluationID string                          `json:"evaluation_id"`
	Violations   []engine.PolicyEvaluationResult `json:"violations,omitempty"`
}
