package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/voocel/litellm"

	"github.com/promptgate/promptgate/pkg/telemetry"
)

// LLMScorer implements SafetyScorer by asking an LLM to classify
// content. It is a fallback for deployments without a dedicated
// scoring service; a dedicated classifier is cheaper and faster.
type LLMScorer struct {
	client  *litellm.Client
	model   string
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// LLMConfig configures the LLM-backed scorer.
type LLMConfig struct {
	// Provider selects the backend: "openai" or "anthropic".
	Provider string

	// Model is the model name passed to the provider.
	Model string

	APIKey  string
	BaseURL string
}

// NewLLMScorer creates an LLM-backed safety scorer. Metrics may be nil.
func NewLLMScorer(cfg LLMConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *LLMScorer {
	var client *litellm.Client
	switch cfg.Provider {
	case "anthropic":
		if cfg.BaseURL != "" {
			client = litellm.New(litellm.WithAnthropic(cfg.APIKey, cfg.BaseURL))
		} else {
			client = litellm.New(litellm.WithAnthropic(cfg.APIKey))
		}
	default:
		if cfg.BaseURL != "" {
			client = litellm.New(litellm.WithOpenAI(cfg.APIKey, cfg.BaseURL))
		} else {
			client = litellm.New(litellm.WithOpenAI(cfg.APIKey))
		}
	}

	return &LLMScorer{
		client:  client,
		model:   cfg.Model,
		logger:  logger.With().Str("component", "llm-scorer").Logger(),
		metrics: metrics,
	}
}

const classifyPrompt = `You are a content safety classifier. For the text below, output only a JSON object mapping each of these categories to a probability between 0.0 and 1.0 that the text falls into the category: %s

Text:
%s`

// Classify implements SafetyScorer.
func (s *LLMScorer) Classify(ctx context.Context, content string, categories []string) (map[string]float64, error) {
	prompt := fmt.Sprintf(classifyPrompt, strings.Join(categories, ", "), content)
	start := time.Now()

	resp, err := s.client.Chat(ctx, &litellm.Request{
		Model: s.model,
		Messages: []litellm.Message{
			{Role: "user", Content: prompt},
		},
		Temperature: litellm.Float64Ptr(0),
		MaxTokens:   litellm.IntPtr(256),
	})
	if err != nil {
		s.metrics.RecordScorerError("llm", "classify")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.metrics.RecordScorerCall("llm", "classify", time.Since(start))

	scores, err := parseScoreJSON(resp.Content, categories)
	if err != nil {
		s.logger.Warn().Err(err).Str("model", s.model).Msg("Unparseable classifier output")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return scores, nil
}

// parseScoreJSON extracts the category score object from model output,
// tolerating surrounding prose or code fences.
func parseScoreJSON(output string, categories []string) (map[string]float64, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var raw map[string]float64
	if err := json.Unmarshal([]byte(output[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}

	scores := make(map[string]float64, len(categories))
	for _, cat := range categories {
		v := raw[cat]
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		scores[cat] = v
	}
	return scores, nil
}
