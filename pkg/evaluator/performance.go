package evaluator

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/promptgate/promptgate/pkg/policy"
)

// PerformanceEvaluator checks structural properties of a response
// deterministically: length bounds, token count, and a heuristic
// coherence score. No ML dependency.
type PerformanceEvaluator struct{}

// NewPerformanceEvaluator creates the performance evaluator.
func NewPerformanceEvaluator() *PerformanceEvaluator {
	return &PerformanceEvaluator{}
}

// Type implements Evaluator.
func (e *PerformanceEvaluator) Type() policy.Type { return policy.TypePerformance }

// Evaluate implements Evaluator. Any breached bound is a violation.
func (e *PerformanceEvaluator) Evaluate(ctx context.Context, content string, pol *policy.Policy) (*Outcome, error) {
	cfg, ok := pol.Config.(*policy.PerformanceConfig)
	if !ok {
		return nil, fmt.Errorf("%w: performance policy carries %T", policy.ErrInvalidConfig, pol.Config)
	}

	quality := qualityScore(content)
	tokens := len(strings.Fields(content))

	var breaches []string
	if cfg.MinLength > 0 && len(content) < cfg.MinLength {
		breaches = append(breaches, fmt.Sprintf("length %d below minimum %d", len(content), cfg.MinLength))
	}
	if cfg.MaxLength > 0 && len(content) > cfg.MaxLength {
		breaches = append(breaches, fmt.Sprintf("length %d exceeds maximum %d", len(content), cfg.MaxLength))
	}
	if cfg.MaxTokens > 0 && tokens > cfg.MaxTokens {
		breaches = append(breaches, fmt.Sprintf("token count %d exceeds limit %d", tokens, cfg.MaxTokens))
	}
	if quality < cfg.MinQualityScore {
		breaches = append(breaches, fmt.Sprintf("quality score %.2f below threshold %.2f", quality, cfg.MinQualityScore))
	}

	out := &Outcome{
		Score:      quality,
		Confidence: 0.9,
		Violation:  len(breaches) > 0,
		Details: map[string]any{
			"quality_score": quality,
			"token_count":   tokens,
			"length":        len(content),
		},
	}
	if len(breaches) > 0 {
		out.Details["breaches"] = breaches
	}
	return out, nil
}

// qualityScore is a cheap coherence heuristic: penalize very short or
// highly repetitive content and shouting, reward sentence structure.
func qualityScore(content string) float64 {
	if len(content) == 0 {
		return 0.0
	}

	score := 1.0

	if len(content) < 10 {
		score *= 0.3
	} else if len(content) < 50 {
		score *= 0.7
	}

	words := strings.Fields(content)
	if len(words) > 0 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		score *= float64(len(unique)) / float64(len(words))
	}

	var caps int
	for _, r := range content {
		if unicode.IsUpper(r) {
			caps++
		}
	}
	if float64(caps)/float64(len(content)) > 0.3 {
		score *= 0.8
	}

	sentences := strings.Count(content, ".") + strings.Count(content, "!") + strings.Count(content, "?")
	if sentences > 0 {
		score *= 1.1
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return score
}
