package evaluator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/policy"
	"github.com/promptgate/promptgate/pkg/scorer"
)

// SafetyEvaluator delegates toxicity scoring to an external ML
// collaborator. Scorer failures are reported as errors so the
// scheduler fails only this policy, never the whole request.
type SafetyEvaluator struct {
	scorer scorer.SafetyScorer
	logger zerolog.Logger
}

// NewSafetyEvaluator creates the content_safety evaluator. A nil
// scorer makes every evaluation fail with a scorer-unavailable error.
func NewSafetyEvaluator(s scorer.SafetyScorer, logger zerolog.Logger) *SafetyEvaluator {
	return &SafetyEvaluator{
		scorer: s,
		logger: logger.With().Str("component", "safety-evaluator").Logger(),
	}
}

// Type implements Evaluator.
func (e *SafetyEvaluator) Type() policy.Type { return policy.TypeContentSafety }

// Evaluate implements Evaluator. A violation is any requested category
// whose probability reaches the configured threshold.
func (e *SafetyEvaluator) Evaluate(ctx context.Context, content string, pol *policy.Policy) (*Outcome, error) {
	cfg, ok := pol.Config.(*policy.ContentSafetyConfig)
	if !ok {
		return nil, fmt.Errorf("%w: content_safety policy carries %T", policy.ErrInvalidConfig, pol.Config)
	}
	if e.scorer == nil {
		return nil, fmt.Errorf("%w: no safety scorer configured", scorer.ErrUnavailable)
	}

	scores, err := e.scorer.Classify(ctx, content, cfg.Categories)
	if err != nil {
		return nil, err
	}

	var flagged []string
	maxScore := 0.0
	for _, cat := range cfg.Categories {
		p := scores[cat]
		if p > maxScore {
			maxScore = p
		}
		if p >= cfg.ToxicityThreshold {
			flagged = append(flagged, cat)
		}
	}

	out := &Outcome{
		Score:      1.0 - maxScore,
		Confidence: 0.95,
		Violation:  len(flagged) > 0,
		Details: map[string]any{
			"categories_checked": cfg.Categories,
			"category_scores":    scores,
			"threshold":          cfg.ToxicityThreshold,
		},
	}
	if len(flagged) > 0 {
		out.Confidence = maxScore
		out.Details["flagged_categories"] = flagged
	}
	return out, nil
}
