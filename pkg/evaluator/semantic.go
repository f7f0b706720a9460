package evaluator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/policy"
	"github.com/promptgate/promptgate/pkg/scorer"
)

// SemanticEvaluator delegates embedding similarity scoring to an
// external collaborator and flags content that is too close to any
// configured reference text.
type SemanticEvaluator struct {
	scorer scorer.SimilarityScorer
	logger zerolog.Logger
}

// NewSemanticEvaluator creates the semantic evaluator. A nil scorer
// makes every evaluation fail with a scorer-unavailable error.
func NewSemanticEvaluator(s scorer.SimilarityScorer, logger zerolog.Logger) *SemanticEvaluator {
	return &SemanticEvaluator{
		scorer: s,
		logger: logger.With().Str("component", "semantic-evaluator").Logger(),
	}
}

// Type implements Evaluator.
func (e *SemanticEvaluator) Type() policy.Type { return policy.TypeSemantic }

// Evaluate implements Evaluator. A violation is a maximum similarity
// at or above the configured threshold.
func (e *SemanticEvaluator) Evaluate(ctx context.Context, content string, pol *policy.Policy) (*Outcome, error) {
	cfg, ok := pol.Config.(*policy.SemanticConfig)
	if !ok {
		return nil, fmt.Errorf("%w: semantic policy carries %T", policy.ErrInvalidConfig, pol.Config)
	}
	if e.scorer == nil {
		return nil, fmt.Errorf("%w: no similarity scorer configured", scorer.ErrUnavailable)
	}

	sims, err := e.scorer.Similarities(ctx, content, cfg.ReferenceTexts)
	if err != nil {
		return nil, err
	}

	maxSim := 0.0
	maxIdx := -1
	for i, s := range sims {
		if s > maxSim {
			maxSim = s
			maxIdx = i
		}
	}

	out := &Outcome{
		Score:      1.0 - maxSim,
		Confidence: 0.9,
		Violation:  maxSim >= cfg.SimilarityThreshold,
		Details: map[string]any{
			"similarity_scores": sims,
			"threshold":         cfg.SimilarityThreshold,
		},
	}
	if out.Violation {
		out.Confidence = maxSim
		out.Details["closest_reference"] = maxIdx
	}
	return out, nil
}
