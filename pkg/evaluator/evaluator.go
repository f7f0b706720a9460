// Package evaluator implements the four policy evaluator variants:
// keyword_filter and performance (deterministic fast tier) and
// content_safety and semantic (ML-backed slow tier). Evaluators are
// pure with respect to policy state: content and config in, outcome out.
package evaluator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/policy"
	"github.com/promptgate/promptgate/pkg/scorer"
)

// Outcome is the raw result of one evaluator invocation. The scheduler
// wraps it with status, timing, and the policy snapshot fields.
type Outcome struct {
	// Score is the fraction of the content judged safe, in [0,1].
	Score float64

	// Confidence is how sure the evaluator is of its score, in [0,1].
	// Deterministic evaluators report 1.0.
	Confidence float64

	// Violation reports whether the policy was violated.
	Violation bool

	// Details is the evaluator-specific structured explanation.
	Details map[string]any
}

// Evaluator is the behavior implementing one policy type.
type Evaluator interface {
	// Type returns the single policy type this evaluator handles.
	Type() policy.Type

	// Evaluate scores content under the policy's config. The context
	// carries the per-evaluator deadline; implementations must honor
	// cancellation on any blocking call.
	Evaluate(ctx context.Context, content string, pol *policy.Policy) (*Outcome, error)
}

// Registry maps each policy type to its evaluator. The set is closed;
// Register replaces an entry rather than growing the set.
type Registry struct {
	evaluators map[policy.Type]Evaluator
}

// RegistryConfig wires the scoring collaborators into the slow-tier
// evaluators. Nil scorers are allowed: the corresponding evaluator
// then fails its policies with a scorer-unavailable error.
type RegistryConfig struct {
	Safety     scorer.SafetyScorer
	Similarity scorer.SimilarityScorer
}

// NewRegistry creates a registry with all four evaluators registered.
func NewRegistry(cfg RegistryConfig, logger zerolog.Logger) *Registry {
	r := &Registry{evaluators: make(map[policy.Type]Evaluator)}
	r.Register(NewKeywordEvaluator())
	r.Register(NewPerformanceEvaluator())
	r.Register(NewSafetyEvaluator(cfg.Safety, logger))
	r.Register(NewSemanticEvaluator(cfg.Similarity, logger))
	return r
}

// Register installs an evaluator for its policy type, replacing any
// existing one. Tests use this to substitute fakes.
func (r *Registry) Register(e Evaluator) {
	r.evaluators[e.Type()] = e
}

// For returns the evaluator for a policy type.
func (r *Registry) For(t policy.Type) (Evaluator, error) {
	e, ok := r.evaluators[t]
	if !ok {
		return nil, fmt.Errorf("no evaluator registered for policy type %q", t)
	}
	return e, nil
}
