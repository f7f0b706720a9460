// Package scorer holds the clients for the external ML scoring
// collaborators used by the slow-tier evaluators. The engine treats
// scoring as opaque: content in, per-category probabilities or
// similarity scores out.
package scorer

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when a scoring backend cannot be reached.
// Evaluators surface it as a single-policy failure, never as a failure
// of the whole evaluation.
var ErrUnavailable = errors.New("scorer unavailable")

// SafetyScorer scores content against safety categories.
type SafetyScorer interface {
	// Classify returns the probability, in [0,1], that content falls
	// into each requested category.
	Classify(ctx context.Context, content string, categories []string) (map[string]float64, error)
}

// SimilarityScorer measures semantic similarity between content and
// reference texts.
type SimilarityScorer interface {
	// Similarities returns one similarity score in [0,1] per reference
	// text, in reference order.
	Similarities(ctx context.Context, content string, references []string) ([]float64, error)
}
