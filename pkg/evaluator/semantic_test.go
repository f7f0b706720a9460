package evaluator

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/policy"
	"github.com/promptgate/promptgate/pkg/scorer"
)

// fakeSimilarityScorer returns one similarity per reference text.
type fakeSimilarityScorer struct {
	sims []float64
	err  error
}

func (f *fakeSimilarityScorer) Similarities(ctx context.Context, content string, references []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sims, nil
}

func semanticPolicy(threshold float64) *policy.Policy {
	return &policy.Policy{
		ID:     "sem-1",
		Name:   "off-topic",
		Type:   policy.TypeSemantic,
		Status: policy.StatusActive,
		Config: &policy.SemanticConfig{
			SimilarityThreshold: threshold,
			ReferenceTexts:      []string{"ref a", "ref b", "ref c"},
		},
	}
}

func TestSemanticEvaluator_Evaluate(t *testing.T) {
	tests := []struct {
		name        string
		sims        []float64
		threshold   float64
		violation   bool
		closestRef  int
	}{
		{
			name:      "all below threshold",
			sims:      []float64{0.1, 0.4, 0.2},
			threshold: 0.85,
			violation: false,
		},
		{
			name:       "exactly at threshold violates",
			sims:       []float64{0.1, 0.85, 0.2},
			threshold:  0.85,
			violation:  true,
			closestRef: 1,
		},
		{
			name:       "closest reference reported",
			sims:       []float64{0.3, 0.7, 0.96},
			threshold:  0.9,
			violation:  true,
			closestRef: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewSemanticEvaluator(&fakeSimilarityScorer{sims: tt.sims}, zerolog.Nop())
			out, err := e.Evaluate(context.Background(), "content", semanticPolicy(tt.threshold))
			if err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}
			if out.Violation != tt.violation {
				t.Fatalf("violation = %v, want %v", out.Violation, tt.violation)
			}
			if tt.violation {
				if got := out.Details["closest_reference"]; got != tt.closestRef {
					t.Errorf("closest_reference = %v, want %d", got, tt.closestRef)
				}
			}
		})
	}
}

func TestSemanticEvaluator_ScorerErrorsPropagate(t *testing.T) {
	wantErr := errors.New("embedding service down")
	e := NewSemanticEvaluator(&fakeSimilarityScorer{err: wantErr}, zerolog.Nop())

	if _, err := e.Evaluate(context.Background(), "content", semanticPolicy(0.85)); !errors.Is(err, wantErr) {
		t.Fatalf("expected scorer error to propagate, got %v", err)
	}
}

func TestSemanticEvaluator_NilScorer(t *testing.T) {
	e := NewSemanticEvaluator(nil, zerolog.Nop())

	if _, err := e.Evaluate(context.Background(), "content", semanticPolicy(0.85)); !errors.Is(err, scorer.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRegistry_ForAndRegister(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, zerolog.Nop())

	for _, typ := range []policy.Type{policy.TypeKeywordFilter, policy.TypePerformance, policy.TypeContentSafety, policy.TypeSemantic} {
		e, err := r.For(typ)
		if err != nil {
			t.Fatalf("For(%s) failed: %v", typ, err)
		}
		if e.Type() != typ {
			t.Errorf("For(%s) returned evaluator for %s", typ, e.Type())
		}
	}

	if _, err := r.For(policy.Type("bogus")); err == nil {
		t.Error("For should fail for unknown type")
	}
}
