package engine

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/evaluator"
	"github.com/promptgate/promptgate/pkg/policy"
	"github.com/promptgate/promptgate/pkg/telemetry"
)

// fakeEvaluator handles one policy type with a programmable function
// and records which policies it was invoked for.
type fakeEvaluator struct {
	typ policy.Type
	fn  func(ctx context.Context, content string, pol *policy.Policy) (*evaluator.Outcome, error)

	mu    sync.Mutex
	calls []string
}

func (f *fakeEvaluator) Type() policy.Type { return f.typ }

func (f *fakeEvaluator) Evaluate(ctx context.Context, content string, pol *policy.Policy) (*evaluator.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pol.ID)
	f.mu.Unlock()
	return f.fn(ctx, content, pol)
}

func (f *fakeEvaluator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func passOutcome(score float64) func(context.Context, string, *policy.Policy) (*evaluator.Outcome, error) {
	return func(context.Context, string, *policy.Policy) (*evaluator.Outcome, error) {
		return &evaluator.Outcome{Score: score, Confidence: 1.0}, nil
	}
}

func violationOutcome() func(context.Context, string, *policy.Policy) (*evaluator.Outcome, error) {
	return func(context.Context, string, *policy.Policy) (*evaluator.Outcome, error) {
		return &evaluator.Outcome{Score: 0.0, Confidence: 1.0, Violation: true}, nil
	}
}

func makePolicy(id string, typ policy.Type, action policy.Action, severity policy.Severity) *policy.Policy {
	base := policy.ConfigBase{OnViolation: action, ViolationSeverity: severity}

	var cfg policy.Config
	switch typ {
	case policy.TypeKeywordFilter:
		cfg = &policy.KeywordFilterConfig{ConfigBase: base, Patterns: []string{"x"}}
	case policy.TypePerformance:
		cfg = &policy.PerformanceConfig{ConfigBase: base, MinQualityScore: 0.0}
	case policy.TypeContentSafety:
		cfg = &policy.ContentSafetyConfig{ConfigBase: base, ToxicityThreshold: 0.8, Categories: []string{"hate"}}
	case policy.TypeSemantic:
		cfg = &policy.SemanticConfig{ConfigBase: base, SimilarityThreshold: 0.85, ReferenceTexts: []string{"ref"}}
	}

	return &policy.Policy{
		ID:             id,
		Name:           id,
		Type:           typ,
		Status:         policy.StatusActive,
		Config:         cfg,
		OrganizationID: "org-1",
		Version:        1,
	}
}

func newTestScheduler(reg *evaluator.Registry, cfg SchedulerConfig) *Scheduler {
	return NewScheduler(reg, cfg, zerolog.Nop(), nil, nil)
}

func fakeRegistry(fakes ...*fakeEvaluator) *evaluator.Registry {
	reg := evaluator.NewRegistry(evaluator.RegistryConfig{}, zerolog.Nop())
	for _, f := range fakes {
		reg.Register(f)
	}
	return reg
}

func TestScheduler_ResultOrderMatchesResolutionOrder(t *testing.T) {
	reg := fakeRegistry(
		&fakeEvaluator{typ: policy.TypeKeywordFilter, fn: passOutcome(0.9)},
		&fakeEvaluator{typ: policy.TypePerformance, fn: passOutcome(0.8)},
		&fakeEvaluator{typ: policy.TypeContentSafety, fn: passOutcome(0.7)},
		&fakeEvaluator{typ: policy.TypeSemantic, fn: passOutcome(0.6)},
	)

	// Interleave slow and fast types so execution order differs from
	// resolution order.
	pols := []*policy.Policy{
		makePolicy("p0", policy.TypeContentSafety, policy.ActionWarn, policy.SeverityMedium),
		makePolicy("p1", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityMedium),
		makePolicy("p2", policy.TypeSemantic, policy.ActionWarn, policy.SeverityMedium),
		makePolicy("p3", policy.TypePerformance, policy.ActionWarn, policy.SeverityMedium),
	}
	snap := policy.NewSnapshot(pols)

	s := newTestScheduler(reg, SchedulerConfig{})
	result := s.Evaluate(context.Background(), &EvaluationRequest{Content: "hello", OrganizationID: "org-1"}, snap)

	if len(result.PolicyResults) != 4 {
		t.Fatalf("got %d results, want 4", len(result.PolicyResults))
	}
	for i, want := range []string{"p0", "p1", "p2", "p3"} {
		if got := result.PolicyResults[i].PolicyID; got != want {
			t.Errorf("result[%d] = %s, want %s", i, got, want)
		}
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.OverallScore != 0.6 {
		t.Errorf("overall score = %v, want 0.6", result.OverallScore)
	}
	if result.CompletedAt == nil {
		t.Error("completed_at should be set")
	}
}

func TestScheduler_ExplicitPolicyIDs(t *testing.T) {
	reg := fakeRegistry(&fakeEvaluator{typ: policy.TypeKeywordFilter, fn: passOutcome(1.0)})

	known := makePolicy("known", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityMedium)
	inactive := makePolicy("inactive", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityMedium)
	inactive.Status = policy.StatusInactive
	snap := policy.NewSnapshot([]*policy.Policy{known, inactive})

	s := newTestScheduler(reg, SchedulerConfig{})
	result := s.Evaluate(context.Background(), &EvaluationRequest{
		Content:        "hello",
		OrganizationID: "org-1",
		PolicyIDs:      []string{"missing", "known"},
	}, snap)

	if len(result.PolicyResults) != 2 {
		t.Fatalf("got %d results, want 2", len(result.PolicyResults))
	}

	missing := result.PolicyResults[0]
	if missing.PolicyID != "missing" || missing.Status != StatusFailed {
		t.Errorf("unknown id slot = %s/%s, want missing/failed", missing.PolicyID, missing.Status)
	}
	if missing.ErrorMessage != msgUnknownPolicy {
		t.Errorf("unknown id error = %q, want %q", missing.ErrorMessage, msgUnknownPolicy)
	}

	if result.PolicyResults[1].Status != StatusCompleted {
		t.Errorf("known policy status = %s, want completed", result.PolicyResults[1].Status)
	}
	// One failure among successes does not fail the evaluation.
	if result.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
}

func TestScheduler_EarlyExitSkipsSlowTier(t *testing.T) {
	slowFake := &fakeEvaluator{typ: policy.TypeContentSafety, fn: passOutcome(1.0)}
	reg := fakeRegistry(
		&fakeEvaluator{typ: policy.TypeKeywordFilter, fn: violationOutcome()},
		slowFake,
	)

	pols := []*policy.Policy{
		makePolicy("fast-block", policy.TypeKeywordFilter, policy.ActionBlock, policy.SeverityCritical),
		makePolicy("slow-1", policy.TypeContentSafety, policy.ActionWarn, policy.SeverityMedium),
		makePolicy("slow-2", policy.TypeContentSafety, policy.ActionWarn, policy.SeverityMedium),
	}
	snap := policy.NewSnapshot(pols)

	s := newTestScheduler(reg, SchedulerConfig{})
	start := time.Now()
	result := s.Evaluate(context.Background(), &EvaluationRequest{Content: "bad words", OrganizationID: "org-1"}, snap)
	elapsed := time.Since(start)

	if result.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", result.Status)
	}
	if result.BlockedBy != "fast-block" {
		t.Errorf("blocked_by = %s, want fast-block", result.BlockedBy)
	}
	if slowFake.callCount() != 0 {
		t.Errorf("slow tier ran %d times, want 0 after early exit", slowFake.callCount())
	}
	for _, i := range []int{1, 2} {
		if got := result.PolicyResults[i].Status; got != StatusPending {
			t.Errorf("skipped slot %d status = %s, want pending", i, got)
		}
	}
	// Early exit keeps the whole request inside the fast-tier budget.
	if elapsed > time.Second {
		t.Errorf("early-exited evaluation took %v", elapsed)
	}
}

func TestScheduler_WarnViolationDoesNotEarlyExit(t *testing.T) {
	slowFake := &fakeEvaluator{typ: policy.TypeContentSafety, fn: passOutcome(1.0)}
	reg := fakeRegistry(
		&fakeEvaluator{typ: policy.TypeKeywordFilter, fn: violationOutcome()},
		slowFake,
	)

	pols := []*policy.Policy{
		makePolicy("fast-warn", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityHigh),
		makePolicy("slow-1", policy.TypeContentSafety, policy.ActionWarn, policy.SeverityMedium),
	}
	snap := policy.NewSnapshot(pols)

	s := newTestScheduler(reg, SchedulerConfig{})
	result := s.Evaluate(context.Background(), &EvaluationRequest{Content: "bad words", OrganizationID: "org-1"}, snap)

	if slowFake.callCount() != 1 {
		t.Errorf("slow tier ran %d times, want 1", slowFake.callCount())
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if !result.HasViolations {
		t.Error("warn violation should surface in HasViolations")
	}
}

func TestScheduler_TimeoutIsolatesPolicy(t *testing.T) {
	reg := fakeRegistry(&fakeEvaluator{
		typ: policy.TypeKeywordFilter,
		fn: func(ctx context.Context, content string, pol *policy.Policy) (*evaluator.Outcome, error) {
			if pol.ID == "hung" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &evaluator.Outcome{Score: 0.9, Confidence: 1.0}, nil
		},
	})

	pols := []*policy.Policy{
		makePolicy("hung", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityMedium),
		makePolicy("healthy", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityMedium),
	}
	snap := policy.NewSnapshot(pols)

	s := newTestScheduler(reg, SchedulerConfig{FastTimeout: 30 * time.Millisecond})
	result := s.Evaluate(context.Background(), &EvaluationRequest{Content: "hello", OrganizationID: "org-1"}, snap)

	hung := result.PolicyResults[0]
	if hung.Status != StatusFailed {
		t.Fatalf("hung policy status = %s, want failed", hung.Status)
	}
	if hung.ErrorMessage != msgTimeout {
		t.Errorf("hung policy error = %q, want %q", hung.ErrorMessage, msgTimeout)
	}

	healthy := result.PolicyResults[1]
	if healthy.Status != StatusCompleted {
		t.Errorf("healthy policy status = %s, want completed", healthy.Status)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.OverallScore != 0.9 {
		t.Errorf("overall score = %v, want 0.9", result.OverallScore)
	}
}

func TestScheduler_EvaluatorPanicIsContained(t *testing.T) {
	reg := fakeRegistry(&fakeEvaluator{
		typ: policy.TypeKeywordFilter,
		fn: func(context.Context, string, *policy.Policy) (*evaluator.Outcome, error) {
			panic("evaluator bug")
		},
	})

	snap := policy.NewSnapshot([]*policy.Policy{
		makePolicy("panics", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityMedium),
	})

	s := newTestScheduler(reg, SchedulerConfig{})
	result := s.Evaluate(context.Background(), &EvaluationRequest{Content: "hello", OrganizationID: "org-1"}, snap)

	if result.PolicyResults[0].Status != StatusFailed {
		t.Fatalf("panicking policy status = %s, want failed", result.PolicyResults[0].Status)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s, want failed (only policy failed)", result.Status)
	}
}

func TestScheduler_EmptySnapshot(t *testing.T) {
	reg := fakeRegistry()
	snap := policy.NewSnapshot(nil)

	s := newTestScheduler(reg, SchedulerConfig{})
	result := s.Evaluate(context.Background(), &EvaluationRequest{Content: "hello", OrganizationID: "org-1"}, snap)

	if result.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.OverallScore != 1.0 {
		t.Errorf("overall score = %v, want 1.0", result.OverallScore)
	}
	if len(result.PolicyResults) != 0 {
		t.Errorf("got %d results, want 0", len(result.PolicyResults))
	}
}

// The deterministic evaluator types (keyword_filter, performance) must
// produce identical results for identical content against the same
// snapshot. content_safety and semantic depend on an external scorer
// and carry no such guarantee.
func TestScheduler_DeterministicTypesRepeatIdentically(t *testing.T) {
	reg := evaluator.NewRegistry(evaluator.RegistryConfig{}, zerolog.Nop())

	keyword := makePolicy("kw", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityMedium)
	keyword.Config = &policy.KeywordFilterConfig{
		ConfigBase: policy.ConfigBase{OnViolation: policy.ActionWarn, ViolationSeverity: policy.SeverityMedium},
		Patterns:   []string{"password"},
	}
	perf := makePolicy("perf", policy.TypePerformance, policy.ActionWarn, policy.SeverityMedium)
	perf.Config = &policy.PerformanceConfig{
		ConfigBase:      policy.ConfigBase{OnViolation: policy.ActionWarn, ViolationSeverity: policy.SeverityMedium},
		MinQualityScore: 0.1,
		MaxTokens:       4000,
	}
	snap := policy.NewSnapshot([]*policy.Policy{keyword, perf})

	s := newTestScheduler(reg, SchedulerConfig{})
	req := func() *EvaluationRequest {
		return &EvaluationRequest{Content: "please share your password with support", OrganizationID: "org-1"}
	}

	first := s.Evaluate(context.Background(), req(), snap)
	second := s.Evaluate(context.Background(), req(), snap)

	if len(first.PolicyResults) != 2 || len(second.PolicyResults) != 2 {
		t.Fatalf("got %d and %d results, want 2 each", len(first.PolicyResults), len(second.PolicyResults))
	}
	for i := range first.PolicyResults {
		a, b := first.PolicyResults[i], second.PolicyResults[i]
		if a.PolicyID != b.PolicyID || a.Status != b.Status {
			t.Errorf("result[%d]: %s/%s vs %s/%s", i, a.PolicyID, a.Status, b.PolicyID, b.Status)
		}
		if a.Violation != b.Violation || a.Score != b.Score {
			t.Errorf("result[%d] %s: violation %v/%v score %v/%v", i, a.PolicyID, a.Violation, b.Violation, a.Score, b.Score)
		}
	}
	if !first.PolicyResults[0].Violation {
		t.Errorf("keyword policy did not flag the content")
	}
	if first.OverallScore != second.OverallScore || first.HasViolations != second.HasViolations {
		t.Errorf("aggregates differ: %v/%v vs %v/%v",
			first.OverallScore, first.HasViolations, second.OverallScore, second.HasViolations)
	}
}

func TestScheduler_RecordsViolationAndGaugeMetrics(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "promptgate_sched_test"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	reg := fakeRegistry(&fakeEvaluator{typ: policy.TypeKeywordFilter, fn: violationOutcome()})
	snap := policy.NewSnapshot([]*policy.Policy{
		makePolicy("p0", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityMedium),
	})

	s := NewScheduler(reg, SchedulerConfig{}, zerolog.Nop(), metrics, nil)
	s.Evaluate(context.Background(), &EvaluationRequest{Content: "hello", OrganizationID: "org-1"}, snap)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `promptgate_sched_test_violations_total{action="warn",type="keyword_filter"} 1`) {
		t.Errorf("violations counter not recorded:\n%s", body)
	}
	if !strings.Contains(body, "promptgate_sched_test_active_evaluations 0") {
		t.Errorf("active evaluations gauge not settled:\n%s", body)
	}
}

func TestScheduler_CancelledContextDispatchesNothing(t *testing.T) {
	fake := &fakeEvaluator{typ: policy.TypeKeywordFilter, fn: passOutcome(0.9)}
	reg := fakeRegistry(fake)
	snap := policy.NewSnapshot([]*policy.Policy{
		makePolicy("p0", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityMedium),
		makePolicy("p1", policy.TypeKeywordFilter, policy.ActionWarn, policy.SeverityMedium),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScheduler(reg, SchedulerConfig{})
	result := s.Evaluate(ctx, &EvaluationRequest{Content: "hello", OrganizationID: "org-1"}, snap)

	if got := fake.callCount(); got != 0 {
		t.Fatalf("dispatched %d evaluators on a cancelled context, want 0", got)
	}
	for i, pr := range result.PolicyResults {
		if pr.Status != StatusPending {
			t.Errorf("result[%d] status = %s, want pending", i, pr.Status)
		}
	}
}
