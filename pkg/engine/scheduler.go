package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/promptgate/promptgate/pkg/evaluator"
	"github.com/promptgate/promptgate/pkg/policy"
	"github.com/promptgate/promptgate/pkg/scorer"
	"github.com/promptgate/promptgate/pkg/telemetry"
)

// SchedulerConfig bounds the evaluation pipeline.
type SchedulerConfig struct {
	// FastTimeout is the per-evaluator deadline for the deterministic
	// tier (keyword_filter, performance).
	FastTimeout time.Duration

	// SlowTimeout is the per-evaluator deadline for the ML-backed tier
	// (content_safety, semantic).
	SlowTimeout time.Duration

	// MaxParallel caps concurrent evaluator invocations within a tier.
	MaxParallel int
}

// DefaultSchedulerConfig returns the default pipeline bounds. The
// whole-request ceiling is FastTimeout + SlowTimeout, since the
// scheduler waits at most one timeout per tier.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		FastTimeout: 50 * time.Millisecond,
		SlowTimeout: 2 * time.Second,
		MaxParallel: 8,
	}
}

// Scheduler orders and dispatches evaluators for one evaluation
// request: fast tier first with early exit, then the slow tier, every
// invocation isolated under its own deadline.
type Scheduler struct {
	registry *evaluator.Registry
	cfg      SchedulerConfig
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	active atomic.Int64
}

// NewScheduler creates a scheduler. Metrics and tracer may be nil.
func NewScheduler(registry *evaluator.Registry, cfg SchedulerConfig, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Scheduler {
	if cfg.FastTimeout <= 0 {
		cfg.FastTimeout = DefaultSchedulerConfig().FastTimeout
	}
	if cfg.SlowTimeout <= 0 {
		cfg.SlowTimeout = DefaultSchedulerConfig().SlowTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultSchedulerConfig().MaxParallel
	}
	return &Scheduler{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// candidate pairs a resolved policy with its slot index. A nil policy
// marks an unknown explicit id whose slot is prefilled as failed.
type candidate struct {
	index int
	pol   *policy.Policy
}

// Evaluate runs the full pipeline against a policy snapshot. It always
// returns a complete result: every candidate policy has an entry in
// PolicyResults, in resolution order, whether it ran or not.
func (s *Scheduler) Evaluate(ctx context.Context, req *EvaluationRequest, snap *policy.Snapshot) *EvaluationResult {
	start := time.Now()

	s.metrics.SetActiveEvaluations(float64(s.active.Add(1)))
	defer func() { s.metrics.SetActiveEvaluations(float64(s.active.Add(-1))) }()

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx, span := telemetry.StartSpan(ctx, s.tracer, "evaluation.run",
		attribute.String("request.id", req.ID),
		attribute.String("organization.id", req.OrganizationID),
	)
	defer span.End()

	result := &EvaluationResult{
		ID:             uuid.New().String(),
		RequestID:      req.ID,
		OrganizationID: req.OrganizationID,
		Status:         StatusRunning,
		Metadata:       req.Metadata,
		CreatedAt:      start.UTC(),
	}

	slots, candidates := s.resolve(req, snap)

	var fast, slow []candidate
	for _, c := range candidates {
		if c.pol.Type.Fast() {
			fast = append(fast, c)
		} else {
			slow = append(slow, c)
		}
	}

	earlyExit := s.runTier(ctx, req.Content, slots, fast, s.cfg.FastTimeout, true)
	if earlyExit {
		s.metrics.RecordEarlyExit()
		s.logger.Debug().
			Str("request_id", req.ID).
			Msg("Early exit after fast tier, slow tier skipped")
	} else {
		s.runTier(ctx, req.Content, slots, slow, s.cfg.SlowTimeout, false)
	}

	result.PolicyResults = slots

	verdict := Aggregate(slots)
	result.OverallScore = verdict.OverallScore
	result.HasViolations = verdict.HasViolations
	result.Status = verdict.Status
	result.BlockedBy = verdict.BlockedBy

	completed := time.Now().UTC()
	result.CompletedAt = &completed
	result.TotalExecutionTimeMS = float64(time.Since(start).Microseconds()) / 1000.0

	s.metrics.RecordEvaluation(string(result.Status), time.Since(start))
	span.SetAttributes(
		attribute.String("evaluation.status", string(result.Status)),
		attribute.Bool("evaluation.has_violations", result.HasViolations),
		attribute.Int("evaluation.policies", len(slots)),
	)

	s.logger.Info().
		Str("request_id", req.ID).
		Str("status", string(result.Status)).
		Bool("has_violations", result.HasViolations).
		Int("policies", len(slots)).
		Float64("duration_ms", result.TotalExecutionTimeMS).
		Msg("Evaluation completed")

	return result
}

// resolve builds the ordered result slots and the dispatchable
// candidate list. Unknown explicit ids become failed slots without
// aborting the request.
func (s *Scheduler) resolve(req *EvaluationRequest, snap *policy.Snapshot) ([]PolicyEvaluationResult, []candidate) {
	var pols []*policy.Policy
	var unknown map[int]string

	if len(req.PolicyIDs) > 0 {
		unknown = make(map[int]string)
		for i, id := range req.PolicyIDs {
			p, ok := snap.Get(id)
			if !ok {
				unknown[i] = id
				pols = append(pols, nil)
				continue
			}
			pols = append(pols, p)
		}
	} else {
		pols = snap.Active()
	}

	slots := make([]PolicyEvaluationResult, len(pols))
	candidates := make([]candidate, 0, len(pols))

	for i, p := range pols {
		if p == nil {
			id := unknown[i]
			slots[i] = PolicyEvaluationResult{
				PolicyID:     id,
				Status:       StatusFailed,
				ErrorMessage: msgUnknownPolicy,
			}
			s.metrics.RecordPolicyEvaluation("", string(StatusFailed), 0)
			continue
		}
		slots[i] = PolicyEvaluationResult{
			PolicyID:   p.ID,
			PolicyName: p.Name,
			PolicyType: p.Type,
			Action:     p.Action(),
			Severity:   p.Severity(),
			Status:     StatusPending,
		}
		candidates = append(candidates, candidate{index: i, pol: p})
	}

	return slots, candidates
}

// runTier dispatches one tier concurrently and waits for every
// dispatched evaluator to reach a terminal state, bounded per
// evaluator by timeout. With allowEarlyExit, the first block-action
// violation stops further dispatch; undispatched slots stay pending.
// Returns whether an early exit was triggered.
func (s *Scheduler) runTier(ctx context.Context, content string, slots []PolicyEvaluationResult, tier []candidate, timeout time.Duration, allowEarlyExit bool) bool {
	if len(tier) == 0 {
		return false
	}

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	sem := make(chan struct{}, s.cfg.MaxParallel)
	var wg sync.WaitGroup
	var exit bool
	var mu sync.Mutex

	for _, c := range tier {
		// Early exit cancels dispatch of remaining candidates only;
		// in-flight siblings run to completion and their results are
		// kept. The cancellation check comes first on its own so a
		// free semaphore slot cannot win the race against it.
		if dispatchCtx.Err() != nil {
			continue
		}
		select {
		case <-dispatchCtx.Done():
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			res := s.runOne(ctx, content, c.pol, timeout)
			slots[c.index] = res

			if allowEarlyExit && res.Violation && res.Action == policy.ActionBlock {
				mu.Lock()
				exit = true
				mu.Unlock()
				stopDispatch()
			}
		}(c)
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return exit
}

// runOne executes a single evaluator invocation in isolation: its own
// deadline, panic recovery, and failure conversion. A hung evaluator
// is abandoned at its deadline and its eventual result discarded.
func (s *Scheduler) runOne(ctx context.Context, content string, pol *policy.Policy, timeout time.Duration) PolicyEvaluationResult {
	start := time.Now()

	res := PolicyEvaluationResult{
		PolicyID:   pol.ID,
		PolicyName: pol.Name,
		PolicyType: pol.Type,
		Action:     pol.Action(),
		Severity:   pol.Severity(),
		Status:     StatusRunning,
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type evalReturn struct {
		out *evaluator.Outcome
		err error
	}
	done := make(chan evalReturn, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalReturn{err: fmt.Errorf("evaluator panic: %v", r)}
			}
		}()

		ev, err := s.registry.For(pol.Type)
		if err != nil {
			done <- evalReturn{err: err}
			return
		}
		out, err := ev.Evaluate(evalCtx, content, pol)
		done <- evalReturn{out: out, err: err}
	}()

	var ret evalReturn
	select {
	case ret = <-done:
	case <-evalCtx.Done():
		ret = evalReturn{err: evalCtx.Err()}
	}

	elapsed := time.Since(start)
	res.ExecutionTimeMS = float64(elapsed.Microseconds()) / 1000.0

	if ret.err != nil {
		res.Status = StatusFailed
		res.ErrorMessage = failureMessage(ret.err)
		s.logger.Warn().
			Str("policy_id", pol.ID).
			Str("policy_type", string(pol.Type)).
			Str("error", ret.err.Error()).
			Msg("Policy evaluation failed")
		s.metrics.RecordPolicyEvaluation(string(pol.Type), string(StatusFailed), elapsed)
		return res
	}

	res.Score = ret.out.Score
	res.Confidence = ret.out.Confidence
	res.Violation = ret.out.Violation
	res.Details = ret.out.Details

	if res.Violation && res.Action == policy.ActionBlock {
		res.Status = StatusBlocked
	} else {
		res.Status = StatusCompleted
	}

	if res.Violation {
		s.metrics.RecordViolation(string(pol.Type), string(res.Action))
	}
	s.metrics.RecordPolicyEvaluation(string(pol.Type), string(res.Status), elapsed)
	return res
}

// failureMessage maps evaluator errors onto the canonical per-policy
// failure messages.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimeout
	case errors.Is(err, scorer.ErrUnavailable):
		return msgScorerDown
	case errors.Is(err, policy.ErrInvalidConfig):
		return msgInvalidConfig
	}
	return err.Error()
}
