package proxy

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/engine"
	"github.com/promptgate/promptgate/pkg/telemetry"
)

// Guard stages.
const (
	StageRequest  = "request"
	StageResponse = "response"
)

// Decision is the outcome of a guard check.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

// Guard runs the evaluation pipeline over proxied traffic and decides
// whether it may pass.
type Guard struct {
	svc        *engine.Service
	failClosed bool
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
}

// NewGuard creates a guard. With failClosed, traffic is blocked when
// the pipeline itself fails; the default is to let it through.
func NewGuard(svc *engine.Service, failClosed bool, logger zerolog.Logger, metrics *telemetry.Metrics) *Guard {
	return &Guard{
		svc:        svc,
		failClosed: failClosed,
		logger:     logger.With().Str("component", "guard").Logger(),
		metrics:    metrics,
	}
}

// Check evaluates content at the given stage. The returned result is
// nil only when the pipeline failed before producing one.
func (g *Guard) Check(ctx context.Context, content, orgID, stage string) (Decision, *engine.EvaluationResult) {
	req := &engine.EvaluationRequest{
		Content:        content,
		OrganizationID: orgID,
		Metadata:       map[string]string{"stage": stage},
	}

	result, err := g.svc.Evaluate(ctx, req)
	if err != nil {
		return g.failDecision(stage, err), nil
	}
	if result.Status == engine.StatusFailed {
		return g.failDecision(stage, nil), result
	}

	decision := DecisionAllow
	if result.Status == engine.StatusBlocked {
		decision = DecisionBlock
	}

	g.metrics.RecordGuardDecision(stage, string(decision))
	if decision == DecisionBlock {
		g.logger.Info().
			Str("stage", stage).
			Str("evaluation_id", result.ID).
			Str("blocked_by", result.BlockedBy).
			Msg("Guard blocked traffic")
	}
	return decision, result
}

// failDecision resolves the fail-open/fail-closed posture when the
// pipeline could not evaluate.
func (g *Guard) failDecision(stage string, err error) Decision {
	decision := DecisionAllow
	if g.failClosed {
		decision = DecisionBlock
	}
	ev := g.logger.Warn().Str("stage", stage).Str("decision", string(decision))
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("Evaluation unavailable, applying failure posture")
	g.metrics.RecordGuardDecision(stage, string(decision))
	return decision
}

// joinMessages flattens a conversation into the content string the
// pipeline evaluates.
func joinMessages(messages []ChatMessage) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, " ")
}
