package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/policy"
)

// AuditSink receives completed evaluation results for durable
// recording. Implementations must not mutate the result.
type AuditSink interface {
	Record(ctx context.Context, result *EvaluationResult) error
}

// MultiSink fans a result out to several sinks. A failing sink does
// not stop the others.
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, result *EvaluationResult) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, result); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Service is the evaluation entry point: it validates requests, takes
// a policy snapshot, runs the scheduler, and records the outcome.
type Service struct {
	store     policy.Store
	scheduler *Scheduler
	sink      AuditSink
	logger    zerolog.Logger
}

// NewService creates an evaluation service. The sink may be nil, in
// which case results are not recorded.
func NewService(store policy.Store, scheduler *Scheduler, sink AuditSink, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		scheduler: scheduler,
		sink:      sink,
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// Evaluate runs one evaluation request end to end. Requests with
// empty content fail validation. A snapshot failure produces a failed
// result rather than an error, so callers always get a result to act
// on.
func (s *Service) Evaluate(ctx context.Context, req *EvaluationRequest) (*EvaluationResult, error) {
	if req == nil {
		return nil, s.failure(NewPermanentError("request is nil", nil).WithCode(ErrCodeValidation))
	}
	if req.Content == "" {
		return nil, s.failure(NewPermanentError("content must not be empty", nil).WithCode(ErrCodeValidation))
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	snap, err := s.store.Snapshot(ctx, req.OrganizationID)
	if err != nil {
		s.logger.Error().
			Str("request_id", req.ID).
			Err(err).
			Msg("Policy snapshot failed")
		result := s.failedResult(req, s.failure(NewUnavailableError("policy store unavailable", err).WithCode(ErrCodeStoreDown)))
		s.record(ctx, result)
		return result, nil
	}

	result := s.scheduler.Evaluate(ctx, req, snap)
	s.record(ctx, result)
	return result, nil
}

// failure counts a classified error before it is returned or folded
// into a failed result.
func (s *Service) failure(e *EngineError) *EngineError {
	if s.scheduler != nil {
		s.scheduler.metrics.RecordError(string(e.Class), e.Code)
	}
	return e
}

// failedResult builds a terminal failed result carrying no policy
// results, used when the pipeline could not start at all.
func (s *Service) failedResult(req *EvaluationRequest, cause error) *EvaluationResult {
	now := time.Now().UTC()
	return &EvaluationResult{
		ID:             uuid.New().String(),
		RequestID:      req.ID,
		OrganizationID: req.OrganizationID,
		Status:         StatusFailed,
		OverallScore:   0.0,
		Metadata:       req.Metadata,
		ErrorMessage:   cause.Error(),
		CreatedAt:      now,
		CompletedAt:    &now,
	}
}

func (s *Service) record(ctx context.Context, result *EvaluationResult) {
	if s.sink == nil {
		return
	}
	// Recording failures never fail the evaluation itself.
	if err := s.sink.Record(ctx, result); err != nil {
		s.logger.Warn().
			Str("evaluation_id", result.ID).
			Err(err).
			Msg("Audit record failed")
	}
}
