// Package engine implements the real-time policy evaluation pipeline:
// the two-tier scheduler, the decision aggregator, and the service
// facade that snapshots the policy store and records audit entries.
package engine

import (
	"time"

	"github.com/promptgate/promptgate/pkg/policy"
)

// Status is the lifecycle state of an evaluation or of one policy's
// result within it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// EvaluationRequest asks for content to be evaluated for one
// organization. An empty PolicyIDs list means all active policies in
// the organization's snapshot apply.
type EvaluationRequest struct {
	// ID correlates the request through results and audit records.
	// Assigned when empty.
	ID string `json:"id,omitempty"`

	// Content is the text to evaluate.
	Content string `json:"content"`

	// PolicyIDs optionally restricts evaluation to an explicit subset.
	PolicyIDs []string `json:"policy_ids,omitempty"`

	// OrganizationID scopes the policy snapshot.
	OrganizationID string `json:"organization_id"`

	// Metadata carries opaque key/value pairs echoed into the result
	// for audit correlation.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PolicyEvaluationResult is the outcome of one policy within an
// evaluation. Policy identity fields are captured at evaluation time
// and are immune to later policy edits.
type PolicyEvaluationResult struct {
	PolicyID   string          `json:"policy_id"`
	PolicyName string          `json:"policy_name"`
	PolicyType policy.Type     `json:"policy_type"`
	Action     policy.Action   `json:"action"`
	Severity   policy.Severity `json:"severity"`

	Status Status `json:"status"`

	// Score is the fraction of the content judged safe, in [0,1].
	Score float64 `json:"score"`

	// Confidence is the evaluator's certainty, in [0,1].
	Confidence float64 `json:"confidence"`

	Violation bool `json:"violation"`

	// Details is the evaluator-specific structured explanation.
	Details map[string]any `json:"details,omitempty"`

	ExecutionTimeMS float64 `json:"execution_time_ms"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// EvaluationResult is the complete, auditable outcome of one
// evaluation request. PolicyResults is ordered exactly as policies
// were resolved, regardless of execution concurrency; early-exited
// policies stay pending in place.
type EvaluationResult struct {
	ID             string `json:"id"`
	RequestID      string `json:"request_id"`
	OrganizationID string `json:"organization_id"`

	Status Status `json:"status"`

	// OverallScore is the most conservative (minimum) score among
	// successfully evaluated policies.
	OverallScore float64 `json:"overall_score"`

	HasViolations bool `json:"has_violations"`

	// BlockedBy is the id of the policy whose block-action violation
	// decided a blocked verdict, chosen by severity then dispatch order.
	BlockedBy string `json:"blocked_by,omitempty"`

	PolicyResults []PolicyEvaluationResult `json:"policy_results"`

	TotalExecutionTimeMS float64 `json:"total_execution_time_ms"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// ErrorMessage is set only when the pipeline itself failed before
	// any policy could run.
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
