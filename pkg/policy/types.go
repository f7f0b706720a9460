// Package policy defines the policy model for the evaluation engine:
// typed policy configurations, lifecycle status, the Store interface,
// and immutable point-in-time snapshots handed to evaluations.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies the evaluator variant a policy is bound to.
// The set is closed; adding a variant is a deliberate extension point
// that must be matched exhaustively wherever Type is switched on.
type Type string

const (
	// TypeKeywordFilter matches content against configured patterns.
	TypeKeywordFilter Type = "keyword_filter"

	// TypePerformance checks structural response quality deterministically.
	TypePerformance Type = "performance"

	// TypeContentSafety delegates to an ML toxicity scoring collaborator.
	TypeContentSafety Type = "content_safety"

	// TypeSemantic delegates to an embedding similarity collaborator.
	TypeSemantic Type = "semantic"
)

// Valid reports whether t is one of the known policy types.
func (t Type) Valid() bool {
	switch t {
	case TypeKeywordFilter, TypePerformance, TypeContentSafety, TypeSemantic:
		return true
	}
	return false
}

// Fast reports whether the type belongs to the deterministic low-latency
// tier. Fast-tier policies are dispatched first and are the only ones
// allowed to trigger early exit.
func (t Type) Fast() bool {
	return t == TypeKeywordFilter || t == TypePerformance
}

// Status represents the lifecycle status of a policy.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known policy status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusInactive:
		return true
	}
	return false
}

// Action is what the engine does when a policy finds a violation.
type Action string

const (
	// ActionBlock rejects the content and short-circuits evaluation
	// when raised by a fast-tier policy.
	ActionBlock Action = "block"

	// ActionWarn flags the content without rejecting it.
	ActionWarn Action = "warn"

	// ActionLog records the violation for audit only.
	ActionLog Action = "log"
)

// Valid reports whether a is a known violation action.
func (a Action) Valid() bool {
	switch a {
	case ActionBlock, ActionWarn, ActionLog:
		return true
	}
	return false
}

// Severity ranks how serious a policy violation is. It breaks ties when
// several block-action violations occur in one evaluation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the numeric ordering of a severity, higher is more severe.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Policy is a named, versioned rule applied to evaluate content.
// Type is immutable after creation; every mutation of the remaining
// mutable fields increments Version.
type Policy struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Type           Type      `json:"type"`
	Status         Status    `json:"status"`
	Config         Config    `json:"config"`
	OrganizationID string    `json:"organization_id"`
	Version        int       `json:"version"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Action returns the configured violation action, defaulting to warn
// when the policy carries no config.
func (p *Policy) Action() Action {
	if p.Config == nil {
		return ActionWarn
	}
	return p.Config.Action()
}

// Severity returns the configured violation severity, defaulting to medium.
func (p *Policy) Severity() Severity {
	if p.Config == nil {
		return SeverityMedium
	}
	return p.Config.Severity()
}

// Validate checks the policy's structural fields and its typed config.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: unknown policy type %q", ErrInvalidConfig, p.Type)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown policy status %q", ErrInvalidConfig, p.Status)
	}
	if p.Config == nil {
		return fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	if p.Config.Type() != p.Type {
		return fmt.Errorf("%w: config type %q does not match policy type %q",
			ErrInvalidConfig, p.Config.Type(), p.Type)
	}
	return p.Config.Validate()
}

// Clone returns a deep copy of the policy. Snapshots clone policies so
// later edits cannot change the outcome of an in-flight evaluation.
func (p *Policy) Clone() *Policy {
	cp := *p
	if p.Tags != nil {
		cp.Tags = append([]string(nil), p.Tags...)
	}
	if p.Config != nil {
		cp.Config = p.Config.clone()
	}
	return &cp
}

// policyJSON mirrors Policy with a raw config payload for decoding.
type policyJSON struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Type           Type            `json:"type"`
	Status         Status          `json:"status"`
	Config         json.RawMessage `json:"config"`
	OrganizationID string          `json:"organization_id"`
	Version        int             `json:"version"`
	Tags           []string        `json:"tags,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// UnmarshalJSON decodes a policy, selecting the concrete config type
// from the policy type tag.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw policyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	cfg, err := DecodeConfigJSON(raw.Type, raw.Config)
	if err != nil {
		return err
	}

	*p = Policy{
		ID:             raw.ID,
		Name:           raw.Name,
		Description:    raw.Description,
		Type:           raw.Type,
		Status:         raw.Status,
		Config:         cfg,
		OrganizationID: raw.OrganizationID,
		Version:        raw.Version,
		Tags:           raw.Tags,
		CreatedBy:      raw.CreatedBy,
		CreatedAt:      raw.CreatedAt,
		UpdatedAt:      raw.UpdatedAt,
	}
	return nil
}

// Sentinel errors shared by policy stores and the loader.
var (
	// ErrNotFound is returned when a policy id does not exist in a store.
	ErrNotFound = errors.New("policy not found")

	// ErrInvalidConfig is returned for malformed policy configuration.
	// It is detected at creation/activation time where possible so that
	// evaluation-time failures stay rare.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrTypeImmutable is returned when an update tries to change a
	// policy's type.
	ErrTypeImmutable = errors.New("policy type is immutable")
)
