package policy

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is the shared struct validator for config types.
var validate = validator.New()

// Config is the typed, per-variant policy configuration. Concrete types
// form a closed set matching the policy Type set.
type Config interface {
	// Type returns the policy type this config belongs to.
	Type() Type

	// Action returns the configured violation action.
	Action() Action

	// Severity returns the configured violation severity.
	Severity() Severity

	// Validate checks the configuration for use at activation time.
	Validate() error

	clone() Config
}

// ConfigBase carries the fields every policy config shares.
type ConfigBase struct {
	OnViolation       Action   `json:"action" yaml:"action" validate:"required,oneof=block warn log"`
	ViolationSeverity Severity `json:"severity" yaml:"severity" validate:"required,oneof=low medium high critical"`
}

// Action returns the configured violation action.
func (b ConfigBase) Action() Action { return b.OnViolation }

// Severity returns the configured violation severity.
func (b ConfigBase) Severity() Severity { return b.ViolationSeverity }

// KeywordFilterConfig configures the keyword_filter evaluator.
type KeywordFilterConfig struct {
	ConfigBase `yaml:",inline"`

	// Patterns are regular expressions tested against content.
	Patterns []string `json:"patterns" yaml:"patterns" validate:"required,min=1,dive,required"`

	// CaseSensitive disables the default case-insensitive matching.
	CaseSensitive bool `json:"case_sensitive" yaml:"case_sensitive"`

	// WholeWordsOnly wraps each pattern in word boundaries.
	WholeWordsOnly bool `json:"whole_words_only" yaml:"whole_words_only"`
}

func (c *KeywordFilterConfig) Type() Type { return TypeKeywordFilter }

func (c *KeywordFilterConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for i, p := range c.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: pattern %d does not compile: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

func (c *KeywordFilterConfig) clone() Config {
	cp := *c
	cp.Patterns = append([]string(nil), c.Patterns...)
	return &cp
}

// PerformanceConfig configures the performance evaluator.
type PerformanceConfig struct {
	ConfigBase `yaml:",inline"`

	// MinLength and MaxLength bound the content length in bytes.
	// A zero MaxLength means unbounded.
	MinLength int `json:"min_length" yaml:"min_length" validate:"min=0"`
	MaxLength int `json:"max_length" yaml:"max_length" validate:"min=0"`

	// MinQualityScore is the lowest acceptable heuristic quality score.
	MinQualityScore float64 `json:"min_quality_score" yaml:"min_quality_score" validate:"min=0,max=1"`

	// MaxTokens bounds the whitespace-token count. Zero means unbounded.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" validate:"min=0"`
}

func (c *PerformanceConfig) Type() Type { return TypePerformance }

func (c *PerformanceConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MaxLength > 0 && c.MinLength > c.MaxLength {
		return fmt.Errorf("%w: min_length %d exceeds max_length %d",
			ErrInvalidConfig, c.MinLength, c.MaxLength)
	}
	return nil
}

func (c *PerformanceConfig) clone() Config {
	cp := *c
	return &cp
}

// ContentSafetyConfig configures the content_safety evaluator.
type ContentSafetyConfig struct {
	ConfigBase `yaml:",inline"`

	// ToxicityThreshold is the category probability at or above which
	// content is a violation.
	ToxicityThreshold float64 `json:"toxicity_threshold" yaml:"toxicity_threshold" validate:"gt=0,max=1"`

	// Categories are the safety categories requested from the scorer.
	Categories []string `json:"categories" yaml:"categories" validate:"required,min=1,dive,required"`
}

func (c *ContentSafetyConfig) Type() Type { return TypeContentSafety }

func (c *ContentSafetyConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *ContentSafetyConfig) clone() Config {
	cp := *c
	cp.Categories = append([]string(nil), c.Categories...)
	return &cp
}

// SemanticConfig configures the semantic similarity evaluator.
type SemanticConfig struct {
	ConfigBase `yaml:",inline"`

	// SimilarityThreshold is the cosine similarity at or above which
	// content is considered a match against a reference text.
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold" validate:"gt=0,max=1"`

	// ReferenceTexts are the texts content is compared against.
	ReferenceTexts []string `json:"reference_texts" yaml:"reference_texts" validate:"required,min=1,dive,required"`
}

func (c *SemanticConfig) Type() Type { return TypeSemantic }

func (c *SemanticConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *SemanticConfig) clone() Config {
	cp := *c
	cp.ReferenceTexts = append([]string(nil), c.ReferenceTexts...)
	return &cp
}

// DefaultCategories are the safety categories checked when a policy
// document omits them.
var DefaultCategories = []string{"hate", "harassment", "violence", "sexual"}

// newConfig returns the default config value for a policy type.
// Documents may omit defaulted fields.
func newConfig(t Type) (Config, error) {
	base := ConfigBase{OnViolation: ActionWarn, ViolationSeverity: SeverityMedium}
	switch t {
	case TypeKeywordFilter:
		return &KeywordFilterConfig{ConfigBase: base}, nil
	case TypePerformance:
		return &PerformanceConfig{ConfigBase: base, MinQualityScore: 0.7, MaxTokens: 4000}, nil
	case TypeContentSafety:
		return &ContentSafetyConfig{
			ConfigBase:        base,
			ToxicityThreshold: 0.8,
			Categories:        append([]string(nil), DefaultCategories...),
		}, nil
	case TypeSemantic:
		return &SemanticConfig{ConfigBase: base, SimilarityThreshold: 0.85}, nil
	}
	return nil, fmt.Errorf("%w: unknown policy type %q", ErrInvalidConfig, t)
}

// DecodeConfigJSON decodes a JSON config payload into the concrete
// config type for t. Missing fields keep their type defaults.
func DecodeConfigJSON(t Type, data []byte) (Config, error) {
	cfg, err := newConfig(t)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// DecodeConfigYAML decodes a YAML config node into the concrete config
// type for t. Missing fields keep their type defaults.
func DecodeConfigYAML(t Type, node *yaml.Node) (Config, error) {
	cfg, err := newConfig(t)
	if err != nil {
		return nil, err
	}
	if node == nil || node.IsZero() {
		return cfg, nil
	}
	if err := node.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}
