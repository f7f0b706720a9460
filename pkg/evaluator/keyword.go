package evaluator

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/promptgate/promptgate/pkg/policy"
)

// KeywordEvaluator tests content against configured regular expression
// patterns. It is deterministic and must stay in the low-millisecond
// range for content up to a few KB, so compiled patterns are cached.
type KeywordEvaluator struct {
	// cache maps pattern+flags to *regexp.Regexp.
	cache sync.Map
}

// NewKeywordEvaluator creates the keyword_filter evaluator.
func NewKeywordEvaluator() *KeywordEvaluator {
	return &KeywordEvaluator{}
}

// Type implements Evaluator.
func (e *KeywordEvaluator) Type() policy.Type { return policy.TypeKeywordFilter }

// Evaluate implements Evaluator. A single matching pattern is a
// violation; score is 0.0 on any match, 1.0 otherwise.
func (e *KeywordEvaluator) Evaluate(ctx context.Context, content string, pol *policy.Policy) (*Outcome, error) {
	cfg, ok := pol.Config.(*policy.KeywordFilterConfig)
	if !ok {
		return nil, fmt.Errorf("%w: keyword_filter policy carries %T", policy.ErrInvalidConfig, pol.Config)
	}

	var matchedIndices []int
	var matches []string

	for i, pattern := range cfg.Patterns {
		re, err := e.compile(pattern, cfg.CaseSensitive, cfg.WholeWordsOnly)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %d: %v", policy.ErrInvalidConfig, i, err)
		}
		if re.MatchString(content) {
			matchedIndices = append(matchedIndices, i)
			matches = append(matches, re.FindString(content))
		}
	}

	out := &Outcome{
		Score:      1.0,
		Confidence: 1.0,
		Details: map[string]any{
			"patterns_checked": len(cfg.Patterns),
			"case_sensitive":   cfg.CaseSensitive,
		},
	}
	if len(matchedIndices) > 0 {
		out.Violation = true
		out.Score = 0.0
		out.Details["matched_patterns"] = matchedIndices
		out.Details["matches"] = matches
	}
	return out, nil
}

func (e *KeywordEvaluator) compile(pattern string, caseSensitive, wholeWords bool) (*regexp.Regexp, error) {
	key := fmt.Sprintf("%t:%t:%s", caseSensitive, wholeWords, pattern)
	if cached, ok := e.cache.Load(key); ok {
		return cached.(*regexp.Regexp), nil
	}

	expr := pattern
	if wholeWords {
		expr = `\b(?:` + expr + `)\b`
	}
	if !caseSensitive {
		expr = "(?i)" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	e.cache.Store(key, re)
	return re, nil
}
