package policy

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry validates policy documents against CUE schemas before
// they are decoded into typed configs. Structural problems are caught
// here with readable paths instead of surfacing as decode errors.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in document and
// per-type config schemas registered.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	sr.RegisterSchema("document", builtinDocumentSchema)
	sr.RegisterSchema("keyword_filter", builtinKeywordFilterSchema)
	sr.RegisterSchema("performance", builtinPerformanceSchema)
	sr.RegisterSchema("content_safety", builtinContentSafetySchema)
	sr.RegisterSchema("semantic", builtinSemanticSchema)

	return sr
}

// RegisterSchema compiles and registers a CUE schema under a name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// ValidateDocument validates a decoded policy document against the
// document schema and the config schema for its type.
func (sr *SchemaRegistry) ValidateDocument(doc map[string]any) error {
	if err := sr.validateAgainst("document", doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	typ, _ := doc["type"].(string)
	cfg, ok := doc["config"].(map[string]any)
	if !ok {
		cfg = map[string]any{}
	}
	if err := sr.validateAgainst(typ, cfg); err != nil {
		return fmt.Errorf("%w: config for type %s: %v", ErrInvalidConfig, typ, err)
	}
	return nil
}

func (sr *SchemaRegistry) validateAgainst(name string, data any) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[name]
	sr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// Built-in schema definitions

const builtinDocumentSchema = `
{
	// Name is the unique policy name
	name: string & =~"^[a-zA-Z0-9 _.-]{1,100}$"

	// Description is optional human-readable text
	description?: string

	// Type selects the evaluator variant
	type: "keyword_filter" | "performance" | "content_safety" | "semantic"

	// Enabled maps to active/inactive status
	enabled?: bool

	// Config is the type-specific configuration, validated separately
	config: {...}

	// Tags label the policy for organization
	tags?: [...string]

	// Metadata carries opaque key/value pairs
	metadata?: {[string]: _}

	// Audit carries correlation fields for the audit trail
	audit?: {[string]: _}
}
`

const builtinConfigCommon = `
	action?:   "block" | "warn" | "log"
	severity?: "low" | "medium" | "high" | "critical"
`

const builtinKeywordFilterSchema = `
{
	patterns: [...string] & [_, ...]
	case_sensitive?:   bool
	whole_words_only?: bool
` + builtinConfigCommon + `
}
`

const builtinPerformanceSchema = `
{
	min_length?:        int & >=0
	max_length?:        int & >=0
	min_quality_score?: number & >=0 & <=1
	max_tokens?:        int & >=0
` + builtinConfigCommon + `
}
`

const builtinContentSafetySchema = `
{
	toxicity_threshold?: number & >0 & <=1
	categories?: [...string]
` + builtinConfigCommon + `
}
`

const builtinSemanticSchema = `
{
	similarity_threshold?: number & >0 & <=1
	reference_texts: [...string] & [_, ...]
` + builtinConfigCommon + `
}
`
