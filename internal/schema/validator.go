// Package schema validates tool parameters against the JSON Schema subset
// that MCP servers publish as inputSchema (draft-07 semantics: type,
// properties, required, enum, numeric and length bounds, pattern,
// additionalProperties, recursive items/properties, union types).
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// Result carries the outcome of one validation pass. Errors holds every
// message in presentation order: missing parameters first, unexpected
// parameters second, type mismatches third, then all remaining violations.
type Result struct {
	Valid        bool
	Errors       []string
	Missing      []string
	Unexpected   []string
	TypeMismatch []string
}

// Validator is a compiled schema, safe for concurrent use.
type Validator struct {
	root *compiled
}

type compiled struct {
	types            []string // empty means any type
	properties       map[string]*compiled
	required         []string
	enum             []any
	minimum          *float64
	maximum          *float64
	minLength        *int
	maxLength        *int
	pattern          *regexp.Regexp
	allowAdditional  bool
	additionalSchema *compiled
	items            *compiled
}

type rawSchema struct {
	Type                 json.RawMessage       `json:"type"`
	Properties           map[string]*rawSchema `json:"properties"`
	Required             []string              `json:"required"`
	Enum                 []any                 `json:"enum"`
	Minimum              *float64              `json:"minimum"`
	Maximum              *float64              `json:"maximum"`
	MinLength            *int                  `json:"minLength"`
	MaxLength            *int                  `json:"maxLength"`
	Pattern              string                `json:"pattern"`
	AdditionalProperties json.RawMessage       `json:"additionalProperties"`
	Items                *rawSchema            `json:"items"`
}

// Compile parses and compiles a raw JSON Schema. An empty document compiles
// to a permissive schema that accepts any value.
func Compile(raw json.RawMessage) (*Validator, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return &Validator{root: &compiled{allowAdditional: true}}, nil
	}
	var doc rawSchema
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	root, err := compile(&doc)
	if err != nil {
		return nil, err
	}
	return &Validator{root: root}, nil
}

func compile(doc *rawSchema) (*compiled, error) {
	c := &compiled{
		required:        doc.Required,
		enum:            doc.Enum,
		minimum:         doc.Minimum,
		maximum:         doc.Maximum,
		minLength:       doc.MinLength,
		maxLength:       doc.MaxLength,
		allowAdditional: true,
	}

	if len(doc.Type) > 0 {
		var single string
		if err := json.Unmarshal(doc.Type, &single); err == nil {
			c.types = []string{single}
		} else {
			var union []string
			if err := json.Unmarshal(doc.Type, &union); err != nil {
				return nil, fmt.Errorf("schema: invalid type declaration %s", string(doc.Type))
			}
			c.types = union
		}
	}

	if doc.Pattern != "" {
		re, err := regexp.Compile(doc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("schema: invalid pattern %q: %w", doc.Pattern, err)
		}
		c.pattern = re
	}

	if len(doc.Properties) > 0 {
		c.properties = make(map[string]*compiled, len(doc.Properties))
		for name, sub := range doc.Properties {
			sc, err := compile(sub)
			if err != nil {
				return nil, err
			}
			c.properties[name] = sc
		}
	}

	if len(doc.AdditionalProperties) > 0 {
		var allow bool
		if err := json.Unmarshal(doc.AdditionalProperties, &allow); err == nil {
			c.allowAdditional = allow
		} else {
			var sub rawSchema
			if err := json.Unmarshal(doc.AdditionalProperties, &sub); err != nil {
				return nil, fmt.Errorf("schema: invalid additionalProperties")
			}
			sc, err := compile(&sub)
			if err != nil {
				return nil, err
			}
			c.additionalSchema = sc
		}
	}

	if doc.Items != nil {
		sc, err := compile(doc.Items)
		if err != nil {
			return nil, err
		}
		c.items = sc
	}
	return c, nil
}

// Validate checks value against the compiled schema and returns a categorized
// result. The value is expected to be decoded JSON (map[string]any and
// friends), which is what the proxy hands over after parsing a request body.
func (v *Validator) Validate(value any) Result {
	var res Result
	v.root.validate("", value, &res)
	res.Valid = len(res.Missing)+len(res.Unexpected)+len(res.TypeMismatch)+len(res.Errors) == 0
	// Assemble presentation order: missing, unexpected, type mismatches, rest.
	rest := res.Errors
	res.Errors = nil
	res.Errors = append(res.Errors, res.Missing...)
	res.Errors = append(res.Errors, res.Unexpected...)
	res.Errors = append(res.Errors, res.TypeMismatch...)
	res.Errors = append(res.Errors, rest...)
	return res
}

func (c *compiled) validate(path string, value any, res *Result) {
	if !c.checkType(path, value, res) {
		return // no point piling further errors onto a mistyped value
	}

	if len(c.enum) > 0 && !enumContains(c.enum, value) {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"Parameter %s must be one of %s, but %s was provided.",
			describePath(path), formatEnum(c.enum), formatValue(value)))
	}

	switch tv := value.(type) {
	case float64:
		if c.minimum != nil && tv < *c.minimum {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"Parameter %s must be at least %v, but %v was provided.",
				describePath(path), *c.minimum, tv))
		}
		if c.maximum != nil && tv > *c.maximum {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"Parameter %s must be at most %v, but %v was provided.",
				describePath(path), *c.maximum, tv))
		}
	case string:
		if c.minLength != nil && len([]rune(tv)) < *c.minLength {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"Parameter %s must be at least %d characters long, but %d were provided.",
				describePath(path), *c.minLength, len([]rune(tv))))
		}
		if c.maxLength != nil && len([]rune(tv)) > *c.maxLength {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"Parameter %s must be at most %d characters long, but %d were provided.",
				describePath(path), *c.maxLength, len([]rune(tv))))
		}
		if c.pattern != nil && !c.pattern.MatchString(tv) {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"Parameter %s must match pattern %q, but %q does not.",
				describePath(path), c.pattern.String(), tv))
		}
	case map[string]any:
		for _, name := range c.required {
			if _, present := tv[name]; !present {
				expected := "value"
				if sub, ok := c.properties[name]; ok && len(sub.types) > 0 {
					expected = strings.Join(sub.types, " or ")
				}
				res.Missing = append(res.Missing, fmt.Sprintf(
					"Missing required parameter %s (expected %s).",
					describePath(joinPath(path, name)), expected))
			}
		}
		// Deterministic error order across runs.
		keys := make([]string, 0, len(tv))
		for name := range tv {
			keys = append(keys, name)
		}
		sort.Strings(keys)
		for _, name := range keys {
			sub, declared := c.properties[name]
			switch {
			case declared:
				sub.validate(joinPath(path, name), tv[name], res)
			case c.additionalSchema != nil:
				c.additionalSchema.validate(joinPath(path, name), tv[name], res)
			case !c.allowAdditional:
				res.Unexpected = append(res.Unexpected, fmt.Sprintf(
					"Unexpected parameter %s is not accepted by this tool.",
					describePath(joinPath(path, name))))
			}
		}
	case []any:
		if c.items != nil {
			for i, item := range tv {
				c.items.validate(fmt.Sprintf("%s[%d]", path, i), item, res)
			}
		}
	}
}

// checkType reports whether value satisfies the schema's type constraint,
// recording a mismatch otherwise. "integer" is distinct from "number": a
// float64 only counts as integer when it is whole.
func (c *compiled) checkType(path string, value any, res *Result) bool {
	if len(c.types) == 0 {
		return true
	}
	actual := jsonTypeOf(value)
	for _, want := range c.types {
		if actual == want {
			return true
		}
		if want == "integer" && actual == "number" {
			if f, ok := value.(float64); ok && f == math.Trunc(f) {
				return true
			}
		}
		if want == "number" && actual == "integer" {
			return true
		}
	}
	res.TypeMismatch = append(res.TypeMismatch, fmt.Sprintf(
		"Parameter %s must be of type %s, but %s was provided.",
		describePath(path), strings.Join(c.types, " or "), actual))
	return false
}

func jsonTypeOf(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		if v == math.Trunc(v) {
			return "integer"
		}
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}

func formatEnum(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprintf("%v", e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatValue(value any) string {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(b)
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func describePath(path string) string {
	if path == "" {
		return "(root)"
	}
	return fmt.Sprintf("%q", path)
}

// FormatErrors renders a validation failure as the human-readable message the
// proxy returns in a 400 body: every error sentence, followed by a
// pretty-printed "You provided" block showing the rejected parameters.
func FormatErrors(toolName string, res Result, params any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Invalid parameters for tool %q:\n", toolName)
	for _, msg := range res.Errors {
		sb.WriteString("  - " + msg + "\n")
	}
	provided, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		provided = []byte(fmt.Sprintf("%v", params))
	}
	sb.WriteString("You provided:\n")
	sb.Write(provided)
	return sb.String()
}
