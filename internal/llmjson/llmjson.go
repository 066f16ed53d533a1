// Package llmjson validates LLM output against JSON Schemas. Model responses
// routinely wrap JSON in prose or code fences; extraction tolerates that,
// validation does not.
package llmjson

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates responses against one compiled JSON Schema.
type Validator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// NewValidator compiles a JSON Schema.
func NewValidator(schemaJSON json.RawMessage) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema, schemaJSON: schemaJSON}, nil
}

// MustValidator compiles a schema known at build time.
func MustValidator(schemaJSON string) *Validator {
	v, err := NewValidator(json.RawMessage(schemaJSON))
	if err != nil {
		panic(err)
	}
	return v
}

// SchemaJSON returns the raw schema for prompt-level injection.
func (v *Validator) SchemaJSON() json.RawMessage { return v.schemaJSON }

// ValidationError describes an extraction or schema failure.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate extracts JSON from responseText, checks it against the schema, and
// unmarshals it into out (which must be a pointer).
func (v *Validator) Validate(responseText string, out any) error {
	jsonStr := ExtractJSON(responseText)
	if jsonStr == "" {
		return &ValidationError{Message: "response does not contain valid JSON", Raw: responseText}
	}

	// json.Number handling is required by the schema validator.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: responseText}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return &ValidationError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: responseText}
	}
	if out != nil {
		if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
			return &ValidationError{Message: fmt.Sprintf("decode JSON: %s", err), Raw: responseText}
		}
	}
	return nil
}

// ExtractJSON finds a JSON object or array in the response text.
func ExtractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block.
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: first { or [ with a matching close.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}

// RetryReminder is appended to a prompt after a validation failure.
func RetryReminder(errMsg string) string {
	return fmt.Sprintf(
		"Your previous response did not match the required JSON schema. Error: %s\n"+
			"Respond again with ONLY valid JSON matching the schema. No prose, no code fences.",
		errMsg,
	)
}
