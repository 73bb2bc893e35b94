// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FieldKind is the JSON type of a schema field.
type FieldKind string

const (
	FieldString  FieldKind = "string"
	FieldNumber  FieldKind = "number"
	FieldInteger FieldKind = "integer"
	FieldBoolean FieldKind = "boolean"
	FieldArray   FieldKind = "array"
	FieldObject  FieldKind = "object"
)

// Field is one top-level property of a structured response.
type Field struct {
	Name        string
	Kind        FieldKind
	Items       FieldKind // element kind when Kind is FieldArray
	Required    bool
	Description string
}

// Schema describes the JSON object a structured call must return. Only the
// top level is validated; nested objects are checked by the caller when it
// decodes them.
type Schema struct {
	Name   string
	Fields []Field
}

// Instructions renders the schema as prompt text for providers without a
// native JSON-schema mode.
func (s Schema) Instructions() string {
	var b strings.Builder
	b.WriteString("Respond with a single JSON object and nothing else. Fields:\n")
	for _, f := range s.Fields {
		kind := string(f.Kind)
		if f.Kind == FieldArray && f.Items != "" {
			kind = "array of " + string(f.Items)
		}
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "- %s (%s, %s)", f.Name, kind, req)
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// JSONSchema returns the schema as a JSON-Schema document.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	var required []string
	for _, f := range s.Fields {
		p := map[string]any{"type": string(f.Kind)}
		if f.Description != "" {
			p["description"] = f.Description
		}
		if f.Kind == FieldArray && f.Items != "" {
			p["items"] = map[string]any{"type": string(f.Items)}
		}
		props[f.Name] = p
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// Validate parses text as JSON and checks it against the schema. Markdown
// code fences and surrounding prose are tolerated.
func (s Schema) Validate(text string) (map[string]any, error) {
	raw := ExtractJSON(text)
	if raw == "" {
		return nil, &SchemaValidationError{Schema: s.Name, Problems: []string{"no JSON object in response"}}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, &SchemaValidationError{Schema: s.Name, Problems: []string{"invalid JSON: " + err.Error()}}
	}

	var problems []string
	for _, f := range s.Fields {
		v, ok := obj[f.Name]
		if !ok || v == nil {
			if f.Required {
				problems = append(problems, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		if !kindMatches(f.Kind, v) {
			problems = append(problems, fmt.Sprintf("field %q: want %s, got %s", f.Name, f.Kind, jsonKind(v)))
			continue
		}
		if f.Required && f.Kind == FieldString && strings.TrimSpace(v.(string)) == "" {
			problems = append(problems, fmt.Sprintf("required field %q is empty", f.Name))
		}
		if f.Kind == FieldArray && f.Items != "" {
			for i, el := range v.([]any) {
				if !kindMatches(f.Items, el) {
					problems = append(problems, fmt.Sprintf("field %q[%d]: want %s, got %s", f.Name, i, f.Items, jsonKind(el)))
					break
				}
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, &SchemaValidationError{Schema: s.Name, Problems: problems}
	}
	return obj, nil
}

func kindMatches(k FieldKind, v any) bool {
	switch k {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		_, ok := v.(float64)
		return ok
	case FieldInteger:
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case FieldBoolean:
		_, ok := v.(bool)
		return ok
	case FieldArray:
		_, ok := v.([]any)
		return ok
	case FieldObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

// ExtractJSON returns the outermost JSON object in text, stripping markdown
// fences. It returns "" when there is none.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
