package training

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// FieldType enumerates the value types a hyperparameter may take.
type FieldType string

const (
	FieldInteger FieldType = "integer"
	FieldFloat   FieldType = "float"
	FieldString  FieldType = "string"
	FieldBoolean FieldType = "boolean"
)

// Field describes a single hyperparameter: its type, default, and optional
// UI hints. Served to clients as-is from the kind metadata endpoint.
type Field struct {
	Type     FieldType   `json:"type"`
	Default  interface{} `json:"default,omitempty"`
	Required bool        `json:"required,omitempty"`
	Hint     string      `json:"hint,omitempty"` // e.g. "range", "select"
	Min      *float64    `json:"min,omitempty"`
	Max      *float64    `json:"max,omitempty"`
	Enum     []string    `json:"enum,omitempty"`
}

// Schema maps hyperparameter names to their field descriptions.
type Schema map[string]Field

// InvalidHyperparametersError reports every offending field of a rejected
// hyperparameter document.
type InvalidHyperparametersError struct {
	Fields map[string]string
}

func (e *InvalidHyperparametersError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "invalid hyperparameters: " + strings.Join(parts, "; ")
}

// Validate checks raw hyperparameters against the schema. Unknown fields,
// missing required fields, type mismatches, and out-of-range values are all
// collected into a single InvalidHyperparametersError. On success it returns
// the normalized document with defaults applied.
func (s Schema) Validate(raw map[string]interface{}) (map[string]interface{}, error) {
	offending := map[string]string{}
	normalized := map[string]interface{}{}

	for name, value := range raw {
		field, ok := s[name]
		if !ok {
			offending[name] = "unknown field"
			continue
		}
		coerced, problem := field.check(value)
		if problem != "" {
			offending[name] = problem
			continue
		}
		normalized[name] = coerced
	}

	for name, field := range s {
		if _, present := normalized[name]; present {
			continue
		}
		if _, mistyped := offending[name]; mistyped {
			continue
		}
		if field.Required {
			offending[name] = "required field is missing"
			continue
		}
		if field.Default != nil {
			normalized[name] = field.Default
		}
	}

	if len(offending) > 0 {
		return nil, &InvalidHyperparametersError{Fields: offending}
	}
	return normalized, nil
}

// check coerces a JSON-decoded value to the field's type. JSON numbers arrive
// as float64; integers must carry no fractional part.
func (f Field) check(value interface{}) (interface{}, string) {
	switch f.Type {
	case FieldInteger:
		n, ok := value.(float64)
		if !ok {
			if i, isInt := value.(int); isInt {
				n, ok = float64(i), true
			}
		}
		if !ok || n != math.Trunc(n) {
			return nil, fmt.Sprintf("expected integer, got %v", value)
		}
		if problem := f.checkRange(n); problem != "" {
			return nil, problem
		}
		return int(n), ""
	case FieldFloat:
		n, ok := value.(float64)
		if !ok {
			if i, isInt := value.(int); isInt {
				n, ok = float64(i), true
			}
		}
		if !ok {
			return nil, fmt.Sprintf("expected number, got %v", value)
		}
		if problem := f.checkRange(n); problem != "" {
			return nil, problem
		}
		return n, ""
	case FieldString:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Sprintf("expected string, got %v", value)
		}
		if len(f.Enum) > 0 {
			for _, allowed := range f.Enum {
				if str == allowed {
					return str, ""
				}
			}
			return nil, fmt.Sprintf("must be one of %s", strings.Join(f.Enum, ", "))
		}
		return str, ""
	case FieldBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Sprintf("expected boolean, got %v", value)
		}
		return b, ""
	default:
		return nil, fmt.Sprintf("unsupported field type %q", f.Type)
	}
}

func (f Field) checkRange(n float64) string {
	if f.Min != nil && n < *f.Min {
		return fmt.Sprintf("must be >= %v", *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return fmt.Sprintf("must be <= %v", *f.Max)
	}
	return ""
}

func floatPtr(v float64) *float64 { return &v }
