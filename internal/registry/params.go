package registry

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/goccy/go-json"
)

// ErrInvalidParam is returned when a parameter fails schema validation.
var ErrInvalidParam = errors.New("invalid parameter")

// Params is a flat keyword-parameter object for one strategy category.
type Params map[string]any

// Clone returns a shallow copy of p. A nil p yields an empty map.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	maps.Copy(out, p)
	return out
}

// Merge returns a copy of p overlaid with override.
func (p Params) Merge(override Params) Params {
	out := p.Clone()
	maps.Copy(out, override)
	return out
}

// Decode converts params into the typed options struct dst. Fields of dst
// that are not present in params keep their current values, so callers
// pre-populate dst with defaults. Unknown keys are rejected.
func Decode(params Params, dst any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	return nil
}

// Encode converts a typed options struct back into Params.
func Encode(src any) (Params, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	var out Params
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParamError describes which parameter was rejected and why.
type ParamError struct {
	Key    string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Key, e.Reason)
}

func (e *ParamError) Unwrap() error {
	return ErrInvalidParam
}

// Field is a JSON-schema-like description of one parameter.
type Field struct {
	Type     string // "number", "integer", "string", "boolean", "array"
	Minimum  *float64
	Maximum  *float64
	Enum     []string
	MinItems int
	Items    *Field
}

// Schema maps parameter names to their field descriptions.
type Schema map[string]Field

// Min returns a pointer to v, for Field bounds.
func Min(v float64) *float64 { return &v }

// Max returns a pointer to v, for Field bounds.
func Max(v float64) *float64 { return &v }

// Validate checks every key of params. Unknown keys are errors.
func (s Schema) Validate(params Params) error {
	for _, key := range slices.Sorted(maps.Keys(params)) {
		f, ok := s[key]
		if !ok {
			return &ParamError{Key: key, Reason: "unknown parameter"}
		}
		if err := f.Check(params[key]); err != nil {
			return &ParamError{Key: key, Reason: err.Error()}
		}
	}
	return nil
}

// ValidateKey checks a single value against the field named key.
func (s Schema) ValidateKey(key string, v any) error {
	f, ok := s[key]
	if !ok {
		return &ParamError{Key: key, Reason: "unknown parameter"}
	}
	if err := f.Check(v); err != nil {
		return &ParamError{Key: key, Reason: err.Error()}
	}
	return nil
}

// Check validates a single value against the field.
func (f Field) Check(v any) error {
	switch f.Type {
	case "number", "integer":
		x, ok := ToFloat(v)
		if !ok {
			return fmt.Errorf("expected %s, got %T", f.Type, v)
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("expected finite %s", f.Type)
		}
		if f.Type == "integer" && x != math.Trunc(x) {
			return fmt.Errorf("expected integer, got %v", x)
		}
		if f.Minimum != nil && x < *f.Minimum {
			return fmt.Errorf("must be >= %v, got %v", *f.Minimum, x)
		}
		if f.Maximum != nil && x > *f.Maximum {
			return fmt.Errorf("must be <= %v, got %v", *f.Maximum, x)
		}
	case "string":
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
			return fmt.Errorf("must be one of %v, got %q", f.Enum, s)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case "array":
		items, ok := toSlice(v)
		if !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
		if len(items) < f.MinItems {
			return fmt.Errorf("must have at least %d items, got %d", f.MinItems, len(items))
		}
		if f.Items != nil {
			for i, item := range items {
				if err := f.Items.Check(item); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
		}
	default:
		return fmt.Errorf("unsupported schema type %q", f.Type)
	}
	return nil
}

// ToFloat converts the numeric kinds that reach parameters (Go literals and
// decoded JSON) to float64.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
