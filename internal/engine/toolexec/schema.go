package toolexec

import (
	"encoding/json"
	"fmt"
	"math"
)

// ValidateArgs checks a JSON-encoded argument object against the structural
// subset of JSON Schema used by tool parameter specs: type, enum, minimum,
// maximum, and required. Keys the schema does not declare pass through
// unchecked. Returns the decoded arguments on success.
func ValidateArgs(schema map[string]any, args string) (map[string]any, error) {
	if args == "" {
		args = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(args), &decoded); err != nil {
		return nil, fmt.Errorf("toolexec: arguments are not valid JSON: %w", err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("toolexec: arguments must be a JSON object")
	}
	if schema == nil {
		return obj, nil
	}

	props, _ := schema["properties"].(map[string]any)
	for _, name := range requiredKeys(schema) {
		if _, present := obj[name]; !present {
			return nil, fmt.Errorf("toolexec: missing required argument %q", name)
		}
	}

	for name, value := range obj {
		rawSpec, declared := props[name]
		if !declared {
			continue
		}
		spec, ok := rawSpec.(map[string]any)
		if !ok {
			continue
		}
		if err := checkValue(name, value, spec); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// checkValue applies one property spec to one decoded argument value.
func checkValue(name string, value any, spec map[string]any) error {
	if typ, ok := spec["type"].(string); ok && typ != "" {
		if !typeMatches(typ, value) {
			return fmt.Errorf("toolexec: argument %q must be of type %s", name, typ)
		}
	}
	if enum, ok := spec["enum"].([]any); ok && len(enum) > 0 {
		matched := false
		for _, allowed := range enum {
			if jsonEqual(value, allowed) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("toolexec: argument %q is not one of the allowed values", name)
		}
	}
	if bound, ok := asFloat(spec["minimum"]); ok {
		if v, isNum := asFloat(value); isNum && v < bound {
			return fmt.Errorf("toolexec: argument %q must be >= %v", name, bound)
		}
	}
	if bound, ok := asFloat(spec["maximum"]); ok {
		if v, isNum := asFloat(value); isNum && v > bound {
			return fmt.Errorf("toolexec: argument %q must be <= %v", name, bound)
		}
	}
	return nil
}

// typeMatches reports whether a decoded JSON value satisfies a declared type.
// Unrecognized type names pass.
func typeMatches(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := asFloat(value)
		return ok
	case "integer":
		f, ok := asFloat(value)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

// jsonEqual compares a decoded argument against an enum entry, treating all
// numeric representations as equal when their values match.
func jsonEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

// asFloat normalizes the numeric types that appear in decoded JSON and in
// hand-built schema maps.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// requiredKeys reads the schema's required list, tolerating both decoded
// ([]any) and hand-built ([]string) forms.
func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ClampDigitArgs normalizes collect_digits arguments in place: a present
// min_digits is raised to at least 1 and a present max_digits to at least
// min_digits. Absent keys are left for the digit profile to default.
func ClampDigitArgs(args map[string]any) {
	floor := 1.0
	if minV, ok := asFloat(args["min_digits"]); ok {
		if minV < 1 {
			minV = 1
			args["min_digits"] = float64(1)
		}
		floor = minV
	}
	if maxV, ok := asFloat(args["max_digits"]); ok && maxV < floor {
		args["max_digits"] = floor
	}
}
