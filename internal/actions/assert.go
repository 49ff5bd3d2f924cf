package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// AssertActions returns the assertion actions. A failed assertion is a
// FAILED result carrying the compared values, so it fails the run the same
// way the fail action does; malformed inputs are handler errors.
func AssertActions(validator *validation.JSONSchemaValidator) []EngineAction {
	return []EngineAction{
		{
			Kind:        "assert.equals",
			Description: "Fail unless inputs.actual deeply equals inputs.expected",
			Handler:     NodeFunc(assertEquals),
			Inputs:      json.RawMessage(`{"type":"object","required":["expected","actual"],"properties":{"expected":{},"actual":{},"message":{"type":"string"}}}`),
		},
		{
			Kind:        "assert.contains",
			Description: "Fail unless the string or array inputs.haystack contains inputs.needle",
			Handler:     NodeFunc(assertContains),
			Inputs:      json.RawMessage(`{"type":"object","required":["haystack","needle"],"properties":{"haystack":{"type":["string","array"]},"needle":{},"message":{"type":"string"}}}`),
		},
		{
			Kind:        "assert.matches",
			Description: "Fail unless inputs.value matches the regular expression inputs.pattern",
			Handler:     NodeFunc(assertMatches),
			Inputs:      json.RawMessage(`{"type":"object","required":["value","pattern"],"properties":{"value":{"type":"string"},"pattern":{"type":"string"},"message":{"type":"string"}}}`),
		},
		{
			Kind:        "assert.schema",
			Description: "Fail unless the object inputs.data conforms to the JSON Schema inputs.schema",
			Handler: NodeFunc(func(ctx context.Context, actx *Context) (any, error) {
				return assertSchema(ctx, actx, validator)
			}),
			Inputs: json.RawMessage(`{"type":"object","required":["data","schema"],"properties":{"data":{"type":"object"},"schema":{"type":"object"},"message":{"type":"string"}}}`),
		},
	}
}

func passed() map[string]any { return map[string]any{"pass": true} }

func assertionFailed(actx *Context, fallback string, details map[string]any) *schema.ActionResult {
	details["pass"] = false
	details["message"] = stringParam(actx.Inputs, "message", fallback)
	return schema.Failed(details)
}

func assertEquals(_ context.Context, actx *Context) (any, error) {
	expected, ok := actx.Inputs["expected"]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required input %q", actx.Kind, "expected")
	}
	actual := actx.Inputs["actual"]
	if reflect.DeepEqual(normalizeJSON(expected), normalizeJSON(actual)) {
		return passed(), nil
	}
	return assertionFailed(actx, "values are not equal", map[string]any{"expected": expected, "actual": actual}), nil
}

func assertContains(_ context.Context, actx *Context) (any, error) {
	haystack, needle := actx.Inputs["haystack"], actx.Inputs["needle"]
	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprint(needle)) {
			return passed(), nil
		}
	case []any:
		want := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), want) {
				return passed(), nil
			}
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: haystack must be a string or an array, got %T", actx.Kind, haystack)
	}
	return assertionFailed(actx, "value not found", map[string]any{"haystack": haystack, "needle": needle}), nil
}

func assertMatches(_ context.Context, actx *Context) (any, error) {
	value, ok := actx.Inputs["value"].(string)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: inputs.value must be a string", actx.Kind)
	}
	pattern, err := requireString(actx, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid pattern", actx.Kind).WithCause(err)
	}
	if !re.MatchString(value) {
		return assertionFailed(actx, "value does not match pattern", map[string]any{"value": value, "pattern": pattern}), nil
	}
	return map[string]any{"pass": true, "match": re.FindString(value)}, nil
}

func assertSchema(_ context.Context, actx *Context, validator *validation.JSONSchemaValidator) (any, error) {
	data, ok := actx.Inputs["data"].(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: inputs.data must be an object", actx.Kind)
	}
	raw, ok := actx.Inputs["schema"]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required input %q", actx.Kind, "schema")
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: schema is not JSON", actx.Kind).WithCause(err)
	}

	err = validator.ValidateInput(data, doc)
	if err == nil {
		return passed(), nil
	}
	var fe *schema.FlowError
	if !errors.As(err, &fe) || fe.Code != schema.ErrCodeValidation || fe.Details == nil {
		return nil, err
	}
	details := map[string]any{"error": fe.Message}
	if v, ok := fe.Details["violations"]; ok {
		details["violations"] = v
	}
	return assertionFailed(actx, "data does not match schema", details), nil
}

// normalizeJSON turns Go numbers into float64 so values built in Go compare
// equal to values decoded from JSON.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	}
	return v
}
