package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// CollectionActions returns the actions that work over lists: each
// (enumerated subflow) and batch (one nested step per item).
func CollectionActions(deps BuiltinDeps) []EngineAction {
	return []EngineAction{
		{
			Kind:        "each",
			Description: "Run the attached subflow once per element of inputs.items",
			Mode:        ModeEach,
			Enumerator:  itemsEnumerator{},
			Inputs:      json.RawMessage(`{"type":"object","required":["items"],"properties":{"items":{"type":["array","null"]}}}`),
		},
		{
			Kind:        "batch",
			Description: "Evaluate inputs.expression for every element of inputs.items, one durable step per element",
			Mode:        ModeNested,
			Handler:     &batchAction{deps: deps},
			Inputs:      json.RawMessage(`{"type":"object","required":["items","expression"],"properties":{"items":{"type":"array"},"expression":{"type":"string","minLength":1}}}`),
		},
	}
}

// itemsEnumerator walks inputs.items by index.
type itemsEnumerator struct{}

func (itemsEnumerator) First(_ context.Context, actx *Context) (*schema.EnumeratorData, error) {
	return itemAt(actx, 0)
}

func (itemsEnumerator) Next(_ context.Context, actx *Context) (*schema.EnumeratorData, error) {
	return itemAt(actx, actx.Index)
}

func itemAt(actx *Context, i int) (*schema.EnumeratorData, error) {
	items, err := listInput(actx, "items")
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(items) {
		return schema.Exhausted(), nil
	}
	return schema.At(i, items[i]), nil
}

func listInput(actx *Context, key string) ([]any, error) {
	switch v := actx.Inputs[key].(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: input %q must be a list, got %T", actx.Kind, key, v)
	}
}

type batchAction struct {
	deps BuiltinDeps
}

// Execute evaluates the expression per item inside its own durable step so a
// replay skips items that already completed.
func (a *batchAction) Execute(ctx context.Context, actx *Context) (any, error) {
	expression, err := requireString(actx, "expression")
	if err != nil {
		return nil, err
	}
	items, err := listInput(actx, "items")
	if err != nil {
		return nil, err
	}

	results := make([]any, 0, len(items))
	for i, item := range items {
		scope := evalScope(actx)
		scope["item"] = item
		scope["index"] = i

		raw, err := actx.Step.Run(ctx, fmt.Sprintf("%s:item:%d", actx.ID, i), func(ctx context.Context) (any, error) {
			return a.deps.Expr.Evaluate(ctx, expression, scope)
		})
		if err != nil {
			return nil, err
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "batch item %d: decode output", i).WithCause(err)
		}
		results = append(results, out)
	}
	return results, nil
}
