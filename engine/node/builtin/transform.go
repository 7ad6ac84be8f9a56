package builtin

import (
	"context"
	"fmt"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/node"
)

// PinSecondary is the second input pin of the merge node.
const PinSecondary = "secondary"

// setTemplate declares the field-assignment node: every configured
// value is resolved per item and written into the item payload.
func setTemplate() *node.SpecTemplate {
	return &node.SpecTemplate{
		Type:        TypeSet,
		DisplayName: "Set",
		Inputs:      []string{core.PinMain},
		Outputs:     []string{core.PinMain},
		Trigger:     core.TriggerNone,
		ParamsSchema: map[string]node.ParamSpec{
			"values": {Type: "object", Required: true},
		},
		Behavior: setBehavior,
	}
}

func setBehavior(_ context.Context, req *node.Request) (map[string][]core.Item, error) {
	values, ok := req.Parameters["values"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("set node requires an object parameter %q", "values")
	}
	out := make([]core.Item, 0, len(req.MainInput()))
	for _, item := range req.MainInput() {
		next := item.Copy()
		payload, ok := next.JSON.(map[string]any)
		if !ok {
			payload = map[string]any{}
		}
		for field, value := range values {
			payload[field] = req.Services.Params.ResolveForItem(value, item)
		}
		next.JSON = payload
		out = append(out, next)
	}
	return map[string][]core.Item{core.PinMain: out}, nil
}

// mergeTemplate declares the two-input concatenation node. Items from
// the main pin precede items from the secondary pin.
func mergeTemplate() *node.SpecTemplate {
	return &node.SpecTemplate{
		Type:        TypeMerge,
		DisplayName: "Merge",
		Inputs:      []string{core.PinMain, PinSecondary},
		Outputs:     []string{core.PinMain},
		Trigger:     core.TriggerNone,
		Behavior:    mergeBehavior,
	}
}

func mergeBehavior(_ context.Context, req *node.Request) (map[string][]core.Item, error) {
	merged := append([]core.Item{}, req.Inputs[core.PinMain]...)
	merged = append(merged, req.Inputs[PinSecondary]...)
	return map[string][]core.Item{core.PinMain: merged}, nil
}

// noopTemplate declares the pass-through node.
func noopTemplate() *node.SpecTemplate {
	return &node.SpecTemplate{
		Type:        TypeNoop,
		DisplayName: "No Operation",
		Inputs:      []string{core.PinMain},
		Outputs:     []string{core.PinMain},
		Trigger:     core.TriggerNone,
		Behavior: func(_ context.Context, req *node.Request) (map[string][]core.Item, error) {
			return map[string][]core.Item{core.PinMain: req.MainInput()}, nil
		},
	}
}
