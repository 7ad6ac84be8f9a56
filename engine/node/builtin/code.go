package builtin

import (
	"context"
	"fmt"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/node"
	"github.com/flowmesh/flowmesh/engine/sandbox"
)

// codeTemplate declares the user-code node. The behavior hands the
// code and the input items to the sandbox; the run inherits the
// sandbox's wall-clock and memory limits. Sandbox faults surface as
// ordinary node errors.
func codeTemplate(runner sandbox.Runner, limits sandbox.Limits) *node.SpecTemplate {
	return &node.SpecTemplate{
		Type:        TypeCode,
		DisplayName: "Code",
		Inputs:      []string{core.PinMain},
		Outputs:     []string{core.PinMain},
		Trigger:     core.TriggerNone,
		Isolated:    true,
		ParamsSchema: map[string]node.ParamSpec{
			"code": {Type: "string", Required: true},
		},
		Behavior: codeBehavior(runner, limits),
	}
}

func codeBehavior(runner sandbox.Runner, limits sandbox.Limits) node.Behavior {
	return func(ctx context.Context, req *node.Request) (map[string][]core.Item, error) {
		code, ok := req.Parameters["code"].(string)
		if !ok || code == "" {
			return nil, fmt.Errorf("code node requires a string parameter %q", "code")
		}
		payloads := make([]any, 0, len(req.MainInput()))
		for _, item := range req.MainInput() {
			payloads = append(payloads, item.JSON)
		}
		output, err := runner.Run(ctx, code, map[string]any{"items": payloads}, limits)
		if err != nil {
			return nil, err
		}
		return map[string][]core.Item{core.PinMain: itemsFromOutput(output)}, nil
	}
}

// itemsFromOutput maps the sandbox result back onto items: an array
// becomes one item per element, anything else a single item.
func itemsFromOutput(output any) []core.Item {
	if output == nil {
		return nil
	}
	if list, ok := output.([]any); ok {
		items := make([]core.Item, len(list))
		for i, element := range list {
			items[i] = core.NewItem(element)
		}
		return items
	}
	return []core.Item{core.NewItem(output)}
}
