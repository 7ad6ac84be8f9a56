package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/node"
)

// -----------------------------------------------------------------------------
// IF node
// -----------------------------------------------------------------------------

const (
	PinTrue  = "true"
	PinFalse = "false"
)

// ifTemplate declares the two-way branch node. Each input item is
// compared with the configured operation and delivered to exactly one
// of the true/false output pins.
func ifTemplate() *node.SpecTemplate {
	return &node.SpecTemplate{
		Type:        TypeIf,
		DisplayName: "IF",
		Inputs:      []string{core.PinMain},
		Outputs:     []string{PinTrue, PinFalse},
		Trigger:     core.TriggerNone,
		ParamsSchema: map[string]node.ParamSpec{
			"value1":    {Type: "any", Required: true},
			"value2":    {Type: "any", Required: true},
			"operation": {Type: "string", Default: "eq"},
		},
		Behavior: ifBehavior,
	}
}

func ifBehavior(_ context.Context, req *node.Request) (map[string][]core.Item, error) {
	operation, _ := req.Services.Params.Resolve(req.Parameters["operation"]).(string)
	if operation == "" {
		operation = "eq"
	}
	outputs := map[string][]core.Item{}
	for _, item := range req.MainInput() {
		left := req.Services.Params.ResolveForItem(req.Parameters["value1"], item)
		right := req.Services.Params.ResolveForItem(req.Parameters["value2"], item)
		match, err := compare(left, right, operation)
		if err != nil {
			return nil, err
		}
		pin := PinFalse
		if match {
			pin = PinTrue
		}
		outputs[pin] = append(outputs[pin], item)
	}
	return outputs, nil
}

func compare(left, right any, operation string) (bool, error) {
	switch operation {
	case "eq":
		return fmt.Sprint(left) == fmt.Sprint(right), nil
	case "ne":
		return fmt.Sprint(left) != fmt.Sprint(right), nil
	case "contains":
		return strings.Contains(fmt.Sprint(left), fmt.Sprint(right)), nil
	case "gt", "lt", "gte", "lte":
		l, lok := asFloat(left)
		r, rok := asFloat(right)
		if !lok || !rok {
			return false, fmt.Errorf("operation %q requires numeric operands, got %T and %T", operation, left, right)
		}
		switch operation {
		case "gt":
			return l > r, nil
		case "lt":
			return l < r, nil
		case "gte":
			return l >= r, nil
		default:
			return l <= r, nil
		}
	default:
		return false, fmt.Errorf("unknown comparison operation %q", operation)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// -----------------------------------------------------------------------------
// Switch node
// -----------------------------------------------------------------------------

// switchTemplate declares the rule-based router. Rules are CEL
// expressions over the item payload, evaluated in declaration order;
// an item goes to the first matching rule's output pin and is
// discarded when no rule matches.
func switchTemplate() *node.SpecTemplate {
	return &node.SpecTemplate{
		Type:        TypeSwitch,
		DisplayName: "Switch",
		Inputs:      []string{core.PinMain},
		// Output pins are rule-defined; the default declaration keeps
		// the template well-formed for editors.
		Outputs: []string{core.PinMain},
		Trigger: core.TriggerNone,
		ParamsSchema: map[string]node.ParamSpec{
			"rules": {Type: "array", Required: true},
		},
		Behavior: switchBehavior,
	}
}

type switchRule struct {
	output  string
	program cel.Program
}

func switchBehavior(_ context.Context, req *node.Request) (map[string][]core.Item, error) {
	rules, err := compileRules(req.Parameters["rules"])
	if err != nil {
		return nil, err
	}
	outputs := map[string][]core.Item{}
	for _, item := range req.MainInput() {
		for _, rule := range rules {
			matched, err := evalRule(rule, item)
			if err != nil {
				return nil, err
			}
			if matched {
				outputs[rule.output] = append(outputs[rule.output], item)
				break
			}
		}
	}
	return outputs, nil
}

func compileRules(raw any) ([]switchRule, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("switch rules must be an array, got %T", raw)
	}
	env, err := cel.NewEnv(cel.Variable("json", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("building rule environment: %w", err)
	}
	rules := make([]switchRule, 0, len(list))
	for i, entry := range list {
		ruleMap, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("switch rule %d must be an object, got %T", i, entry)
		}
		output, _ := ruleMap["output"].(string)
		expression, _ := ruleMap["expression"].(string)
		if output == "" || expression == "" {
			return nil, fmt.Errorf("switch rule %d requires output and expression", i)
		}
		ast, issues := env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("switch rule %d: %w", i, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("switch rule %d: %w", i, err)
		}
		rules = append(rules, switchRule{output: output, program: program})
	}
	return rules, nil
}

func evalRule(rule switchRule, item core.Item) (bool, error) {
	payload := item.JSON
	if payload == nil {
		payload = map[string]any{}
	}
	result, _, err := rule.program.Eval(map[string]any{"json": payload})
	if err != nil {
		return false, fmt.Errorf("evaluating switch rule: %w", err)
	}
	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("switch rule must evaluate to bool, got %T", result.Value())
	}
	return matched, nil
}
