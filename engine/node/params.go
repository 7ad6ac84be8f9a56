package node

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowmesh/flowmesh/engine/core"
)

// IsExpression reports whether a parameter value is an item-reference
// expression of the form {{json.path}}.
func IsExpression(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}")
}

// ParamResolver resolves {{json.path}} expressions inside parameter
// values against the items flowing into a node.
type ParamResolver struct {
	inputs map[string][]core.Item
}

func NewParamResolver(inputs map[string][]core.Item) *ParamResolver {
	return &ParamResolver{inputs: inputs}
}

// Resolve evaluates a single parameter value against the first item on
// the main input pin. Non-expression values pass through untouched.
func (p *ParamResolver) Resolve(value any) any {
	items := p.inputs[core.PinMain]
	if len(items) == 0 {
		return p.ResolveForItem(value, core.Item{})
	}
	return p.ResolveForItem(value, items[0])
}

// ResolveForItem evaluates a single parameter value against one item.
// Expressions referencing missing paths resolve to nil.
func (p *ParamResolver) ResolveForItem(value any, item core.Item) any {
	s, ok := value.(string)
	if !ok || !IsExpression(s) {
		return value
	}
	expr := strings.TrimSpace(s)
	expr = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(expr, "{{"), "}}"))
	if expr == "json" {
		return item.JSON
	}
	path, ok := strings.CutPrefix(expr, "json.")
	if !ok {
		// Unknown expression root; leave the raw value for the
		// behavior to interpret.
		return value
	}
	data, err := json.Marshal(item.JSON)
	if err != nil {
		return nil
	}
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

// ResolveAll evaluates every parameter value against the first main
// item, returning a new map.
func (p *ParamResolver) ResolveAll(params map[string]any) map[string]any {
	resolved := make(map[string]any, len(params))
	for name, value := range params {
		resolved[name] = p.Resolve(value)
	}
	return resolved
}

// ApplyDefaults fills parameters absent from the map with their schema
// defaults.
func ApplyDefaults(params map[string]any, schema map[string]ParamSpec) map[string]any {
	out := make(map[string]any, len(params)+len(schema))
	for name, value := range params {
		out[name] = value
	}
	for name, spec := range schema {
		if _, ok := out[name]; !ok && spec.Default != nil {
			out[name] = spec.Default
		}
	}
	return out
}
