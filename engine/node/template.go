package node

import (
	"context"
	"fmt"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// -----------------------------------------------------------------------------
// Behavior contract
// -----------------------------------------------------------------------------

// Request carries everything a behavior may use: resolved parameters,
// the items gathered on each input pin, an optional trigger seed item,
// and the execution services. No ambient state is reachable from a
// behavior beyond what this struct injects.
type Request struct {
	NodeID     core.NodeID
	Parameters map[string]any
	Inputs     map[string][]core.Item
	Seed       *core.Item
	Services   *ExecutionServices
}

// MainInput returns the items on the default input pin.
func (r *Request) MainInput() []core.Item {
	return r.Inputs[core.PinMain]
}

// Behavior performs the node's work and returns the populated output
// pins. Pins absent from the returned map carry zero items.
type Behavior func(ctx context.Context, req *Request) (map[string][]core.Item, error)

// ExecutionServices is the explicit service surface handed to behaviors
// in place of any implicit invocation context.
type ExecutionServices struct {
	Logger logger.Logger
	// Canceled reports whether the run has been canceled. Behaviors
	// honor it cooperatively; the enclosing timeout is the hard stop.
	Canceled func() bool
	// Params resolves item-reference expressions inside parameter
	// values against the behavior's own inputs.
	Params *ParamResolver
}

// -----------------------------------------------------------------------------
// Parameter schema
// -----------------------------------------------------------------------------

// ParamSpec declares one parameter for validation. Evaluation of
// expression values happens at run time, not here.
type ParamSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// -----------------------------------------------------------------------------
// Template
// -----------------------------------------------------------------------------

// SpecTemplate declares the shape of one node kind: its pins, trigger
// classification, parameter schema and the behavior that does the work.
type SpecTemplate struct {
	Type        string
	DisplayName string
	Inputs      []string
	Outputs     []string
	Trigger     core.TriggerKind
	// LoopBackPins lists output pins whose connections are excluded
	// from cycle analysis (e.g. a loop node's next-iteration pin).
	LoopBackPins []string
	// Isolated is descriptor metadata marking kinds that execute user
	// code in the sandbox subprocess. The sandbox routing itself lives
	// in the kind's behavior, not in the dispatch path.
	Isolated     bool
	ParamsSchema map[string]ParamSpec
	Behavior     Behavior
}

// IsLoopBackPin reports whether connections from the named output pin
// are loop-back edges.
func (t *SpecTemplate) IsLoopBackPin(pin string) bool {
	for _, p := range t.LoopBackPins {
		if p == pin {
			return true
		}
	}
	return false
}

// HasOutput reports whether the template declares the named output pin.
func (t *SpecTemplate) HasOutput(pin string) bool {
	for _, p := range t.Outputs {
		if p == pin {
			return true
		}
	}
	return false
}

// ValidateParams checks parameter presence and scalar types against the
// schema. Expression values (strings wrapped in {{ }}) pass through
// unchecked since they resolve at run time.
func (t *SpecTemplate) ValidateParams(params map[string]any) error {
	for name, spec := range t.ParamsSchema {
		value, ok := params[name]
		if !ok {
			if spec.Required && spec.Default == nil {
				return fmt.Errorf("node type %q: missing required parameter %q", t.Type, name)
			}
			continue
		}
		if s, isString := value.(string); isString && IsExpression(s) {
			continue
		}
		if err := checkParamType(spec.Type, value); err != nil {
			return fmt.Errorf("node type %q: parameter %q: %w", t.Type, name, err)
		}
	}
	return nil
}

func checkParamType(kind string, value any) error {
	switch kind {
	case "", "any":
		return nil
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	default:
		return fmt.Errorf("unknown parameter type %q", kind)
	}
	return nil
}
