package builtin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/node"
	"github.com/flowmesh/flowmesh/engine/sandbox"
)

func TestSetBehavior(t *testing.T) {
	t.Run("Should write resolved values into each item", func(t *testing.T) {
		req := behaviorRequest(
			map[string]any{"values": map[string]any{
				"label":    "processed",
				"customer": "{{json.name}}",
			}},
			core.NewItem(map[string]any{"name": "ada"}),
			core.NewItem(map[string]any{"name": "grace"}),
		)
		outputs, err := setBehavior(context.Background(), req)
		require.NoError(t, err)
		items := outputs[core.PinMain]
		require.Len(t, items, 2)
		assert.Equal(t, "processed", items[0].JSON.(map[string]any)["label"])
		assert.Equal(t, "ada", items[0].JSON.(map[string]any)["customer"])
		assert.Equal(t, "grace", items[1].JSON.(map[string]any)["customer"])
	})
	t.Run("Should not mutate the input items", func(t *testing.T) {
		input := core.NewItem(map[string]any{"name": "ada"})
		req := behaviorRequest(
			map[string]any{"values": map[string]any{"label": "x"}},
			input,
		)
		_, err := setBehavior(context.Background(), req)
		require.NoError(t, err)
		_, mutated := input.JSON.(map[string]any)["label"]
		assert.False(t, mutated)
	})
	t.Run("Should replace non-object payloads with the assigned fields", func(t *testing.T) {
		req := behaviorRequest(
			map[string]any{"values": map[string]any{"label": "x"}},
			core.NewItem("just a string"),
		)
		outputs, err := setBehavior(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "x", outputs[core.PinMain][0].JSON.(map[string]any)["label"])
	})
	t.Run("Should fail without an object values parameter", func(t *testing.T) {
		req := behaviorRequest(map[string]any{"values": "nope"}, core.NewItem(nil))
		_, err := setBehavior(context.Background(), req)
		assert.Error(t, err)
	})
}

func TestMergeBehavior(t *testing.T) {
	t.Run("Should concatenate main items before secondary items", func(t *testing.T) {
		req := behaviorRequest(map[string]any{})
		req.Inputs = map[string][]core.Item{
			core.PinMain: {core.NewItem(map[string]any{"n": 1})},
			PinSecondary: {core.NewItem(map[string]any{"n": 2}), core.NewItem(map[string]any{"n": 3})},
		}
		outputs, err := mergeBehavior(context.Background(), req)
		require.NoError(t, err)
		items := outputs[core.PinMain]
		require.Len(t, items, 3)
		assert.Equal(t, 1, items[0].JSON.(map[string]any)["n"])
		assert.Equal(t, 3, items[2].JSON.(map[string]any)["n"])
	})
	t.Run("Should pass through with an empty secondary pin", func(t *testing.T) {
		req := behaviorRequest(map[string]any{}, core.NewItem(map[string]any{"n": 1}))
		outputs, err := mergeBehavior(context.Background(), req)
		require.NoError(t, err)
		assert.Len(t, outputs[core.PinMain], 1)
	})
}

func TestTriggerBehavior(t *testing.T) {
	t.Run("Should emit a copy of the seed item", func(t *testing.T) {
		seed := core.NewItem(map[string]any{"order": "A-1"})
		req := behaviorRequest(map[string]any{})
		req.Seed = &seed
		outputs, err := triggerBehavior(context.Background(), req)
		require.NoError(t, err)
		items := outputs[core.PinMain]
		require.Len(t, items, 1)
		items[0].JSON.(map[string]any)["order"] = "mutated"
		assert.Equal(t, "A-1", seed.JSON.(map[string]any)["order"])
	})
	t.Run("Should emit one empty item without a seed", func(t *testing.T) {
		outputs, err := triggerBehavior(context.Background(), behaviorRequest(map[string]any{}))
		require.NoError(t, err)
		items := outputs[core.PinMain]
		require.Len(t, items, 1)
		assert.Equal(t, map[string]any{}, items[0].JSON)
	})
}

// fakeRunner returns a canned output or error without spawning anything.
type fakeRunner struct {
	output   any
	err      error
	lastCode string
	lastIn   any
}

func (f *fakeRunner) Run(_ context.Context, code string, input any, _ sandbox.Limits) (any, error) {
	f.lastCode = code
	f.lastIn = input
	return f.output, f.err
}

func TestCodeBehavior(t *testing.T) {
	t.Run("Should map an array output to one item per element", func(t *testing.T) {
		runner := &fakeRunner{output: []any{map[string]any{"n": 1.0}, map[string]any{"n": 2.0}}}
		behavior := codeBehavior(runner, sandbox.Limits{})
		req := behaviorRequest(
			map[string]any{"code": "return input.items;"},
			core.NewItem(map[string]any{"n": 1.0}),
		)
		outputs, err := behavior(context.Background(), req)
		require.NoError(t, err)
		assert.Len(t, outputs[core.PinMain], 2)
		assert.Equal(t, "return input.items;", runner.lastCode)
		assert.Equal(t, map[string]any{"items": []any{map[string]any{"n": 1.0}}}, runner.lastIn)
	})
	t.Run("Should wrap a scalar output in a single item", func(t *testing.T) {
		runner := &fakeRunner{output: map[string]any{"ok": true}}
		behavior := codeBehavior(runner, sandbox.Limits{})
		outputs, err := behavior(context.Background(), behaviorRequest(map[string]any{"code": "return {ok: true};"}))
		require.NoError(t, err)
		require.Len(t, outputs[core.PinMain], 1)
	})
	t.Run("Should propagate sandbox faults", func(t *testing.T) {
		runner := &fakeRunner{err: sandbox.ErrTimeout}
		behavior := codeBehavior(runner, sandbox.Limits{})
		_, err := behavior(context.Background(), behaviorRequest(map[string]any{"code": "while(true){}"}))
		assert.True(t, errors.Is(err, sandbox.ErrTimeout))
	})
	t.Run("Should require the code parameter", func(t *testing.T) {
		behavior := codeBehavior(&fakeRunner{}, sandbox.Limits{})
		_, err := behavior(context.Background(), behaviorRequest(map[string]any{}))
		assert.Error(t, err)
	})
}

func TestRegister(t *testing.T) {
	t.Run("Should register the full builtin catalog", func(t *testing.T) {
		registry := node.NewRegistry()
		require.NoError(t, Register(registry, &fakeRunner{}, sandbox.Limits{}))
		for _, nodeType := range []string{
			TypeManualTrigger, TypeWebhookTrigger, TypeScheduleTrigger,
			TypeErrorTrigger, TypeCalledTrigger,
			TypeIf, TypeSwitch, TypeSet, TypeMerge, TypeNoop, TypeCode,
		} {
			_, err := registry.Resolve(nodeType)
			assert.NoError(t, err, nodeType)
		}
	})
	t.Run("Should omit the code node without a runner", func(t *testing.T) {
		registry := node.NewRegistry()
		require.NoError(t, Register(registry, nil, sandbox.Limits{}))
		_, err := registry.Resolve(TypeCode)
		assert.ErrorIs(t, err, node.ErrUnknownNodeType)
	})
}
