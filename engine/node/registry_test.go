package node

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/engine/core"
)

func noopBehavior(_ context.Context, req *Request) (map[string][]core.Item, error) {
	return map[string][]core.Item{core.PinMain: req.MainInput()}, nil
}

func testTemplate(nodeType string) *SpecTemplate {
	return &SpecTemplate{
		Type:     nodeType,
		Inputs:   []string{core.PinMain},
		Outputs:  []string{core.PinMain},
		Trigger:  core.TriggerNone,
		Behavior: noopBehavior,
	}
}

func TestRegistry(t *testing.T) {
	t.Run("Should register and resolve a template", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(testTemplate("flowmesh.test.a")))
		tpl, err := registry.Resolve("flowmesh.test.a")
		require.NoError(t, err)
		assert.Equal(t, "flowmesh.test.a", tpl.Type)
	})
	t.Run("Should reject templates without a type or behavior", func(t *testing.T) {
		registry := NewRegistry()
		assert.Error(t, registry.Register(&SpecTemplate{Behavior: noopBehavior}))
		assert.Error(t, registry.Register(&SpecTemplate{Type: "flowmesh.test.b"}))
	})
	t.Run("Should return ErrUnknownNodeType for unregistered types", func(t *testing.T) {
		_, err := NewRegistry().Resolve("flowmesh.ghost")
		assert.ErrorIs(t, err, ErrUnknownNodeType)
	})
	t.Run("Should list types in sorted order", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(testTemplate("flowmesh.test.b")))
		require.NoError(t, registry.Register(testTemplate("flowmesh.test.a")))
		assert.Equal(t, []string{"flowmesh.test.a", "flowmesh.test.b"}, registry.Types())
	})
}

func TestDescriptorJSON(t *testing.T) {
	t.Run("Should serve a minified descriptor", func(t *testing.T) {
		registry := NewRegistry()
		tpl := testTemplate("flowmesh.test.a")
		tpl.DisplayName = "Test A"
		tpl.ParamsSchema = map[string]ParamSpec{"name": {Type: "string", Required: true}}
		require.NoError(t, registry.Register(tpl))

		data, err := registry.DescriptorJSON("flowmesh.test.a")
		require.NoError(t, err)
		var descriptor Descriptor
		require.NoError(t, json.Unmarshal(data, &descriptor))
		assert.Equal(t, "flowmesh.test.a", descriptor.Type)
		assert.Equal(t, "Test A", descriptor.DisplayName)
		assert.Equal(t, []string{core.PinMain}, descriptor.Outputs)
		assert.True(t, descriptor.ParamsSchema["name"].Required)
	})
	t.Run("Should serve the cached bytes on repeat lookups", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(testTemplate("flowmesh.test.a")))
		first, err := registry.DescriptorJSON("flowmesh.test.a")
		require.NoError(t, err)
		second, err := registry.DescriptorJSON("flowmesh.test.a")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
	t.Run("Should invalidate the cache when a type is re-registered", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(testTemplate("flowmesh.test.a")))
		_, err := registry.DescriptorJSON("flowmesh.test.a")
		require.NoError(t, err)

		replacement := testTemplate("flowmesh.test.a")
		replacement.DisplayName = "Replaced"
		require.NoError(t, registry.Register(replacement))
		data, err := registry.DescriptorJSON("flowmesh.test.a")
		require.NoError(t, err)
		var descriptor Descriptor
		require.NoError(t, json.Unmarshal(data, &descriptor))
		assert.Equal(t, "Replaced", descriptor.DisplayName)
	})
	t.Run("Should fail for unknown types", func(t *testing.T) {
		_, err := NewRegistry().DescriptorJSON("flowmesh.ghost")
		assert.ErrorIs(t, err, ErrUnknownNodeType)
	})
}
