package builtin

import (
	"fmt"

	"github.com/flowmesh/flowmesh/engine/node"
	"github.com/flowmesh/flowmesh/engine/sandbox"
)

// Register adds the builtin catalog to a registry. The sandbox runner
// backs the code node; pass limits to bound user code per execution.
func Register(registry *node.Registry, runner sandbox.Runner, limits sandbox.Limits) error {
	templates := triggerTemplates()
	templates = append(templates,
		ifTemplate(),
		switchTemplate(),
		setTemplate(),
		mergeTemplate(),
		noopTemplate(),
	)
	if runner != nil {
		templates = append(templates, codeTemplate(runner, limits))
	}
	for _, tpl := range templates {
		if err := registry.Register(tpl); err != nil {
			return fmt.Errorf("registering builtin %q: %w", tpl.Type, err)
		}
	}
	return nil
}
