package graph

import (
	"fmt"
	"strings"

	"github.com/flowmesh/flowmesh/engine/core"
)

// ValidationError reports a structurally malformed graph. Runs abort
// before any node executes.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid graph: %s", e.Reason)
}

// CircularDependencyError names a dependency cycle found after
// excluding declared loop-back edges.
type CircularDependencyError struct {
	Cycle []core.NodeID
}

func (e *CircularDependencyError) Error() string {
	names := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		names[i] = id.String()
	}
	return fmt.Sprintf("circular dependency: %s", strings.Join(names, " -> "))
}
