package graph

import (
	"errors"
	"fmt"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/node"
	"github.com/flowmesh/flowmesh/engine/workflow"
)

// Graph is the validated, immutable view of one workflow version:
// node set, directed connections and the computed execution order.
// A graph is owned by a single run and never mutated after Build.
type Graph struct {
	config   *workflow.Config
	nodes    map[core.NodeID]*workflow.Node
	order    []core.NodeID
	incoming map[core.NodeID][]workflow.Connection
	outgoing map[core.NodeID][]workflow.Connection
}

// Build validates the definition against the registry's declared pin
// shapes and computes a deterministic topological order. Loop-back
// edges (connections leaving a pin the source node's template marks as
// loop-back) are excluded from cycle analysis. Unknown node types do
// not fail the build; they surface as error results at execution time.
func Build(cfg *workflow.Config, registry *node.Registry) (*Graph, error) {
	if cfg == nil {
		return nil, &ValidationError{Reason: "workflow definition is nil"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	g := &Graph{
		config:   cfg,
		nodes:    make(map[core.NodeID]*workflow.Node, len(cfg.Nodes)),
		incoming: make(map[core.NodeID][]workflow.Connection),
		outgoing: make(map[core.NodeID][]workflow.Connection),
	}
	for _, n := range cfg.Nodes {
		g.nodes[n.ID] = n
	}
	for _, conn := range cfg.Connections {
		conn.Normalize()
		loopBack := isLoopBackEdge(g.nodes[conn.SourceNode], conn.SourceOutput, registry)
		if conn.SourceNode == conn.TargetNode && !loopBack {
			return nil, &ValidationError{
				Reason: fmt.Sprintf("node %q has a self-loop on pin %q", conn.SourceNode, conn.SourceOutput),
			}
		}
		g.incoming[conn.TargetNode] = append(g.incoming[conn.TargetNode], conn)
		g.outgoing[conn.SourceNode] = append(g.outgoing[conn.SourceNode], conn)
	}
	order, err := g.topologicalOrder(registry)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func isLoopBackEdge(source *workflow.Node, pin string, registry *node.Registry) bool {
	if source == nil || registry == nil {
		return false
	}
	tpl, err := registry.Resolve(source.Type)
	if err != nil {
		return false
	}
	return tpl.IsLoopBackPin(pin)
}

// topologicalOrder runs Kahn's algorithm over the non-loop-back edges,
// breaking ties by node-declaration order for determinism.
func (g *Graph) topologicalOrder(registry *node.Registry) ([]core.NodeID, error) {
	declIndex := make(map[core.NodeID]int, len(g.config.Nodes))
	for i, n := range g.config.Nodes {
		declIndex[n.ID] = i
	}
	indegree := make(map[core.NodeID]int, len(g.nodes))
	successors := make(map[core.NodeID][]core.NodeID)
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, conns := range g.outgoing {
		for _, conn := range conns {
			if isLoopBackEdge(g.nodes[conn.SourceNode], conn.SourceOutput, registry) {
				continue
			}
			indegree[conn.TargetNode]++
			successors[conn.SourceNode] = append(successors[conn.SourceNode], conn.TargetNode)
		}
	}
	order := make([]core.NodeID, 0, len(g.nodes))
	for len(order) < len(g.nodes) {
		next := core.NodeID("")
		nextIdx := -1
		for id, deg := range indegree {
			if deg != 0 {
				continue
			}
			if nextIdx == -1 || declIndex[id] < nextIdx {
				next = id
				nextIdx = declIndex[id]
			}
		}
		if nextIdx == -1 {
			return nil, &CircularDependencyError{Cycle: g.findCycle(indegree, successors)}
		}
		order = append(order, next)
		delete(indegree, next)
		for _, succ := range successors[next] {
			if _, remaining := indegree[succ]; remaining {
				indegree[succ]--
			}
		}
	}
	return order, nil
}

// findCycle searches the remaining nodes depth-first until an edge
// closes back onto the current path, producing a concrete cycle for the
// error message. Remaining nodes that merely sit downstream of the
// cycle are backtracked past, never reported as part of it.
func (g *Graph) findCycle(remaining map[core.NodeID]int, successors map[core.NodeID][]core.NodeID) []core.NodeID {
	onPath := make(map[core.NodeID]int)
	done := make(map[core.NodeID]bool)
	path := []core.NodeID{}
	var cycle []core.NodeID

	var visit func(id core.NodeID) bool
	visit = func(id core.NodeID) bool {
		onPath[id] = len(path)
		path = append(path, id)
		for _, succ := range successors[id] {
			if _, inRemaining := remaining[succ]; !inRemaining || done[succ] {
				continue
			}
			if at, seen := onPath[succ]; seen {
				cycle = append([]core.NodeID{}, path[at:]...)
				return true
			}
			if visit(succ) {
				return true
			}
		}
		delete(onPath, id)
		path = path[:len(path)-1]
		done[id] = true
		return false
	}
	for id := range remaining {
		if !done[id] && visit(id) {
			return cycle
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// Config returns the workflow definition backing the graph.
func (g *Graph) Config() *workflow.Config {
	return g.config
}

// Order returns the topological execution order.
func (g *Graph) Order() []core.NodeID {
	return g.order
}

// Node returns a node of the graph.
func (g *Graph) Node(id core.NodeID) (*workflow.Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, errors.New("node not in graph: " + id.String())
	}
	return n, nil
}

// Incoming returns the connections targeting a node, in declaration
// order. Fan-in concatenation follows this order.
func (g *Graph) Incoming(id core.NodeID) []workflow.Connection {
	return g.incoming[id]
}

// Outgoing returns the connections leaving a node, in declaration order.
func (g *Graph) Outgoing(id core.NodeID) []workflow.Connection {
	return g.outgoing[id]
}

// Descendants returns every node reachable from the given node over
// its outgoing connections. Used for the partial-failure halt rule.
func (g *Graph) Descendants(id core.NodeID) map[core.NodeID]struct{} {
	reached := make(map[core.NodeID]struct{})
	stack := []core.NodeID{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, conn := range g.outgoing[current] {
			if _, seen := reached[conn.TargetNode]; seen || conn.TargetNode == id {
				continue
			}
			reached[conn.TargetNode] = struct{}{}
			stack = append(stack, conn.TargetNode)
		}
	}
	return reached
}

// HasIncoming reports whether a node has any incoming connections.
func (g *Graph) HasIncoming(id core.NodeID) bool {
	return len(g.incoming[id]) > 0
}
