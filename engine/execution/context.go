package execution

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/graph"
	"github.com/flowmesh/flowmesh/engine/workflow"
)

// Context holds the mutable state of one run: the resolved graph, the
// per-node result cache and the cancellation flag. One Context owns its
// graph exclusively for the duration of the run.
type Context struct {
	execID core.ID
	mode   core.RunMode
	graph  *graph.Graph
	seed   *core.Item

	mu       sync.RWMutex
	results  map[core.NodeID]*NodeResult
	canceled atomic.Bool
}

func NewContext(execID core.ID, mode core.RunMode, g *graph.Graph, seed *core.Item) *Context {
	return &Context{
		execID:  execID,
		mode:    mode,
		graph:   g,
		seed:    seed,
		results: make(map[core.NodeID]*NodeResult),
	}
}

func (c *Context) ExecID() core.ID {
	return c.execID
}

func (c *Context) Mode() core.RunMode {
	return c.mode
}

func (c *Context) Graph() *graph.Graph {
	return c.graph
}

// Seed returns the externally supplied trigger payload, if any.
func (c *Context) Seed() *core.Item {
	return c.seed
}

// Cancel sets the run-level cancellation flag. In-flight behaviors see
// it through their cooperative cancellation signal.
func (c *Context) Cancel() {
	c.canceled.Store(true)
}

func (c *Context) Canceled() bool {
	return c.canceled.Load()
}

// -----------------------------------------------------------------------------
// Result cache
// -----------------------------------------------------------------------------

// RecordResult stores a node result in the run's cache.
func (c *Context) RecordResult(result *NodeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[result.NodeID] = result
}

// Result returns the cached result for a node.
func (c *Context) Result(id core.NodeID) (*NodeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.results[id]
	return result, ok
}

// Results returns a copy of the result cache keyed by node.
func (c *Context) Results() map[core.NodeID]*NodeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[core.NodeID]*NodeResult, len(c.results))
	for id, result := range c.results {
		out[id] = result
	}
	return out
}

// Preload seeds the result cache from a prior record, enabling a
// resumed run to skip nodes already recorded successful.
func (c *Context) Preload(record *Record) {
	if record == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, result := range record.NodeResults {
		if result.Status == core.StatusSuccess || result.Status == core.StatusSkipped {
			c.results[id] = result
		}
	}
}

// -----------------------------------------------------------------------------
// Input gathering
// -----------------------------------------------------------------------------

// GatherInputs concatenates, for each input pin of the node, the items
// delivered by every connection targeting it, in connection-declaration
// order. Precedence per source node: pinned mock data beats any live
// result; a live result beats unpinned mock data. Pinning is an
// explicit freeze of the source node's output and is never overridden
// by a later live execution.
func (c *Context) GatherInputs(id core.NodeID) map[string][]core.Item {
	inputs := make(map[string][]core.Item)
	for _, conn := range c.graph.Incoming(id) {
		items := c.itemsOnPin(conn.SourceNode, conn.SourceOutput)
		if len(items) == 0 {
			continue
		}
		inputs[conn.TargetInput] = append(inputs[conn.TargetInput], core.CopyItems(items)...)
	}
	return inputs
}

func (c *Context) itemsOnPin(source core.NodeID, pin string) []core.Item {
	n, err := c.graph.Node(source)
	if err != nil {
		return nil
	}
	if n.MockDataPinned && n.MockData != nil {
		if pin == core.PinMain {
			return MockItems(n)
		}
		return nil
	}
	c.mu.RLock()
	result, ok := c.results[source]
	c.mu.RUnlock()
	if ok && result.Status.IsTerminal() {
		return result.OutputItems(pin)
	}
	if n.MockData != nil && pin == core.PinMain {
		return MockItems(n)
	}
	return nil
}

// MockItems expands a node's mock data into items. Array-valued mock
// data becomes one item per element; anything else becomes one item.
func MockItems(n *workflow.Node) []core.Item {
	data := deepcopy.Copy(n.MockData)
	if list, ok := data.([]any); ok {
		items := make([]core.Item, len(list))
		for i, element := range list {
			items[i] = core.NewItem(element)
		}
		return items
	}
	return []core.Item{core.NewItem(data)}
}

// MockResult builds the skipped result substituted for a pinned node.
func MockResult(n *workflow.Node) *NodeResult {
	now := time.Now().UTC()
	return &NodeResult{
		NodeID:    n.ID,
		Status:    core.StatusSkipped,
		StartTime: now,
		EndTime:   now,
		Outputs:   map[string][]core.Item{core.PinMain: MockItems(n)},
	}
}
