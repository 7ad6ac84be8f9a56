package workflow

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/flowmesh/flowmesh/engine/core"
)

// -----------------------------------------------------------------------------
// Definition
// -----------------------------------------------------------------------------

// CredentialRef names a stored credential. The engine never resolves it;
// a collaborator injects the resolved secret into the behavior request.
type CredentialRef struct {
	ID   string `json:"id"   yaml:"id"   validate:"required"`
	Type string `json:"type" yaml:"type"`
}

// Node is one node of a workflow definition.
type Node struct {
	ID             core.NodeID     `json:"id"              yaml:"id"              validate:"required"`
	Type           string          `json:"type"            yaml:"type"            validate:"required"`
	Name           string          `json:"name,omitempty"  yaml:"name,omitempty"`
	Parameters     map[string]any  `json:"parameters,omitempty"      yaml:"parameters,omitempty"`
	Disabled       bool            `json:"disabled,omitempty"        yaml:"disabled,omitempty"`
	MockData       any             `json:"mock_data,omitempty"       yaml:"mock_data,omitempty"`
	MockDataPinned bool            `json:"mock_data_pinned,omitempty" yaml:"mock_data_pinned,omitempty"`
	CredentialRefs []CredentialRef `json:"credentials,omitempty"     yaml:"credentials,omitempty"`
}

// DisplayName returns the human-facing node name, falling back to the id.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID.String()
}

// Connection is a directed edge from an output pin to an input pin.
type Connection struct {
	SourceNode   core.NodeID `json:"source_node"             yaml:"source_node"   validate:"required"`
	SourceOutput string      `json:"source_output,omitempty" yaml:"source_output,omitempty"`
	TargetNode   core.NodeID `json:"target_node"             yaml:"target_node"   validate:"required"`
	TargetInput  string      `json:"target_input,omitempty"  yaml:"target_input,omitempty"`
}

// Normalize fills in the default pin names.
func (c *Connection) Normalize() {
	if c.SourceOutput == "" {
		c.SourceOutput = core.PinMain
	}
	if c.TargetInput == "" {
		c.TargetInput = core.PinMain
	}
}

// Settings carries per-workflow execution policy.
type Settings struct {
	// ErrorWorkflow names the workflow enqueued when a run of this
	// workflow terminates with a failed node.
	ErrorWorkflow string `json:"error_workflow,omitempty" yaml:"error_workflow,omitempty"`
	// Timeout bounds a single node execution; zero means the engine
	// default applies.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxConcurrentRuns overrides the queue's per-workflow admission
	// ceiling when positive.
	MaxConcurrentRuns int `json:"max_concurrent_runs,omitempty" yaml:"max_concurrent_runs,omitempty"`
}

// Config is one immutable workflow version.
type Config struct {
	ID          string       `json:"id"          yaml:"id"          validate:"required"`
	Name        string       `json:"name"        yaml:"name"`
	Version     int          `json:"version"     yaml:"version"`
	Settings    Settings     `json:"settings"    yaml:"settings"`
	Nodes       []*Node      `json:"nodes"       yaml:"nodes"       validate:"required,min=1,dive,required"`
	Connections []Connection `json:"connections" yaml:"connections" validate:"dive"`
}

// Validate checks structural constraints that do not require the node
// registry: field presence, unique node ids and connection endpoints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid workflow %q: %w", c.ID, err)
	}
	seen := make(map[core.NodeID]struct{}, len(c.Nodes))
	for _, node := range c.Nodes {
		if _, dup := seen[node.ID]; dup {
			return fmt.Errorf("invalid workflow %q: duplicate node id %q", c.ID, node.ID)
		}
		seen[node.ID] = struct{}{}
	}
	for i := range c.Connections {
		c.Connections[i].Normalize()
		conn := c.Connections[i]
		if _, ok := seen[conn.SourceNode]; !ok {
			return fmt.Errorf("invalid workflow %q: connection references unknown source node %q", c.ID, conn.SourceNode)
		}
		if _, ok := seen[conn.TargetNode]; !ok {
			return fmt.Errorf("invalid workflow %q: connection references unknown target node %q", c.ID, conn.TargetNode)
		}
	}
	return nil
}

// NodeByID returns a node of the definition.
func (c *Config) NodeByID(id core.NodeID) (*Node, bool) {
	for _, node := range c.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return nil, false
}
