package execution

import (
	"time"

	"github.com/flowmesh/flowmesh/engine/core"
)

// NodeResult records one node execution. It is created when the node
// begins executing (or when mock data substitutes for it) and becomes
// immutable once its status is terminal.
type NodeResult struct {
	NodeID    core.NodeID            `json:"node_id"`
	Status    core.StatusType        `json:"status"`
	StartTime time.Time              `json:"start_time"`
	EndTime   time.Time              `json:"end_time,omitempty"`
	Outputs   map[string][]core.Item `json:"outputs,omitempty"`
	Error     *core.Error            `json:"error,omitempty"`
}

// Duration returns the node's wall-clock execution time.
func (r *NodeResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// OutputItems returns the items the node produced on a pin.
func (r *NodeResult) OutputItems(pin string) []core.Item {
	if r.Outputs == nil {
		return nil
	}
	return r.Outputs[pin]
}

// Record is the durable state of one run: its status plus every
// per-node result, keyed for idempotent resume.
type Record struct {
	ID          core.ID                      `json:"id"`
	WorkflowID  string                       `json:"workflow_id"`
	Status      core.StatusType              `json:"status"`
	Mode        core.RunMode                 `json:"mode"`
	StartedAt   time.Time                    `json:"started_at"`
	FinishedAt  *time.Time                   `json:"finished_at,omitempty"`
	NodeResults map[core.NodeID]*NodeResult  `json:"node_results"`
}

func NewRecord(id core.ID, workflowID string, mode core.RunMode) *Record {
	return &Record{
		ID:          id,
		WorkflowID:  workflowID,
		Status:      core.StatusPending,
		Mode:        mode,
		StartedAt:   time.Now().UTC(),
		NodeResults: make(map[core.NodeID]*NodeResult),
	}
}

// Close marks the record terminal with the given status.
func (r *Record) Close(status core.StatusType) {
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
}

// WorkflowErrorData is the synthesized seed item delivered to an error
// workflow when a run terminates with a failed node.
type WorkflowErrorData struct {
	ExecutionID    core.ID      `json:"execution_id"`
	WorkflowID     string       `json:"workflow_id"`
	Mode           core.RunMode `json:"mode"`
	FailedNodeID   core.NodeID  `json:"failed_node_id"`
	FailedNodeName string       `json:"failed_node_name"`
	FailedNodeType string       `json:"failed_node_type"`
	Message        string       `json:"message"`
	StartedAt      time.Time    `json:"started_at"`
	FailedAt       time.Time    `json:"failed_at"`
}

// AsItem wraps the error data as the seed item for the error run.
func (d *WorkflowErrorData) AsItem() core.Item {
	return core.NewItem(map[string]any{
		"execution_id":     d.ExecutionID.String(),
		"workflow_id":      d.WorkflowID,
		"mode":             d.Mode.String(),
		"failed_node_id":   d.FailedNodeID.String(),
		"failed_node_name": d.FailedNodeName,
		"failed_node_type": d.FailedNodeType,
		"message":          d.Message,
		"started_at":       d.StartedAt,
		"failed_at":        d.FailedAt,
	})
}
