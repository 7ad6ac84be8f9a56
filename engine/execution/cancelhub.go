package execution

import (
	"sync"

	"github.com/flowmesh/flowmesh/engine/core"
)

// CancelHub tracks in-flight runs so cancellation requests can reach
// the owning context. Only runs executing in this process are visible;
// a run owned by another replica keeps executing until its lease turns
// over.
type CancelHub struct {
	mu   sync.Mutex
	runs map[core.ID]*Context
}

func NewCancelHub() *CancelHub {
	return &CancelHub{runs: make(map[core.ID]*Context)}
}

// Register makes a run cancelable and returns the deregistration func.
func (h *CancelHub) Register(ec *Context) func() {
	h.mu.Lock()
	h.runs[ec.ExecID()] = ec
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.runs, ec.ExecID())
		h.mu.Unlock()
	}
}

// Cancel flips the cancellation flag of a registered run. It reports
// whether the run was found in this process.
func (h *CancelHub) Cancel(execID core.ID) bool {
	h.mu.Lock()
	ec, ok := h.runs[execID]
	h.mu.Unlock()
	if ok {
		ec.Cancel()
	}
	return ok
}
