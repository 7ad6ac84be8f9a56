package core

// NodeID identifies a node within one workflow definition.
type NodeID string

func (n NodeID) String() string {
	return string(n)
}

// -----------------------------------------------------------------------------
// Statuses
// -----------------------------------------------------------------------------

// StatusType is the lifecycle status of a run or a node execution.
type StatusType string

const (
	StatusPending  StatusType = "PENDING"
	StatusRunning  StatusType = "RUNNING"
	StatusSuccess  StatusType = "SUCCESS"
	StatusError    StatusType = "ERROR"
	StatusSkipped  StatusType = "SKIPPED"
	StatusFailed   StatusType = "FAILED"
	StatusCanceled StatusType = "CANCELED"
)

func (s StatusType) String() string {
	return string(s)
}

// IsTerminal reports whether the status can no longer change.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusSkipped, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Run Modes
// -----------------------------------------------------------------------------

// RunMode records how a run was triggered.
type RunMode string

const (
	ModeManual   RunMode = "manual"
	ModeWebhook  RunMode = "webhook"
	ModeSchedule RunMode = "schedule"
	ModeCalled   RunMode = "workflow-called"
	ModeError    RunMode = "error"
)

func (m RunMode) String() string {
	return string(m)
}

// -----------------------------------------------------------------------------
// Trigger Classification
// -----------------------------------------------------------------------------

// TriggerKind classifies a node kind's trigger role, if any.
type TriggerKind string

const (
	TriggerNone     TriggerKind = "none"
	TriggerManual   TriggerKind = "manual"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerSchedule TriggerKind = "schedule"
	TriggerError    TriggerKind = "error"
	TriggerCalled   TriggerKind = "workflow-called"
)

// Matches reports whether a trigger kind can start a run of the given mode.
// A manual run may start from any trigger node; error-workflow runs start
// from the error trigger.
func (k TriggerKind) Matches(mode RunMode) bool {
	switch mode {
	case ModeManual:
		return k != TriggerNone
	case ModeWebhook:
		return k == TriggerWebhook
	case ModeSchedule:
		return k == TriggerSchedule
	case ModeCalled:
		return k == TriggerCalled
	case ModeError:
		return k == TriggerError
	default:
		return false
	}
}
