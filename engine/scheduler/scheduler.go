package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/engine/node"
	"github.com/flowmesh/flowmesh/engine/sandbox"
	"github.com/flowmesh/flowmesh/engine/stream"
	"github.com/flowmesh/flowmesh/engine/workflow"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// ErrorEnqueuer submits the error-workflow run synthesized when a run
// terminates with a failed node. The queue service implements it.
type ErrorEnqueuer interface {
	EnqueueErrorRun(ctx context.Context, workflowID string, data *execution.WorkflowErrorData) error
}

// ResultSink receives every terminal node result as it lands, before
// the next node dispatches. The worker wires it to the state store.
type ResultSink func(ctx context.Context, execID core.ID, result *execution.NodeResult) error

// Engine drives one run through its graph: nodes execute sequentially
// in topological order, branching follows whatever pins each behavior
// populated, and failures halt only the failed node's descendants.
type Engine struct {
	registry       *node.Registry
	publisher      stream.Publisher
	sink           ResultSink
	errorEnqueuer  ErrorEnqueuer
	defaultTimeout time.Duration
}

// Option configures the Engine.
type Option func(*Engine)

func WithPublisher(p stream.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithResultSink(sink ResultSink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithErrorEnqueuer(enq ErrorEnqueuer) Option {
	return func(e *Engine) { e.errorEnqueuer = enq }
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

func New(registry *node.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:       registry,
		publisher:      stream.NopPublisher{},
		defaultTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the graph owned by the context to a terminal status:
// StatusSuccess, StatusFailed or StatusCanceled. Graph-level validation
// happened at Build; Run never returns an error for node failures, only
// for sink failures that make further progress pointless.
func (e *Engine) Run(ctx context.Context, ec *execution.Context) (core.StatusType, error) {
	log := logger.FromContext(ctx).With("execution_id", ec.ExecID())
	cfg := ec.Graph().Config()
	e.publish(ctx, stream.Event{
		Type:        stream.EventRunStarted,
		ExecutionID: ec.ExecID(),
		WorkflowID:  cfg.ID,
		Status:      core.StatusRunning,
		At:          time.Now().UTC(),
	})

	var failed *execution.NodeResult
	halted := map[core.NodeID]struct{}{}
	canceled := false

	for _, nodeID := range ec.Graph().Order() {
		if ec.Canceled() {
			canceled = true
			break
		}
		if _, skip := halted[nodeID]; skip {
			continue
		}
		if prior, ok := ec.Result(nodeID); ok && prior.Status.IsTerminal() {
			// Resumed run: the result is already recorded.
			continue
		}
		result, err := e.executeNode(ctx, ec, nodeID)
		if err != nil {
			return core.StatusFailed, err
		}
		if result.Status == core.StatusError && ec.Mode() != core.ModeError {
			if failed == nil {
				failed = result
			}
			for id := range ec.Graph().Descendants(nodeID) {
				halted[id] = struct{}{}
			}
			log.Warn("node failed, halting downstream nodes",
				"node_id", nodeID, "halted", len(halted))
		} else if result.Status == core.StatusError && failed == nil {
			failed = result
		}
	}

	status := core.StatusSuccess
	switch {
	case canceled:
		status = core.StatusCanceled
	case failed != nil:
		status = core.StatusFailed
	}
	e.publish(ctx, stream.Event{
		Type:        stream.EventRunFinished,
		ExecutionID: ec.ExecID(),
		WorkflowID:  cfg.ID,
		Status:      status,
		At:          time.Now().UTC(),
	})
	if status == core.StatusFailed && ec.Mode() != core.ModeError {
		e.triggerErrorWorkflow(ctx, ec, failed)
	}
	return status, nil
}

// executeNode runs a single node to a terminal result, records it in
// the context cache and forwards it to the sink and the stream.
func (e *Engine) executeNode(ctx context.Context, ec *execution.Context, nodeID core.NodeID) (*execution.NodeResult, error) {
	n, err := ec.Graph().Node(nodeID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, stream.Event{
		Type:        stream.EventNodeStarted,
		ExecutionID: ec.ExecID(),
		WorkflowID:  ec.Graph().Config().ID,
		NodeID:      nodeID,
		Status:      core.StatusRunning,
		At:          time.Now().UTC(),
	})

	var result *execution.NodeResult
	switch {
	case n.Disabled:
		result = e.disabledResult(n)
	case n.MockDataPinned && n.MockData != nil:
		result = execution.MockResult(n)
	default:
		result = e.invokeBehavior(ctx, ec, n)
	}

	ec.RecordResult(result)
	if e.sink != nil {
		if err := e.sink(ctx, ec.ExecID(), result); err != nil {
			return nil, fmt.Errorf("persisting result for node %q: %w", nodeID, err)
		}
	}
	e.publish(ctx, stream.Event{
		Type:        stream.EventNodeDone,
		ExecutionID: ec.ExecID(),
		WorkflowID:  ec.Graph().Config().ID,
		NodeID:      nodeID,
		Status:      result.Status,
		Result:      result,
		At:          time.Now().UTC(),
	})
	return result, nil
}

// disabledResult produces the skipped record for a disabled node:
// empty items on every declared output pin, never an error downstream.
func (e *Engine) disabledResult(n *workflow.Node) *execution.NodeResult {
	now := time.Now().UTC()
	outputs := map[string][]core.Item{}
	if tpl, err := e.registry.Resolve(n.Type); err == nil {
		for _, pin := range tpl.Outputs {
			outputs[pin] = nil
		}
	}
	return &execution.NodeResult{
		NodeID:    n.ID,
		Status:    core.StatusSkipped,
		StartTime: now,
		EndTime:   now,
		Outputs:   outputs,
	}
}

func (e *Engine) invokeBehavior(ctx context.Context, ec *execution.Context, n *workflow.Node) *execution.NodeResult {
	start := time.Now().UTC()
	result := &execution.NodeResult{
		NodeID:    n.ID,
		Status:    core.StatusRunning,
		StartTime: start,
	}
	finishError := func(err error, code string) *execution.NodeResult {
		result.Status = core.StatusError
		result.EndTime = time.Now().UTC()
		result.Error = core.NewError(err, code, map[string]any{"node_type": n.Type})
		return result
	}

	tpl, err := e.registry.Resolve(n.Type)
	if err != nil {
		return finishError(err, "UNKNOWN_NODE_TYPE")
	}
	if tpl.Trigger != core.TriggerNone && !tpl.Trigger.Matches(ec.Mode()) {
		// A trigger that did not fire this run contributes nothing.
		result.Status = core.StatusSkipped
		result.EndTime = time.Now().UTC()
		result.Outputs = map[string][]core.Item{}
		return result
	}

	params := node.ApplyDefaults(n.Parameters, tpl.ParamsSchema)
	if err := tpl.ValidateParams(params); err != nil {
		return finishError(err, "VALIDATION_ERROR")
	}

	inputs := ec.GatherInputs(n.ID)
	req := &node.Request{
		NodeID:     n.ID,
		Parameters: params,
		Inputs:     inputs,
		Services: &node.ExecutionServices{
			Logger:   logger.FromContext(ctx).With("node_id", n.ID),
			Canceled: ec.Canceled,
			Params:   node.NewParamResolver(inputs),
		},
	}
	if tpl.Trigger != core.TriggerNone {
		req.Seed = ec.Seed()
	}

	outputs, err := e.dispatch(ctx, ec, tpl.Behavior, req)
	if err != nil {
		return finishError(err, errorCode(err))
	}
	if outputs == nil {
		outputs = map[string][]core.Item{}
	}
	result.Status = core.StatusSuccess
	result.EndTime = time.Now().UTC()
	result.Outputs = outputs
	return result
}

// dispatch invokes a behavior under the per-node timeout. Behaviors
// honor cancellation cooperatively; the timeout is the hard stop for
// anything that does not.
func (e *Engine) dispatch(
	ctx context.Context,
	ec *execution.Context,
	behavior node.Behavior,
	req *node.Request,
) (map[string][]core.Item, error) {
	timeout := e.defaultTimeout
	if t := ec.Graph().Config().Settings.Timeout; t > 0 {
		timeout = t
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		outputs map[string][]core.Item
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		outputs, err := behavior(nodeCtx, req)
		done <- outcome{outputs: outputs, err: err}
	}()
	select {
	case o := <-done:
		return o.outputs, o.err
	case <-nodeCtx.Done():
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("node execution timed out after %s: %w", timeout, nodeCtx.Err())
		}
		return nil, nodeCtx.Err()
	}
}

// triggerErrorWorkflow enqueues the configured error workflow with the
// synthesized error payload. Failing to enqueue never changes the
// primary run's terminal status.
func (e *Engine) triggerErrorWorkflow(ctx context.Context, ec *execution.Context, failed *execution.NodeResult) {
	cfg := ec.Graph().Config()
	target := cfg.Settings.ErrorWorkflow
	if target == "" || e.errorEnqueuer == nil || failed == nil {
		return
	}
	n, err := ec.Graph().Node(failed.NodeID)
	if err != nil {
		return
	}
	message := ""
	if failed.Error != nil {
		message = failed.Error.Message
	}
	data := &execution.WorkflowErrorData{
		ExecutionID:    ec.ExecID(),
		WorkflowID:     cfg.ID,
		Mode:           ec.Mode(),
		FailedNodeID:   failed.NodeID,
		FailedNodeName: n.DisplayName(),
		FailedNodeType: n.Type,
		Message:        message,
		StartedAt:      failed.StartTime,
		FailedAt:       failed.EndTime,
	}
	if err := e.errorEnqueuer.EnqueueErrorRun(ctx, target, data); err != nil {
		logger.FromContext(ctx).Error("failed to enqueue error workflow",
			"workflow_id", target, "execution_id", ec.ExecID(), "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, event stream.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ctx, event)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTimeout),
		errors.Is(err, sandbox.ErrMemoryExceeded),
		errors.Is(err, sandbox.ErrSyntax),
		errors.Is(err, sandbox.ErrRuntime):
		return sandbox.CodeFor(err)
	case errors.Is(err, node.ErrUnknownNodeType):
		return "UNKNOWN_NODE_TYPE"
	case errors.Is(err, context.DeadlineExceeded):
		return "NODE_TIMEOUT"
	default:
		return "NODE_EXECUTION_ERROR"
	}
}
