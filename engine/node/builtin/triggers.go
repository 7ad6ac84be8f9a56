package builtin

import (
	"context"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/node"
)

// Node type keys for the builtin catalog.
const (
	TypeManualTrigger   = "flowmesh.trigger.manual"
	TypeWebhookTrigger  = "flowmesh.trigger.webhook"
	TypeScheduleTrigger = "flowmesh.trigger.schedule"
	TypeErrorTrigger    = "flowmesh.trigger.error"
	TypeCalledTrigger   = "flowmesh.trigger.called"
	TypeIf              = "flowmesh.flow.if"
	TypeSwitch          = "flowmesh.flow.switch"
	TypeSet             = "flowmesh.transform.set"
	TypeMerge           = "flowmesh.transform.merge"
	TypeNoop            = "flowmesh.transform.noop"
	TypeCode            = "flowmesh.code"
)

// triggerBehavior emits the externally supplied seed item, or a single
// empty item when the run carries no payload, so downstream nodes
// always see exactly one starting item.
func triggerBehavior(_ context.Context, req *node.Request) (map[string][]core.Item, error) {
	seed := core.NewItem(map[string]any{})
	if req.Seed != nil {
		seed = req.Seed.Copy()
	}
	return map[string][]core.Item{core.PinMain: {seed}}, nil
}

func triggerTemplate(nodeType string, kind core.TriggerKind, displayName string) *node.SpecTemplate {
	return &node.SpecTemplate{
		Type:        nodeType,
		DisplayName: displayName,
		Inputs:      nil,
		Outputs:     []string{core.PinMain},
		Trigger:     kind,
		Behavior:    triggerBehavior,
	}
}

func triggerTemplates() []*node.SpecTemplate {
	schedule := triggerTemplate(TypeScheduleTrigger, core.TriggerSchedule, "Schedule Trigger")
	// The cron expression is read by the schedule submitter, not by the
	// behavior: by the time the run executes, the trigger already fired.
	schedule.ParamsSchema = map[string]node.ParamSpec{
		"cron": {Type: "string"},
	}
	return []*node.SpecTemplate{
		triggerTemplate(TypeManualTrigger, core.TriggerManual, "Manual Trigger"),
		triggerTemplate(TypeWebhookTrigger, core.TriggerWebhook, "Webhook Trigger"),
		schedule,
		triggerTemplate(TypeErrorTrigger, core.TriggerError, "Error Trigger"),
		triggerTemplate(TypeCalledTrigger, core.TriggerCalled, "Workflow Call Trigger"),
	}
}
