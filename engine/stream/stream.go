package stream

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
)

// EventType identifies a run lifecycle event.
type EventType string

const (
	EventRunStarted  EventType = "run_started"
	EventNodeStarted EventType = "node_started"
	EventNodeDone    EventType = "node_done"
	EventRunFinished EventType = "run_finished"
)

// Event is one progress update for a run. NodeDone events carry the
// node result so live UIs can render outputs as they land.
type Event struct {
	Type        EventType             `json:"type"`
	ExecutionID core.ID               `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	NodeID      core.NodeID           `json:"node_id,omitempty"`
	Status      core.StatusType       `json:"status,omitempty"`
	Result      *execution.NodeResult `json:"result,omitempty"`
	At          time.Time             `json:"at"`
}

// Publisher receives run progress events. Implementations must not
// block the scheduler.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

// -----------------------------------------------------------------------------
// In-process broker
// -----------------------------------------------------------------------------

const subscriberBuffer = 64

// Broker fans events out to in-process subscribers keyed by execution.
// A slow subscriber drops events rather than stalling the run.
type Broker struct {
	mu   sync.RWMutex
	subs map[core.ID][]chan Event
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[core.ID][]chan Event)}
}

func (b *Broker) Publish(_ context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[event.ExecutionID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a listener for one execution's events. The
// returned cancel function must be called to release the channel.
func (b *Broker) Subscribe(execID core.ID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[execID] = append(b.subs[execID], ch)
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		listeners := b.subs[execID]
		for i, listener := range listeners {
			if listener == ch {
				b.subs[execID] = append(listeners[:i], listeners[i+1:]...)
				close(ch)
				break
			}
		}
		if len(b.subs[execID]) == 0 {
			delete(b.subs, execID)
		}
	}
	return ch, cancel
}

// Fanout publishes every event to multiple publishers.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) {
	for _, p := range f {
		p.Publish(ctx, event)
	}
}
