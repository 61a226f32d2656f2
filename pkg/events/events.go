// Package events publishes decision and escalation events to the reviewer
// live feed and to Kafka. Publishing is best effort: a failed publish is
// logged by the caller and never changes a decision.
package events

import (
	"context"
	"errors"

	"guardrail/pkg/stream"
)

const (
	RequestCompleted  = "request.completed"
	RequestDenied     = "request.denied"
	RequestFailed     = "request.failed"
	EscalationCreated = "escalation.created"
	EscalationDecided = "escalation.decided"
	CircuitChanged    = "circuit.state_changed"
)

type Publisher interface {
	Publish(ctx context.Context, evt stream.Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, stream.Event) error { return nil }

// HubPublisher delivers to in-process subscribers.
type HubPublisher struct{ Hub *stream.Hub }

func (p HubPublisher) Publish(_ context.Context, evt stream.Event) error {
	if p.Hub == nil {
		return errors.New("events: nil hub")
	}
	p.Hub.Publish(evt)
	return nil
}

// Fanout publishes to every target and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt stream.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
