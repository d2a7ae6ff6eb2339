// Package pulse bridges the engine's post-commit event bus onto
// goa.design/pulse streams so external consumers can follow flows live.
//
// The notifier is a hooks.Subscriber: register it on the bus and every
// committed event is published to a per-flow Pulse stream (workflow-level
// events go to a company stream). Publish failures are returned to the bus,
// which logs and suppresses them; the notifier never blocks engine commits.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientpulse "flowspec.dev/flowspec/features/notify/pulse/clients/pulse"

	"flowspec.dev/flowspec/engine/hooks"
)

type (
	// Options configures the notifier.
	Options struct {
		// Client is the Pulse client used to publish. Required.
		Client clientpulse.Client
		// StreamName derives the target stream from an event. Defaults to
		// "flow/<flowID>", or "company/<companyID>" for events carrying no
		// flow.
		StreamName func(hooks.Event) string
	}

	// Notifier publishes engine events to Pulse streams.
	Notifier struct {
		client     clientpulse.Client
		streamName func(hooks.Event) string
	}

	// envelope is the wire shape published per event.
	envelope struct {
		// Type is the event type constant.
		Type string `json:"type"`
		// CompanyID and FlowID locate the event.
		CompanyID string `json:"companyId"`
		FlowID    string `json:"flowId,omitempty"`
		// OccurredAt is the engine transaction timestamp.
		OccurredAt time.Time `json:"occurredAt"`
		// Event carries the full typed event.
		Event hooks.Event `json:"event"`
	}
)

// New constructs a Pulse notifier.
func New(opts Options) (*Notifier, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == nil {
		name = defaultStreamName
	}
	return &Notifier{client: opts.Client, streamName: name}, nil
}

// HandleEvent implements hooks.Subscriber.
func (n *Notifier) HandleEvent(ctx context.Context, event hooks.Event) error {
	stream, err := n.client.Stream(n.streamName(event))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:       string(event.Type()),
		CompanyID:  event.CompanyID(),
		FlowID:     event.FlowID(),
		OccurredAt: event.OccurredAt(),
		Event:      event,
	})
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, string(event.Type()), payload)
	return err
}

// Close releases the underlying client.
func (n *Notifier) Close(ctx context.Context) error {
	return n.client.Close(ctx)
}

func defaultStreamName(event hooks.Event) string {
	if event.FlowID() != "" {
		return "flow/" + event.FlowID()
	}
	return "company/" + event.CompanyID()
}
