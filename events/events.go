// Package events publishes job store changes as CloudEvents over HTTP.
package events

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Duke-GCB/toil/jobstore"
)

// TypePrefix is prepended to every jobstore.Event to form the CloudEvents type.
const TypePrefix = "org.toil.jobstore."

const defaultSource = "/toil/jobstore"

var _ jobstore.Notifier = (*Notifier)(nil)

// Config describes where events are delivered.
type Config struct {
	// Target is the HTTP endpoint receiving the events.
	Target string `mapstructure:"target" yaml:"target"`
	// Source identifies the emitting store. It defaults to /toil/jobstore.
	Source string `mapstructure:"source" yaml:"source"`
}

// Notifier sends one CloudEvent per store change.
type Notifier struct {
	client cloudevents.Client
	source string
}

// NewNotifier creates an HTTP CloudEvents client for cfg.Target.
func NewNotifier(cfg Config) (*Notifier, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("event target is required")
	}
	c, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(cfg.Target))
	if err != nil {
		return nil, fmt.Errorf("failed to create CloudEvents client: %w", err)
	}
	return NewNotifierWithClient(c, cfg.Source), nil
}

// NewNotifierWithClient sends through an existing client.
func NewNotifierWithClient(c cloudevents.Client, source string) *Notifier {
	if source == "" {
		source = defaultSource
	}
	return &Notifier{client: c, source: source}
}

// Notify sends ev about subject. data becomes the JSON payload.
func (n *Notifier) Notify(ctx context.Context, ev jobstore.Event, subject string, data map[string]string) error {
	e := cloudevents.NewEvent()
	e.SetType(TypePrefix + string(ev))
	e.SetSource(n.source)
	e.SetSubject(subject)
	if len(data) > 0 {
		if err := e.SetData(cloudevents.ApplicationJSON, data); err != nil {
			return fmt.Errorf("failed to encode %s event: %w", ev, err)
		}
	}

	if res := n.client.Send(ctx, e); !cloudevents.IsACK(res) {
		return fmt.Errorf("failed to send %s event: %w", ev, res)
	}
	return nil
}
