package detection

import (
	"context"

	"parking-gate-service/internal/domain/anpr"
)

type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
)

// Subscription is a live push channel for one gate. Events and States are
// closed by the transport once Unsubscribe has been called or the transport
// gives up.
type Subscription interface {
	Events() <-chan anpr.DetectionEvent
	States() <-chan ChannelState
	Unsubscribe()
}

// Lagger is implemented by subscriptions that drop events when the consumer
// falls behind. A receive on Lagged means events were lost and the source
// should poll to catch up.
type Lagger interface {
	Lagged() <-chan struct{}
}

type PushTransport interface {
	Subscribe(ctx context.Context, gateID string) (Subscription, error)
}

type PollTransport interface {
	FetchPendingEntryDetections(ctx context.Context, gateID string) ([]anpr.DetectionEvent, error)
	FetchPendingExitDetections(ctx context.Context, gateID string) ([]anpr.DetectionEvent, error)
}

// Acknowledger is implemented by poll transports whose pending queue needs
// to be told that a detection was handled.
type Acknowledger interface {
	Acknowledge(ctx context.Context, ev anpr.DetectionEvent) error
}

// EmitFunc receives each deduplicated event. Returning an error forgets the
// event so a later poll can deliver it again.
type EmitFunc func(ctx context.Context, ev anpr.DetectionEvent) error
