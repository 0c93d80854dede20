package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/fx"
)

// NewChannelBus builds the in-process pub/sub carrying applied events
// between the replication layer and this node's delivery pipeline.
// Every node runs its own bus: cross-node propagation happens through
// log replication, not messaging.
func NewChannelBus(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
}

var Module = fx.Module("pubsub",
	fx.Provide(
		NewChannelBus,
		func(ch *gochannel.GoChannel) EventDispatcher {
			return NewEventDispatcher(ch)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, ch *gochannel.GoChannel) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return ch.Close()
			},
		})
	}),
)
