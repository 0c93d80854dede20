package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/fx"
)

var Module = fx.Module("events-handler",
	fx.Provide(
		NewEventHandler,
		NewWatermillRouter,
	),

	fx.Invoke(func(lc fx.Lifecycle, h *EventHandler, router *message.Router, bus *gochannel.GoChannel) error {
		if err := h.RegisterHandlers(router, bus); err != nil {
			return err
		}

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					if err := router.Run(context.Background()); err != nil {
						h.logger.Error("EVENT_ROUTER_STOPPED", "err", err)
					}
				}()
				select {
				case <-router.Running():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
			OnStop: func(context.Context) error {
				return router.Close()
			},
		})
		return nil
	}),
)
