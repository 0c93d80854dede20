package service

import (
	"go.uber.org/fx"

	"github.com/opalchat/chat-replica-service/internal/consensus"
)

var Module = fx.Module("service",
	fx.Provide(
		func(n *consensus.Node) Replicator { return n },

		fx.Annotate(NewAuthService, fx.As(new(Sessioner))),
		fx.Annotate(NewChatService, fx.As(new(Chatter))),
		fx.Annotate(NewDeliveryService, fx.As(new(Deliverer))),

		NewApplyNotifier,
	),
)
