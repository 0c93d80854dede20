package cmd

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/opalchat/chat-replica-service/config"
	"github.com/opalchat/chat-replica-service/infra/logging"
	grpcsrv "github.com/opalchat/chat-replica-service/infra/server/grpc"
	httpsrv "github.com/opalchat/chat-replica-service/infra/server/http"
	"github.com/opalchat/chat-replica-service/infra/storage"
	"github.com/opalchat/chat-replica-service/infra/telemetry"
	"github.com/opalchat/chat-replica-service/infra/transport/raftgrpc"
	"github.com/opalchat/chat-replica-service/internal/adapter/pubsub"
	"github.com/opalchat/chat-replica-service/internal/chat"
	"github.com/opalchat/chat-replica-service/internal/consensus"
	"github.com/opalchat/chat-replica-service/internal/domain/registry"
	eventshandler "github.com/opalchat/chat-replica-service/internal/handler/events"
	grpchandler "github.com/opalchat/chat-replica-service/internal/handler/grpc"
	"github.com/opalchat/chat-replica-service/internal/service"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		fx.Provide(
			chat.NewStateMachine,
			func(cfg *config.Config) (*storage.Store, error) {
				return storage.NewStore(cfg.Node.DataDir)
			},
			raftgrpc.New,
			provideNode,
		),
		fx.Invoke(runNode),

		logging.Module,
		telemetry.Module,
		pubsub.Module,
		registry.Module,
		service.Module,
		eventshandler.Module,
		grpchandler.Module,
		grpcsrv.Module,
		httpsrv.Module,
	)
}

func provideNode(
	cfg *config.Config,
	store *storage.Store,
	sm *chat.StateMachine,
	transport *raftgrpc.Transport,
	notifier *service.ApplyNotifier,
	logger *slog.Logger,
) (*consensus.Node, error) {
	return consensus.NewNode(consensus.Config{
		ID:                 cfg.Node.ID,
		Peers:              cfg.PeerIDs(),
		ElectionTimeoutMin: cfg.Raft.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.Raft.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.Raft.HeartbeatInterval,
		SnapshotEvery:      cfg.Raft.SnapshotEvery,
		Logger:             logger,
		OnApplied:          notifier.Notify,
	}, store, chat.Replicated{StateMachine: sm}, transport)
}

func runNode(lc fx.Lifecycle, node *consensus.Node, transport *raftgrpc.Transport) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			node.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			node.Stop()
			return transport.Close()
		},
	})
}
