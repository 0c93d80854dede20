package grpc

import (
	"go.uber.org/fx"

	grpcsrv "github.com/opalchat/chat-replica-service/infra/server/grpc"
)

var Module = fx.Module("raft-grpc",
	fx.Provide(
		NewRaftService,
	),
	fx.Invoke(RegisterRaftService),
)

func RegisterRaftService(server *grpcsrv.Server, svc *RaftService) {
	Register(server.Server, svc)
}
