// Package grpc runs the peer-facing server carrying replication RPCs.
package grpc

import (
	"context"
	"log/slog"
	"net"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opalchat/chat-replica-service/config"
	"github.com/opalchat/chat-replica-service/infra/server/grpc/interceptors"
	_ "github.com/opalchat/chat-replica-service/pkg/jsoncodec" // register the json content-subtype
)

type Server struct {
	*grpc.Server
	addr   string
	logger *slog.Logger
}

func NewServer(cfg *config.Config, logger *slog.Logger) *Server {
	chain := []grpc.UnaryServerInterceptor{
		recovery.UnaryServerInterceptor(recovery.WithRecoveryHandler(func(p any) error {
			logger.Error("grpc handler panic", "panic", p)
			return status.Error(codes.Internal, "internal error")
		})),
		logging.UnaryServerInterceptor(
			interceptors.InterceptorLogger(logger),
			logging.WithLogOnEvents(logging.FinishCall),
		),
	}
	if token := cfg.GRPC.ClusterToken; token != "" {
		chain = append(chain, auth.UnaryServerInterceptor(interceptors.NewClusterAuthFunc(token)))
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	)

	return &Server{
		Server: srv,
		addr:   cfg.GRPC.Addr,
		logger: logger.With("component", "grpc_server"),
	}
}

var Module = fx.Module("grpc-server",
	fx.Provide(NewServer),

	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				lis, err := net.Listen("tcp", s.addr)
				if err != nil {
					return err
				}
				s.logger.Info("peer rpc listening", "addr", s.addr)
				go func() {
					if err := s.Serve(lis); err != nil {
						s.logger.Error("peer rpc server stopped", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				s.GracefulStop()
				return nil
			},
		})
	}),
)
